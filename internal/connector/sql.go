/*
Copyright 2026.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0
*/

package connector

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"time"

	// Drivers register themselves with database/sql.
	_ "github.com/go-sql-driver/mysql"
	_ "github.com/jackc/pgx/v5/stdlib"
)

// SQLDatabase describes one queryable database.
type SQLDatabase struct {
	// Name identifies the database in step inputs.
	Name string
	// Driver is mysql, postgres, or sqlite.
	Driver string
	// DSN is the connection string.
	DSN string
	// MaxRows caps result rows. Zero means 1000.
	MaxRows int
	// Timeout bounds one query. Zero means 30s.
	Timeout time.Duration
}

func (d SQLDatabase) withDefaults() SQLDatabase {
	if d.MaxRows <= 0 {
		d.MaxRows = 1000
	}
	if d.Timeout <= 0 {
		d.Timeout = 30 * time.Second
	}
	return d
}

// driverName maps config driver names to registered sql drivers.
func driverName(driver string) string {
	switch strings.ToLower(driver) {
	case "postgres", "postgresql":
		return "pgx"
	default:
		return strings.ToLower(driver)
	}
}

// SQLConnector runs read-only queries against registered databases.
// Enrichment steps use it to look up asset inventory, user directories,
// and case history; anything that writes is refused before it reaches
// the database.
type SQLConnector struct {
	mu        sync.Mutex
	databases map[string]SQLDatabase
	conns     map[string]*sql.DB
}

// NewSQLConnector creates the sql_query connector.
func NewSQLConnector() *SQLConnector {
	return &SQLConnector{
		databases: make(map[string]SQLDatabase),
		conns:     make(map[string]*sql.DB),
	}
}

func (c *SQLConnector) Name() string { return "sql_query" }

func (c *SQLConnector) Description() string {
	return "Runs read-only SQL queries against registered databases"
}

func (c *SQLConnector) Actions() []string { return []string{"query"} }

// AddDatabase registers a database for querying.
func (c *SQLConnector) AddDatabase(db SQLDatabase) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.databases[db.Name] = db.withDefaults()
}

// Close closes all pooled connections.
func (c *SQLConnector) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	var firstErr error
	for name, conn := range c.conns {
		if err := conn.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(c.conns, name)
	}
	return firstErr
}

// Invoke runs one query. Inputs: database (name), query (SQL text).
func (c *SQLConnector) Invoke(ctx context.Context, action string, inputs map[string]any) (map[string]any, error) {
	if action != "query" {
		return nil, unknownAction(c.Name(), action)
	}

	dbName, _ := inputs["database"].(string)
	if dbName == "" {
		return nil, fmt.Errorf("database input is required")
	}
	query, _ := inputs["query"].(string)
	if strings.TrimSpace(query) == "" {
		return nil, fmt.Errorf("query input is required")
	}

	if !isReadOnlyQuery(query) {
		return nil, fmt.Errorf("query refused: only SELECT, SHOW, DESCRIBE, and EXPLAIN statements are allowed")
	}
	if containsSQLInjection(query) {
		return nil, fmt.Errorf("query refused: suspicious statement structure")
	}

	c.mu.Lock()
	db, ok := c.databases[dbName]
	c.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("unknown database %q", dbName)
	}

	conn, err := c.connect(db)
	if err != nil {
		return nil, err
	}

	queryCtx, cancel := context.WithTimeout(ctx, db.Timeout)
	defer cancel()

	tx, err := conn.BeginTx(queryCtx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, fmt.Errorf("starting read-only transaction: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(queryCtx, query)
	if err != nil {
		return nil, fmt.Errorf("query failed: %w", err)
	}
	defer rows.Close()

	return collectRows(rows, db.MaxRows)
}

// connect returns a pooled connection for db, opening one on first use.
func (c *SQLConnector) connect(db SQLDatabase) (*sql.DB, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if conn, ok := c.conns[db.Name]; ok {
		return conn, nil
	}
	conn, err := sql.Open(driverName(db.Driver), db.DSN)
	if err != nil {
		return nil, fmt.Errorf("opening database %s: %w", db.Name, err)
	}
	conn.SetMaxOpenConns(4)
	conn.SetConnMaxIdleTime(5 * time.Minute)
	c.conns[db.Name] = conn
	return conn, nil
}

// collectRows drains rows into step output, capped at maxRows.
func collectRows(rows *sql.Rows, maxRows int) (map[string]any, error) {
	cols, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("reading columns: %w", err)
	}

	out := make([]map[string]any, 0, 16)
	truncated := false
	for rows.Next() {
		if len(out) >= maxRows {
			truncated = true
			break
		}
		values := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("scanning row: %w", err)
		}
		row := make(map[string]any, len(cols))
		for i, col := range cols {
			if b, ok := values[i].([]byte); ok {
				row[col] = string(b)
			} else {
				row[col] = values[i]
			}
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating rows: %w", err)
	}

	return map[string]any{
		"columns":   cols,
		"rows":      out,
		"row_count": len(out),
		"truncated": truncated,
	}, nil
}

// isReadOnlyQuery classifies by the first keyword. Anything not
// recognized as a read statement is refused.
func isReadOnlyQuery(query string) bool {
	trimmed := strings.TrimSpace(strings.ToUpper(query))
	for _, prefix := range []string{"SELECT", "SHOW", "DESCRIBE", "DESC ", "EXPLAIN"} {
		if strings.HasPrefix(trimmed, prefix) {
			return true
		}
	}
	return false
}

// containsSQLInjection rejects stacked statements and comment tricks.
func containsSQLInjection(query string) bool {
	trimmed := strings.TrimSpace(query)
	trimmed = strings.TrimSuffix(trimmed, ";")
	if strings.Contains(trimmed, ";") {
		return true
	}
	lower := strings.ToLower(trimmed)
	if strings.Contains(lower, "--") || strings.Contains(lower, "/*") {
		return true
	}
	// UNION following a quote is the classic exfiltration shape.
	if idx := strings.Index(lower, "union"); idx > 0 {
		before := lower[:idx]
		if strings.Contains(before, "'") || strings.Contains(before, "\"") {
			return true
		}
	}
	return false
}
