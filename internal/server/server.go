// Package server exposes the engine over HTTP: webhook delivery,
// manual triggers, execution and approval reads, security telemetry,
// SLA policies, and the audit trail. main() builds a Server from the
// already-wired subsystems and calls Run.
package server

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/cybersentinel/soar/internal/approval"
	"github.com/cybersentinel/soar/internal/audit"
	"github.com/cybersentinel/soar/internal/config"
	"github.com/cybersentinel/soar/internal/connector"
	"github.com/cybersentinel/soar/internal/engine"
	"github.com/cybersentinel/soar/internal/execution"
	"github.com/cybersentinel/soar/internal/ingest"
	"github.com/cybersentinel/soar/internal/scheduler"
	"github.com/cybersentinel/soar/internal/security"
	"github.com/cybersentinel/soar/internal/sla"
	"github.com/cybersentinel/soar/internal/trigger"
	"github.com/cybersentinel/soar/internal/webhook"
)

// Deps carries the subsystems the HTTP layer serves. Everything is
// constructed in main and shared with the engine; the server owns none
// of it.
type Deps struct {
	DB         *sql.DB
	Pipeline   *ingest.Pipeline
	Engine     *engine.Engine
	Executions *execution.Store
	Approvals  *approval.Store
	Webhooks   *webhook.Store
	Triggers   *trigger.Store
	Policies   *sla.Store
	Schedules  *scheduler.Store
	Filter     *security.Filter
	Trail      *audit.Store
	Connectors *connector.Registry
}

// Server is the HTTP face of the engine.
type Server struct {
	cfg    config.Config
	logger *zap.Logger

	db         *sql.DB
	pipeline   *ingest.Pipeline
	engine     *engine.Engine
	executions *execution.Store
	approvals  *approval.Store
	webhooks   *webhook.Store
	triggers   *trigger.Store
	policies   *sla.Store
	schedules  *scheduler.Store
	filter     *security.Filter
	trail      *audit.Store
	connectors *connector.Registry

	startedAt time.Time
}

// New assembles a Server. The audit trail and connector registry may
// be nil; the endpoints backed by them answer 503 in that case.
func New(cfg config.Config, deps Deps, logger *zap.Logger) *Server {
	return &Server{
		cfg:        cfg,
		logger:     logger.With(zap.String("component", "server")),
		db:         deps.DB,
		pipeline:   deps.Pipeline,
		engine:     deps.Engine,
		executions: deps.Executions,
		approvals:  deps.Approvals,
		webhooks:   deps.Webhooks,
		triggers:   deps.Triggers,
		policies:   deps.Policies,
		schedules:  deps.Schedules,
		filter:     deps.Filter,
		trail:      deps.Trail,
		connectors: deps.Connectors,
		startedAt:  time.Now(),
	}
}

// Handler returns the fully wired route tree, exposed for tests.
func (s *Server) Handler() http.Handler {
	return s.accessLog(maxBodySizeMiddleware(s.routes()))
}

func (s *Server) routes() *http.ServeMux {
	mux := http.NewServeMux()

	// Product-facing delivery authenticates with per-webhook secrets,
	// never with operator tokens.
	mux.HandleFunc("POST /webhooks/{webhook_id}", s.handleWebhookDelivery)

	// Operator surface.
	mux.HandleFunc("POST /webhooks/{webhook_id}/rotate-secret", s.authenticate(s.handleRotateSecret))
	mux.HandleFunc("DELETE /webhooks/{webhook_id}", s.authenticate(s.handleDeleteWebhook))
	mux.HandleFunc("POST /executions/trigger", s.authenticate(s.handleManualTrigger))
	mux.HandleFunc("GET /executions", s.authenticate(s.handleListExecutions))
	mux.HandleFunc("GET /executions/{execution_id}", s.authenticate(s.handleGetExecution))
	mux.HandleFunc("GET /executions/{execution_id}/sla", s.authenticate(s.handleExecutionSLA))
	mux.HandleFunc("POST /executions/{execution_id}/cancel", s.authenticate(s.handleCancelExecution))
	mux.HandleFunc("GET /approvals", s.authenticate(s.handleListApprovals))
	mux.HandleFunc("GET /approvals/{approval_id}", s.authenticate(s.handleGetApproval))
	mux.HandleFunc("POST /approvals/{approval_id}/decide", s.authenticate(s.handleDecideApproval))
	mux.HandleFunc("GET /sla/policies", s.authenticate(s.handleListPolicies))
	mux.HandleFunc("GET /sla/report", s.authenticate(s.handleSLAReport))
	mux.HandleFunc("POST /schedules", s.authenticate(s.handleUpsertSchedule))
	mux.HandleFunc("GET /schedules", s.authenticate(s.handleListSchedules))
	mux.HandleFunc("GET /schedules/{schedule_id}", s.authenticate(s.handleGetSchedule))
	mux.HandleFunc("DELETE /schedules/{schedule_id}", s.authenticate(s.handleDeleteSchedule))
	mux.HandleFunc("GET /security/metrics", s.authenticate(s.handleSecurityMetrics))
	mux.HandleFunc("GET /security/config", s.authenticate(s.handleSecurityConfig))
	mux.HandleFunc("GET /security/events", s.authenticate(s.handleSecurityEvents))
	mux.HandleFunc("GET /connectors", s.authenticate(s.handleListConnectors))
	mux.HandleFunc("GET /audit", s.authenticate(s.handleAuditList))
	mux.HandleFunc("GET /audit/export", s.authenticate(s.handleAuditExportJSONL))
	mux.HandleFunc("GET /audit/export/csv", s.authenticate(s.handleAuditExportCSV))
	mux.HandleFunc("DELETE /audit/purge", s.authenticate(s.handleAuditPurge))

	// Health stays open for load balancers.
	mux.HandleFunc("GET /healthz", s.handleHealthz)

	return mux
}

// Run serves HTTP until the context is cancelled, then drains with a
// ten second grace period.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.ListenAddr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("http server listening", zap.String("addr", s.cfg.ListenAddr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	s.logger.Info("http server draining")
	return srv.Shutdown(shutdownCtx)
}
