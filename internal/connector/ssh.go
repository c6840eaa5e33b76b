/*
Copyright 2026.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0
*/

package connector

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"path"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"
)

// SSHCredential holds connection material for one remote target.
type SSHCredential struct {
	// Host is "host" or "host:port"; port defaults to 22.
	Host string
	// User is the login user.
	User string
	// PrivateKey is a PEM-encoded key. Takes precedence over Password.
	PrivateKey string
	// Password is used when no private key is set.
	Password string
}

// blockedCommands are never executed remotely, regardless of playbook
// content. Matched against the basename of the first token.
var blockedCommands = map[string]bool{
	"rm":       true,
	"rmdir":    true,
	"mkfs":     true,
	"dd":       true,
	"shutdown": true,
	"reboot":   true,
	"halt":     true,
	"poweroff": true,
	"passwd":   true,
	"userdel":  true,
}

// protectedPaths may not appear as arguments to remote commands.
var protectedPaths = []string{
	"/etc/passwd",
	"/etc/shadow",
	"/etc/sudoers",
	"/boot",
}

// SSHConnector runs commands on remote hosts for containment steps
// (killing processes, disabling interfaces, collecting volatile state).
type SSHConnector struct {
	mu          sync.Mutex
	credentials map[string]SSHCredential
	clients     map[string]*ssh.Client
}

// NewSSHConnector creates the ssh_exec connector.
func NewSSHConnector() *SSHConnector {
	return &SSHConnector{
		credentials: make(map[string]SSHCredential),
		clients:     make(map[string]*ssh.Client),
	}
}

func (c *SSHConnector) Name() string { return "ssh_exec" }

func (c *SSHConnector) Description() string {
	return "Executes commands on remote hosts over SSH"
}

func (c *SSHConnector) Actions() []string { return []string{"run"} }

// AddCredential registers connection material under a target name.
func (c *SSHConnector) AddCredential(name string, cred SSHCredential) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.credentials[name] = cred
}

// Close tears down all cached client connections.
func (c *SSHConnector) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	var firstErr error
	for name, client := range c.clients {
		if err := client.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(c.clients, name)
	}
	return firstErr
}

// Invoke runs one remote command. Inputs: target (credential name),
// command (shell command line).
func (c *SSHConnector) Invoke(ctx context.Context, action string, inputs map[string]any) (map[string]any, error) {
	if action != "run" {
		return nil, unknownAction(c.Name(), action)
	}

	target, _ := inputs["target"].(string)
	if target == "" {
		return nil, fmt.Errorf("target input is required")
	}
	command, _ := inputs["command"].(string)
	if strings.TrimSpace(command) == "" {
		return nil, fmt.Errorf("command input is required")
	}

	if blocked, reason := commandBlocked(command); blocked {
		return nil, fmt.Errorf("command refused: %s", reason)
	}

	c.mu.Lock()
	cred, ok := c.credentials[target]
	c.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("unknown ssh target %q", target)
	}

	client, err := c.connect(target, cred)
	if err != nil {
		return nil, err
	}

	session, err := client.NewSession()
	if err != nil {
		// A dead cached connection surfaces here; drop it so the
		// next attempt redials.
		c.evict(target)
		return nil, fmt.Errorf("opening session: %w", err)
	}
	defer session.Close()

	var stdout, stderr bytes.Buffer
	session.Stdout = &stdout
	session.Stderr = &stderr

	done := make(chan error, 1)
	go func() { done <- session.Run(command) }()

	select {
	case err = <-done:
	case <-ctx.Done():
		_ = session.Signal(ssh.SIGTERM)
		return nil, fmt.Errorf("command cancelled: %w", ctx.Err())
	}

	exitCode := 0
	if err != nil {
		var exitErr *ssh.ExitError
		if errors.As(err, &exitErr) {
			exitCode = exitErr.ExitStatus()
		} else {
			return nil, fmt.Errorf("command failed: %w", err)
		}
	}

	return map[string]any{
		"stdout":    stdout.String(),
		"stderr":    stderr.String(),
		"exit_code": exitCode,
	}, nil
}

// connect returns a cached client or dials a new one.
func (c *SSHConnector) connect(name string, cred SSHCredential) (*ssh.Client, error) {
	c.mu.Lock()
	if client, ok := c.clients[name]; ok {
		c.mu.Unlock()
		return client, nil
	}
	c.mu.Unlock()

	var auth []ssh.AuthMethod
	if cred.PrivateKey != "" {
		signer, err := ssh.ParsePrivateKey([]byte(cred.PrivateKey))
		if err != nil {
			return nil, fmt.Errorf("parsing private key for %s: %w", name, err)
		}
		auth = append(auth, ssh.PublicKeys(signer))
	} else if cred.Password != "" {
		auth = append(auth, ssh.Password(cred.Password))
	} else {
		return nil, fmt.Errorf("credential %s has neither key nor password", name)
	}

	host := cred.Host
	if _, _, err := net.SplitHostPort(host); err != nil {
		host = net.JoinHostPort(host, "22")
	}

	config := &ssh.ClientConfig{
		User:            cred.User,
		Auth:            auth,
		HostKeyCallback: ssh.InsecureIgnoreHostKey(), // TODO: pinned host keys from credential config
		Timeout:         10 * time.Second,
	}

	client, err := ssh.Dial("tcp", host, config)
	if err != nil {
		return nil, fmt.Errorf("dialing %s: %w", host, err)
	}

	c.mu.Lock()
	c.clients[name] = client
	c.mu.Unlock()
	return client, nil
}

// evict drops a cached client after a session failure.
func (c *SSHConnector) evict(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if client, ok := c.clients[name]; ok {
		_ = client.Close()
		delete(c.clients, name)
	}
}

// commandBlocked reports whether the command line trips the blocklist
// or touches a protected path.
func commandBlocked(command string) (bool, string) {
	fields := strings.Fields(command)
	if len(fields) == 0 {
		return true, "empty command"
	}
	first := path.Base(fields[0])
	if blockedCommands[first] {
		return true, fmt.Sprintf("%s is on the blocked command list", first)
	}
	for _, p := range protectedPaths {
		for _, field := range fields[1:] {
			if strings.HasPrefix(field, p) {
				return true, fmt.Sprintf("argument touches protected path %s", p)
			}
		}
	}
	return false, ""
}
