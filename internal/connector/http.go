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
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"
)

// maxResponseBytes caps how much of a downstream response body is
// captured into step output.
const maxResponseBytes = 8 * 1024

// CredentialStore maps URL prefixes to auth headers injected on
// outbound requests. Longest matching prefix wins.
type CredentialStore struct {
	mu    sync.RWMutex
	creds map[string]httpCredential
}

type httpCredential struct {
	header string
	value  string
}

// NewCredentialStore creates an empty credential store.
func NewCredentialStore() *CredentialStore {
	return &CredentialStore{creds: make(map[string]httpCredential)}
}

// Add registers a credential for all URLs under prefix.
func (s *CredentialStore) Add(prefix, header, value string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.creds[prefix] = httpCredential{header: header, value: value}
}

// apply injects the best matching credential into req, if any.
func (s *CredentialStore) apply(req *http.Request) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var bestPrefix string
	var best httpCredential
	for prefix, cred := range s.creds {
		if strings.HasPrefix(req.URL.String(), prefix) && len(prefix) > len(bestPrefix) {
			bestPrefix = prefix
			best = cred
		}
	}
	if bestPrefix != "" {
		req.Header.Set(best.header, best.value)
	}
}

// HTTPConnector performs outbound HTTP requests for action steps.
type HTTPConnector struct {
	client *http.Client
	creds  *CredentialStore
}

// NewHTTPConnector creates the http_request connector. A nil creds
// store disables credential injection.
func NewHTTPConnector(creds *CredentialStore) *HTTPConnector {
	return &HTTPConnector{
		client: &http.Client{Timeout: 10 * time.Second},
		creds:  creds,
	}
}

func (c *HTTPConnector) Name() string { return "http_request" }

func (c *HTTPConnector) Description() string {
	return "Performs HTTP requests against downstream services"
}

func (c *HTTPConnector) Actions() []string {
	return []string{"get", "post", "put", "delete", "request"}
}

// Invoke executes one HTTP action. The get/post/put/delete actions fix
// the method; the request action reads it from the method input.
func (c *HTTPConnector) Invoke(ctx context.Context, action string, inputs map[string]any) (map[string]any, error) {
	var method string
	switch action {
	case "get":
		method = http.MethodGet
	case "post":
		method = http.MethodPost
	case "put":
		method = http.MethodPut
	case "delete":
		method = http.MethodDelete
	case "request":
		m, _ := inputs["method"].(string)
		method = strings.ToUpper(strings.TrimSpace(m))
		if method == "" {
			return nil, fmt.Errorf("method input is required for the request action")
		}
	default:
		return nil, unknownAction(c.Name(), action)
	}

	url, _ := inputs["url"].(string)
	if url == "" {
		return nil, fmt.Errorf("url input is required")
	}
	if !strings.HasPrefix(url, "http://") && !strings.HasPrefix(url, "https://") {
		return nil, fmt.Errorf("url must start with http:// or https://")
	}

	body, contentType, err := encodeBody(inputs["body"])
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if ct, ok := inputs["content_type"].(string); ok && ct != "" {
		req.Header.Set("Content-Type", ct)
	}
	if headers, ok := inputs["headers"].(map[string]any); ok {
		for k, v := range headers {
			req.Header.Set(k, fmt.Sprint(v))
		}
	}
	if c.creds != nil {
		c.creds.apply(req)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes+1))
	if err != nil {
		return nil, fmt.Errorf("reading response: %w", err)
	}
	truncated := false
	if len(raw) > maxResponseBytes {
		raw = raw[:maxResponseBytes]
		truncated = true
	}

	output := map[string]any{
		"status_code": resp.StatusCode,
		"status":      resp.Status,
		"body":        string(raw),
		"truncated":   truncated,
	}
	if parsed := tryParseJSON(raw); parsed != nil {
		output["json"] = parsed
	}
	return output, nil
}

// encodeBody turns the body input into a reader. Strings pass through
// unchanged; maps and slices are JSON-encoded.
func encodeBody(v any) (io.Reader, string, error) {
	switch b := v.(type) {
	case nil:
		return nil, "", nil
	case string:
		if b == "" {
			return nil, "", nil
		}
		return strings.NewReader(b), "", nil
	default:
		raw, err := json.Marshal(b)
		if err != nil {
			return nil, "", fmt.Errorf("encoding body: %w", err)
		}
		return bytes.NewReader(raw), "application/json", nil
	}
}

// tryParseJSON decodes raw into a map or slice, returning nil when the
// body is not JSON. Truncated bodies fail the decode and stay raw-only.
func tryParseJSON(raw []byte) any {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || (trimmed[0] != '{' && trimmed[0] != '[') {
		return nil
	}
	var v any
	if err := json.Unmarshal(trimmed, &v); err != nil {
		return nil
	}
	return v
}
