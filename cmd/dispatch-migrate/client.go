// ABOUTME: Migrator implementations: hub HTTP API client and direct database access
// ABOUTME: Both expose the same status, run and rollback results

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/2389/coven-dispatch/internal/kv"
	"github.com/2389/coven-dispatch/internal/migration"
)

// httpMigrator calls /api/migration on a running hub.
type httpMigrator struct {
	baseURL string
	token   string
	client  *http.Client
}

func newHTTPMigrator(baseURL, token string) *httpMigrator {
	return &httpMigrator{
		baseURL: strings.TrimRight(baseURL, "/") + "/api/migration",
		token:   token,
		client:  &http.Client{Timeout: 5 * time.Minute},
	}
}

func (m *httpMigrator) Status(ctx context.Context) (migration.Status, error) {
	var st migration.Status
	err := m.do(ctx, http.MethodGet, "/status", &st)
	return st, err
}

// Run returns the result of a partial migration (207) without an error.
func (m *httpMigrator) Run(ctx context.Context) (migration.Result, error) {
	var res migration.Result
	err := m.do(ctx, http.MethodPost, "/run", &res)
	return res, err
}

func (m *httpMigrator) Rollback(ctx context.Context) (migration.RollbackResult, error) {
	var res migration.RollbackResult
	err := m.do(ctx, http.MethodPost, "/rollback", &res)
	return res, err
}

func (m *httpMigrator) Close() error { return nil }

func (m *httpMigrator) do(ctx context.Context, method, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, m.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	if m.token != "" {
		req.Header.Set("Authorization", "Bearer "+m.token)
	}

	resp, err := m.client.Do(req)
	if err != nil {
		return fmt.Errorf("calling hub: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("reading response: %w", err)
	}

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusMultiStatus {
		var apiErr struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(body, &apiErr) == nil && apiErr.Error != "" {
			return fmt.Errorf("hub returned %d: %s", resp.StatusCode, apiErr.Error)
		}
		return fmt.Errorf("hub returned %d", resp.StatusCode)
	}

	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}

// localMigrator runs the engine against the database file. The hub should
// be stopped while it runs.
type localMigrator struct {
	engine *migration.Engine
	store  kv.Store
}

func (m *localMigrator) Status(ctx context.Context) (migration.Status, error) {
	return m.engine.Status(ctx)
}

func (m *localMigrator) Run(ctx context.Context) (migration.Result, error) {
	return m.engine.Run(ctx), nil
}

func (m *localMigrator) Rollback(ctx context.Context) (migration.RollbackResult, error) {
	return m.engine.Rollback(ctx)
}

func (m *localMigrator) Close() error {
	return m.store.Close()
}
