package federation

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/talgya/infra-world/internal/engine"
	"github.com/talgya/infra-world/internal/infra"
)

// Actor drives a peer through its admin API.
type Actor struct {
	BaseURL    string
	AdminKey   string
	HTTPClient *http.Client
}

// NewActor creates an Actor targeting the given API base URL with admin auth.
func NewActor(baseURL, adminKey string) *Actor {
	return &Actor{
		BaseURL:  baseURL,
		AdminKey: adminKey,
		HTTPClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// SubstituteRecorded makes sector recorded on the peer with states.
func (a *Actor) SubstituteRecorded(ctx context.Context, sector infra.Sector, states map[string]infra.RecordedState) error {
	body := map[string]any{"sector": sector, "states": states}
	return a.post(ctx, "/api/v1/recorded", body, nil)
}

// ClearRecorded returns sector to local simulation on the peer.
func (a *Actor) ClearRecorded(ctx context.Context, sector infra.Sector) error {
	body := map[string]any{"sector": sector, "clear": true}
	return a.post(ctx, "/api/v1/recorded", body, nil)
}

// SetMode schedules an optimization mode on the peer.
func (a *Actor) SetMode(ctx context.Context, mode string) error {
	return a.post(ctx, "/api/v1/mode", map[string]string{"mode": mode}, nil)
}

// Tick advances the peer one year and returns its snapshot.
func (a *Actor) Tick(ctx context.Context) (engine.Snapshot, error) {
	var snap engine.Snapshot
	err := a.post(ctx, "/api/v1/tick", nil, &snap)
	return snap, err
}

func (a *Actor) post(ctx context.Context, path string, payload, target any) error {
	var body io.Reader = http.NoBody
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("marshal %s: %w", path, err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.BaseURL+path, body)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+a.AdminKey)

	resp, err := a.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("POST %s: %w", path, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("POST %s failed (%d): %s", path, resp.StatusCode, string(respBody))
	}
	if target == nil {
		return nil
	}
	if err := json.Unmarshal(respBody, target); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
