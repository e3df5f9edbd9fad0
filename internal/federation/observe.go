// Package federation couples independently run simulations. It observes a
// peer's committed sector state over HTTP, substitutes it into another
// instance through the admin API, and mirrors committed years over NATS.
package federation

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/talgya/infra-world/internal/engine"
	"github.com/talgya/infra-world/internal/infra"
)

// PeerStatus mirrors GET /api/v1/status.
type PeerStatus struct {
	Initialized bool              `json:"initialized"`
	Completed   bool              `json:"completed"`
	Clock       engine.Clock      `json:"clock"`
	Year        int               `json:"year"`
	Mode        string            `json:"mode"`
	Behaviour   map[string]string `json:"behaviour"`
	Running     bool              `json:"running"`
	RunID       string            `json:"run_id,omitempty"`
}

// SectorView mirrors GET /api/v1/sectors/{sector}.
type SectorView struct {
	Sector    infra.Sector         `json:"sector"`
	Year      int                  `json:"year"`
	Behaviour string               `json:"behaviour"`
	States    []engine.SectorState `json:"states"`
}

// Recorded converts the view into recorded state keyed by society.
func (v SectorView) Recorded() map[string]infra.RecordedState {
	return RecordedFromStates(v.Year, v.States)
}

// RecordedFromStates converts committed sector states into recorded state.
func RecordedFromStates(year int, states []engine.SectorState) map[string]infra.RecordedState {
	out := make(map[string]infra.RecordedState, len(states))
	for _, st := range states {
		r := infra.RecordedState{
			Year:       year,
			Quantities: st.Quantities,
			Ledger:     st.Ledger,
			UnitPrice:  st.UnitPrice,
		}
		if st.Reservoir != nil {
			v := st.Reservoir.Volume
			r.ReservoirVolume = &v
		}
		if st.Aquifer != nil {
			v := st.Aquifer.Volume
			r.AquiferVolume = &v
		}
		out[st.Society] = r
	}
	return out
}

// Observer fetches simulation state from a peer's API.
type Observer struct {
	BaseURL    string
	HTTPClient *http.Client
}

// NewObserver creates an Observer targeting the given API base URL.
func NewObserver(baseURL string) *Observer {
	return &Observer{
		BaseURL: baseURL,
		HTTPClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// Status fetches the peer's clock and mode.
func (o *Observer) Status(ctx context.Context) (PeerStatus, error) {
	var st PeerStatus
	if err := o.fetchJSON(ctx, "/api/v1/status", &st); err != nil {
		return st, fmt.Errorf("fetch status: %w", err)
	}
	return st, nil
}

// Sector fetches the peer's last committed year of sector.
func (o *Observer) Sector(ctx context.Context, sector infra.Sector) (SectorView, error) {
	var v SectorView
	if err := o.fetchJSON(ctx, "/api/v1/sectors/"+sector.String(), &v); err != nil {
		return v, fmt.Errorf("fetch %s: %w", sector, err)
	}
	return v, nil
}

// fetchJSON GETs a path and decodes the JSON response into target.
func (o *Observer) fetchJSON(ctx context.Context, path string, target any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, o.BaseURL+path, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	resp, err := o.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("GET %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("GET %s returned %d: %s", path, resp.StatusCode, string(body))
	}

	if err := json.NewDecoder(resp.Body).Decode(target); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}
