package federation

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"

	"github.com/talgya/infra-world/internal/engine"
	"github.com/talgya/infra-world/internal/infra"
)

// SectorMessage is one committed year of one sector across all societies.
type SectorMessage struct {
	ID     string               `json:"id"`
	Source string               `json:"source"`
	Sector infra.Sector         `json:"sector"`
	Year   int                  `json:"year"`
	States []engine.SectorState `json:"states"`
}

// CommittedSubject is where an instance publishes a sector's committed years.
func CommittedSubject(sector infra.Sector) string {
	return fmt.Sprintf("infra.%s.committed", sector)
}

// RecordedSubject is where an instance receives recorded state for a sector.
func RecordedSubject(sector infra.Sector) string {
	return fmt.Sprintf("infra.%s.recorded", sector)
}

// NATSConfig holds connection settings.
type NATSConfig struct {
	URL            string
	Name           string
	ReconnectWait  time.Duration
	MaxReconnects  int
	ConnectTimeout time.Duration
}

// Connect dials NATS with the given settings.
func Connect(cfg NATSConfig) (*nats.Conn, error) {
	opts := []nats.Option{
		nats.Name(cfg.Name),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.Timeout(cfg.ConnectTimeout),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			slog.Warn("nats disconnected", "error", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			slog.Info("nats reconnected", "url", nc.ConnectedUrl())
		}),
	}
	conn, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	return conn, nil
}

// Publisher is the part of *nats.Conn the bridge publishes through.
type Publisher interface {
	Publish(subject string, data []byte) error
}

// NATSBridge mirrors a simulation onto NATS: committed years go out on the
// committed subjects; messages on the recorded subjects become recorded state.
type NATSBridge struct {
	Sim    *engine.Simulation
	Source string // identifies this instance in outgoing messages

	pub  Publisher
	conn *nats.Conn

	mu   sync.Mutex
	subs map[infra.Sector]*nats.Subscription
}

// NewNATSBridge creates a bridge publishing through pub. conn may be nil
// when the bridge only publishes.
func NewNATSBridge(sim *engine.Simulation, source string, pub Publisher, conn *nats.Conn) *NATSBridge {
	return &NATSBridge{
		Sim:    sim,
		Source: source,
		pub:    pub,
		conn:   conn,
		subs:   make(map[infra.Sector]*nats.Subscription),
	}
}

// Messages splits a snapshot into one message per sector.
func (b *NATSBridge) Messages(snap engine.Snapshot) []SectorMessage {
	bySector := make(map[infra.Sector][]engine.SectorState)
	for _, st := range snap.Sectors {
		bySector[st.Sector] = append(bySector[st.Sector], st)
	}
	var out []SectorMessage
	for _, sector := range infra.AllSectors() {
		states, ok := bySector[sector]
		if !ok {
			continue
		}
		out = append(out, SectorMessage{
			ID:     uuid.NewString(),
			Source: b.Source,
			Sector: sector,
			Year:   snap.Year,
			States: states,
		})
	}
	return out
}

// Publish sends every sector of a committed snapshot. It is meant to run as
// the simulation's commit hook.
func (b *NATSBridge) Publish(snap engine.Snapshot) {
	for _, m := range b.Messages(snap) {
		data, err := json.Marshal(m)
		if err != nil {
			slog.Error("marshal sector message", "sector", m.Sector, "error", err)
			continue
		}
		if err := b.pub.Publish(CommittedSubject(m.Sector), data); err != nil {
			slog.Error("publish sector message", "sector", m.Sector, "year", m.Year, "error", err)
		}
	}
}

// Subscribe starts applying recorded state for sector from NATS.
func (b *NATSBridge) Subscribe(sector infra.Sector) error {
	if b.conn == nil {
		return fmt.Errorf("no NATS connection")
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, exists := b.subs[sector]; exists {
		return fmt.Errorf("already subscribed to %s", sector)
	}
	sub, err := b.conn.Subscribe(RecordedSubject(sector), b.handleRecorded)
	if err != nil {
		return fmt.Errorf("failed to subscribe: %w", err)
	}
	b.subs[sector] = sub
	slog.Info("subscribed to recorded state", "subject", RecordedSubject(sector))
	return nil
}

// Close drops all subscriptions. The connection belongs to the caller.
func (b *NATSBridge) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for sector, sub := range b.subs {
		if err := sub.Unsubscribe(); err != nil {
			slog.Warn("unsubscribe failed", "sector", sector, "error", err)
		}
		delete(b.subs, sector)
	}
}

func (b *NATSBridge) handleRecorded(msg *nats.Msg) {
	if err := b.apply(msg.Data); err != nil {
		slog.Warn("recorded message rejected", "subject", msg.Subject, "error", err)
	}
}

// apply decodes a sector message and substitutes it into the simulation.
func (b *NATSBridge) apply(data []byte) error {
	var m SectorMessage
	if err := json.Unmarshal(data, &m); err != nil {
		return fmt.Errorf("decode: %w", err)
	}
	if m.Source != "" && m.Source == b.Source {
		return nil
	}
	if len(m.States) == 0 {
		return fmt.Errorf("message %s carries no states", m.ID)
	}
	if err := b.Sim.SetRecorded(m.Sector, RecordedFromStates(m.Year, m.States)); err != nil {
		return err
	}
	slog.Info("recorded state applied", "sector", m.Sector, "year", m.Year, "source", m.Source)
	return nil
}
