// Package persistence provides SQLite-based storage of simulation runs.
package persistence

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"github.com/talgya/infra-world/internal/engine"
	"github.com/talgya/infra-world/internal/infra"
)

// ErrUnknownRun is returned for a run ID that was never created.
var ErrUnknownRun = errors.New("unknown run")

// DB wraps a SQLite connection for run persistence.
type DB struct {
	conn *sqlx.DB
}

// Run is one simulation run's metadata.
type Run struct {
	ID         string         `db:"id" json:"id"`
	Scenario   string         `db:"scenario" json:"scenario"`
	StartYear  int            `db:"start_year" json:"start_year"`
	EndYear    int            `db:"end_year" json:"end_year"`
	Mode       string         `db:"mode" json:"mode"`
	StartedAt  time.Time      `db:"started_at" json:"started_at"`
	FinishedAt sql.NullTime   `db:"finished_at" json:"-"`
	LastYear   sql.NullInt64  `db:"last_year" json:"-"`
	Note       sql.NullString `db:"note" json:"-"`
}

// SectorRow is one committed year of one sector in one society.
type SectorRow struct {
	RunID           string          `db:"run_id"`
	Year            int             `db:"year"`
	Society         string          `db:"society"`
	Sector          string          `db:"sector"`
	Recorded        bool            `db:"recorded"`
	Demand          float64         `db:"demand"`
	Production      float64         `db:"production"`
	Consumption     float64         `db:"consumption"`
	Import          float64         `db:"import"`
	Export          float64         `db:"export"`
	DistributionIn  float64         `db:"distribution_in"`
	DistributionOut float64         `db:"distribution_out"`
	Waste           float64         `db:"waste"`
	Shortfall       float64         `db:"shortfall"`
	CashFlow        float64         `db:"cash_flow"`
	Cumulative      float64         `db:"cumulative_cash_flow"`
	UnitPrice       float64         `db:"unit_price"`
	ReservoirVolume sql.NullFloat64 `db:"reservoir_volume"`
	AquiferVolume   sql.NullFloat64 `db:"aquifer_volume"`
	LedgerJSON      string          `db:"ledger_json"`
}

// Quantities returns the row's physical aggregates.
func (r SectorRow) Quantities() infra.Quantities {
	return infra.Quantities{
		Demand:          r.Demand,
		Production:      r.Production,
		Consumption:     r.Consumption,
		Import:          r.Import,
		Export:          r.Export,
		DistributionIn:  r.DistributionIn,
		DistributionOut: r.DistributionOut,
		Waste:           r.Waste,
		Shortfall:       r.Shortfall,
	}
}

// Open opens or creates a SQLite database at the given path.
func Open(path string) (*DB, error) {
	conn, err := sqlx.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}

	db := &DB{conn: conn}
	if err := db.migrate(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return db, nil
}

// Close closes the database connection.
func (db *DB) Close() error {
	return db.conn.Close()
}

func (db *DB) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS runs (
		id TEXT PRIMARY KEY,
		scenario TEXT NOT NULL,
		start_year INTEGER NOT NULL,
		end_year INTEGER NOT NULL,
		mode TEXT NOT NULL,
		started_at TIMESTAMP NOT NULL,
		finished_at TIMESTAMP,
		last_year INTEGER,
		note TEXT
	);

	CREATE TABLE IF NOT EXISTS sector_years (
		run_id TEXT NOT NULL REFERENCES runs(id),
		year INTEGER NOT NULL,
		society TEXT NOT NULL,
		sector TEXT NOT NULL,
		recorded INTEGER NOT NULL,
		demand REAL NOT NULL,
		production REAL NOT NULL,
		consumption REAL NOT NULL,
		import REAL NOT NULL,
		export REAL NOT NULL,
		distribution_in REAL NOT NULL,
		distribution_out REAL NOT NULL,
		waste REAL NOT NULL,
		shortfall REAL NOT NULL,
		cash_flow REAL NOT NULL,
		cumulative_cash_flow REAL NOT NULL,
		unit_price REAL NOT NULL,
		reservoir_volume REAL,
		aquifer_volume REAL,
		ledger_json TEXT NOT NULL,
		PRIMARY KEY (run_id, year, society, sector)
	);

	CREATE TABLE IF NOT EXISTS notices (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		run_id TEXT NOT NULL REFERENCES runs(id),
		year INTEGER NOT NULL,
		kind TEXT NOT NULL,
		society TEXT NOT NULL,
		sector TEXT NOT NULL,
		amount REAL NOT NULL,
		message TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS meta (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_sector_years_sector ON sector_years(run_id, sector, year);
	CREATE INDEX IF NOT EXISTS idx_notices_run ON notices(run_id, year);
	`
	_, err := db.conn.Exec(schema)
	return err
}

// CreateRun registers a new run and returns its ID.
func (db *DB) CreateRun(scenario string, clock engine.Clock, mode string) (string, error) {
	id := uuid.NewString()
	_, err := db.conn.Exec(
		"INSERT INTO runs (id, scenario, start_year, end_year, mode, started_at) VALUES (?, ?, ?, ?, ?, ?)",
		id, scenario, clock.Start, clock.End, mode, time.Now().UTC(),
	)
	if err != nil {
		return "", fmt.Errorf("create run: %w", err)
	}
	return id, nil
}

// FinishRun stamps a run as finished with the last committed year.
func (db *DB) FinishRun(runID string, lastYear int, note string) error {
	res, err := db.conn.Exec(
		"UPDATE runs SET finished_at = ?, last_year = ?, note = ? WHERE id = ?",
		time.Now().UTC(), lastYear, note, runID,
	)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrUnknownRun, runID)
	}
	return nil
}

// GetRun returns a run's metadata.
func (db *DB) GetRun(runID string) (Run, error) {
	var r Run
	err := db.conn.Get(&r, "SELECT * FROM runs WHERE id = ?", runID)
	if errors.Is(err, sql.ErrNoRows) {
		return r, fmt.Errorf("%w: %s", ErrUnknownRun, runID)
	}
	return r, err
}

// Runs lists all runs, newest first.
func (db *DB) Runs() ([]Run, error) {
	var runs []Run
	err := db.conn.Select(&runs, "SELECT * FROM runs ORDER BY started_at DESC")
	return runs, err
}

// SaveSnapshot writes one committed year: every sector row and the notices
// the tick raised.
func (db *DB) SaveSnapshot(runID string, snap engine.Snapshot) error {
	tx, err := db.conn.Beginx()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareNamed(`INSERT OR REPLACE INTO sector_years
		(run_id, year, society, sector, recorded, demand, production, consumption,
		 import, export, distribution_in, distribution_out, waste, shortfall,
		 cash_flow, cumulative_cash_flow, unit_price, reservoir_volume, aquifer_volume, ledger_json)
		VALUES (:run_id, :year, :society, :sector, :recorded, :demand, :production, :consumption,
		 :import, :export, :distribution_in, :distribution_out, :waste, :shortfall,
		 :cash_flow, :cumulative_cash_flow, :unit_price, :reservoir_volume, :aquifer_volume, :ledger_json)`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, st := range snap.Sectors {
		row, err := sectorRow(runID, snap.Year, st)
		if err != nil {
			return err
		}
		if _, err := stmt.Exec(row); err != nil {
			return fmt.Errorf("insert %s/%s %d: %w", st.Society, st.Sector, snap.Year, err)
		}
	}

	for _, n := range snap.Notices {
		if err := insertNotice(tx, runID, n); err != nil {
			return err
		}
	}

	return tx.Commit()
}

func sectorRow(runID string, year int, st engine.SectorState) (SectorRow, error) {
	ledgerJSON, err := json.Marshal(st.Ledger)
	if err != nil {
		return SectorRow{}, fmt.Errorf("marshal ledger: %w", err)
	}
	q := st.Quantities
	row := SectorRow{
		RunID:           runID,
		Year:            year,
		Society:         st.Society,
		Sector:          st.Sector.String(),
		Recorded:        st.Recorded,
		Demand:          q.Demand,
		Production:      q.Production,
		Consumption:     q.Consumption,
		Import:          q.Import,
		Export:          q.Export,
		DistributionIn:  q.DistributionIn,
		DistributionOut: q.DistributionOut,
		Waste:           q.Waste,
		Shortfall:       q.Shortfall,
		CashFlow:        st.CashFlow,
		Cumulative:      st.Cumulative,
		UnitPrice:       st.UnitPrice,
		LedgerJSON:      string(ledgerJSON),
	}
	if st.Reservoir != nil {
		row.ReservoirVolume = sql.NullFloat64{Float64: st.Reservoir.Volume, Valid: true}
	}
	if st.Aquifer != nil {
		row.AquiferVolume = sql.NullFloat64{Float64: st.Aquifer.Volume, Valid: true}
	}
	return row, nil
}

func insertNotice(tx *sqlx.Tx, runID string, n engine.Notice) error {
	_, err := tx.Exec(
		"INSERT INTO notices (run_id, year, kind, society, sector, amount, message) VALUES (?, ?, ?, ?, ?, ?, ?)",
		runID, n.Year, string(n.Kind), n.Society, n.Sector, n.Amount, n.Message,
	)
	return err
}

// SaveNotices appends notices raised outside a tick, such as rejected edits
// or an aborted year.
func (db *DB) SaveNotices(runID string, notices []engine.Notice) error {
	if len(notices) == 0 {
		return nil
	}

	tx, err := db.conn.Beginx()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, n := range notices {
		if err := insertNotice(tx, runID, n); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// SectorHistory returns a sector's rows for a run ordered by year and society.
func (db *DB) SectorHistory(runID string, sector infra.Sector) ([]SectorRow, error) {
	var rows []SectorRow
	err := db.conn.Select(&rows,
		"SELECT * FROM sector_years WHERE run_id = ? AND sector = ? ORDER BY year, society",
		runID, sector.String(),
	)
	return rows, err
}

// LoadRecorded returns a sector's history as recorded state, keyed by year
// then society, ready to substitute into another run.
func (db *DB) LoadRecorded(runID string, sector infra.Sector) (map[int]map[string]infra.RecordedState, error) {
	if _, err := db.GetRun(runID); err != nil {
		return nil, err
	}
	rows, err := db.SectorHistory(runID, sector)
	if err != nil {
		return nil, fmt.Errorf("load %s history: %w", sector, err)
	}

	out := make(map[int]map[string]infra.RecordedState)
	for _, r := range rows {
		var ledger infra.Ledger
		if err := json.Unmarshal([]byte(r.LedgerJSON), &ledger); err != nil {
			return nil, fmt.Errorf("ledger %s/%s %d: %w", r.Society, r.Sector, r.Year, err)
		}
		st := infra.RecordedState{
			Year:       r.Year,
			Quantities: r.Quantities(),
			Ledger:     ledger,
			UnitPrice:  r.UnitPrice,
		}
		if r.ReservoirVolume.Valid {
			v := r.ReservoirVolume.Float64
			st.ReservoirVolume = &v
		}
		if r.AquiferVolume.Valid {
			v := r.AquiferVolume.Float64
			st.AquiferVolume = &v
		}
		if out[r.Year] == nil {
			out[r.Year] = make(map[string]infra.RecordedState)
		}
		out[r.Year][r.Society] = st
	}
	return out, nil
}

type noticeRow struct {
	Year    int     `db:"year"`
	Kind    string  `db:"kind"`
	Society string  `db:"society"`
	Sector  string  `db:"sector"`
	Amount  float64 `db:"amount"`
	Message string  `db:"message"`
}

// RecentNotices returns the most recent N notices of a run, newest first.
func (db *DB) RecentNotices(runID string, limit int) ([]engine.Notice, error) {
	var rows []noticeRow
	err := db.conn.Select(&rows,
		"SELECT year, kind, society, sector, amount, message FROM notices WHERE run_id = ? ORDER BY id DESC LIMIT ?",
		runID, limit,
	)
	if err != nil {
		return nil, err
	}
	out := make([]engine.Notice, len(rows))
	for i, r := range rows {
		out[i] = engine.Notice{
			Kind: engine.NoticeKind(r.Kind), Year: r.Year, Society: r.Society,
			Sector: r.Sector, Amount: r.Amount, Message: r.Message,
		}
	}
	return out, nil
}

// SaveMeta stores a key-value pair.
func (db *DB) SaveMeta(key, value string) error {
	_, err := db.conn.Exec(
		"INSERT OR REPLACE INTO meta (key, value) VALUES (?, ?)",
		key, value,
	)
	return err
}

// GetMeta retrieves a metadata value.
func (db *DB) GetMeta(key string) (string, error) {
	var value string
	err := db.conn.Get(&value, "SELECT value FROM meta WHERE key = ?", key)
	return value, err
}

// Recorder returns a commit hook that persists every committed year of runID.
// Failures are logged; the simulation itself has already committed.
func (db *DB) Recorder(runID string) func(engine.Snapshot) {
	return func(snap engine.Snapshot) {
		if err := db.SaveSnapshot(runID, snap); err != nil {
			slog.Error("failed to persist year", "run", runID, "year", snap.Year, "error", err)
			return
		}
		if err := db.SaveMeta("last_year", fmt.Sprintf("%d", snap.Year)); err != nil {
			slog.Error("failed to save meta", "error", err)
		}
	}
}
