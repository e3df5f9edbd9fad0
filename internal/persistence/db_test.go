package persistence

import (
	"path/filepath"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/talgya/infra-world/internal/engine"
	"github.com/talgya/infra-world/internal/infra"
)

func openTest(t *testing.T) *DB {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func snapshot(year int) engine.Snapshot {
	volume := 40.0
	return engine.Snapshot{
		Year: year,
		Sectors: []engine.SectorState{
			{
				Society: "A", Sector: infra.SectorWater,
				Quantities: infra.Quantities{Demand: 80, Production: 100, Consumption: 80, DistributionOut: 20},
				Ledger:     infra.Ledger{SalesRevenue: decimal.NewFromInt(160), OperationsExpense: decimal.NewFromInt(100)},
				CashFlow:   60, Cumulative: 60 * float64(year-1999), UnitPrice: 1,
				Reservoir: &infra.Store{Volume: volume, MaxVolume: 100},
			},
			{
				Society: "B", Sector: infra.SectorWater,
				Quantities: infra.Quantities{Demand: 120, Production: 100, DistributionIn: 18, Consumption: 118, Shortfall: 2},
				UnitPrice:  1,
			},
			{Society: "A", Sector: infra.SectorElectricity, UnitPrice: 0.3},
		},
		Notices: []engine.Notice{
			{Kind: engine.NoticeDemandUnmet, Year: year, Society: "B", Sector: "water", Amount: 2, Message: "demand unmet"},
		},
	}
}

func TestRunLifecycle(t *testing.T) {
	db := openTest(t)

	id, err := db.CreateRun("two-cities", engine.NewClock(2000, 2002), "production_distribution")
	require.NoError(t, err)
	assert.Len(t, id, 36)

	run, err := db.GetRun(id)
	require.NoError(t, err)
	assert.Equal(t, "two-cities", run.Scenario)
	assert.Equal(t, 2000, run.StartYear)
	assert.False(t, run.FinishedAt.Valid)

	require.NoError(t, db.FinishRun(id, 2002, "completed"))
	run, err = db.GetRun(id)
	require.NoError(t, err)
	assert.True(t, run.FinishedAt.Valid)
	assert.Equal(t, int64(2002), run.LastYear.Int64)

	runs, err := db.Runs()
	require.NoError(t, err)
	assert.Len(t, runs, 1)

	_, err = db.GetRun("missing")
	assert.ErrorIs(t, err, ErrUnknownRun)
	assert.ErrorIs(t, db.FinishRun("missing", 2000, ""), ErrUnknownRun)
}

func TestSaveSnapshotAndHistory(t *testing.T) {
	db := openTest(t)
	id, err := db.CreateRun("two-cities", engine.NewClock(2000, 2001), "production_distribution")
	require.NoError(t, err)

	require.NoError(t, db.SaveSnapshot(id, snapshot(2000)))
	require.NoError(t, db.SaveSnapshot(id, snapshot(2001)))

	rows, err := db.SectorHistory(id, infra.SectorWater)
	require.NoError(t, err)
	require.Len(t, rows, 4)
	assert.Equal(t, "A", rows[0].Society)
	assert.Equal(t, 2000, rows[0].Year)
	assert.Equal(t, 2001, rows[3].Year)
	assert.InDelta(t, 0, rows[1].Quantities().Imbalance(), 1e-9)
	assert.True(t, rows[0].ReservoirVolume.Valid)
	assert.False(t, rows[1].ReservoirVolume.Valid)

	notices, err := db.RecentNotices(id, 10)
	require.NoError(t, err)
	require.Len(t, notices, 2)
	assert.Equal(t, 2001, notices[0].Year)
	assert.Equal(t, engine.NoticeDemandUnmet, notices[0].Kind)
	assert.Equal(t, 2.0, notices[0].Amount)
}

func TestSnapshotIsIdempotentPerYear(t *testing.T) {
	db := openTest(t)
	id, err := db.CreateRun("two-cities", engine.NewClock(2000, 2000), "manual")
	require.NoError(t, err)

	require.NoError(t, db.SaveSnapshot(id, snapshot(2000)))
	require.NoError(t, db.SaveSnapshot(id, snapshot(2000)))
	rows, err := db.SectorHistory(id, infra.SectorWater)
	require.NoError(t, err)
	assert.Len(t, rows, 2)
}

func TestLoadRecorded(t *testing.T) {
	db := openTest(t)
	id, err := db.CreateRun("two-cities", engine.NewClock(2000, 2001), "production_distribution")
	require.NoError(t, err)
	require.NoError(t, db.SaveSnapshot(id, snapshot(2000)))
	require.NoError(t, db.SaveSnapshot(id, snapshot(2001)))

	history, err := db.LoadRecorded(id, infra.SectorWater)
	require.NoError(t, err)
	require.Len(t, history, 2)

	a := history[2001]["A"]
	assert.Equal(t, 2001, a.Year)
	assert.Equal(t, 100.0, a.Quantities.Production)
	assert.True(t, a.Ledger.CashFlow().Equal(decimal.NewFromInt(60)))
	require.NotNil(t, a.ReservoirVolume)
	assert.Equal(t, 40.0, *a.ReservoirVolume)
	assert.Nil(t, history[2001]["B"].ReservoirVolume)

	_, err = db.LoadRecorded("missing", infra.SectorWater)
	assert.ErrorIs(t, err, ErrUnknownRun)
}

func TestMeta(t *testing.T) {
	db := openTest(t)
	require.NoError(t, db.SaveMeta("last_year", "2000"))
	require.NoError(t, db.SaveMeta("last_year", "2001"))
	v, err := db.GetMeta("last_year")
	require.NoError(t, err)
	assert.Equal(t, "2001", v)

	_, err = db.GetMeta("missing")
	assert.Error(t, err)
}

func TestRecorderPersistsCommits(t *testing.T) {
	db := openTest(t)
	id, err := db.CreateRun("two-cities", engine.NewClock(2000, 2000), "manual")
	require.NoError(t, err)

	db.Recorder(id)(snapshot(2000))
	rows, err := db.SectorHistory(id, infra.SectorElectricity)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, 0.3, rows[0].UnitPrice)

	v, err := db.GetMeta("last_year")
	require.NoError(t, err)
	assert.Equal(t, "2000", v)
}
