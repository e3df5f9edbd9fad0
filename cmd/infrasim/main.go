// Command infrasim runs an infrastructure scenario year by year, persists
// every committed year and optionally serves the HTTP API.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/talgya/infra-world/internal/api"
	"github.com/talgya/infra-world/internal/config"
	"github.com/talgya/infra-world/internal/engine"
	"github.com/talgya/infra-world/internal/federation"
	"github.com/talgya/infra-world/internal/infra"
	"github.com/talgya/infra-world/internal/persistence"
	"github.com/talgya/infra-world/internal/scenario"
)

func main() {
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	configPath := flag.String("config", "infrasim.yaml", "driver configuration file")
	scenarioPath := flag.String("scenario", "scenarios/arcadia.yaml", "scenario file")
	startYear := flag.Int("start", 0, "first simulated year (default: scenario start year)")
	endYear := flag.Int("end", 0, "last simulated year (default: config end year)")
	interval := flag.Duration("interval", 0, "wall time per simulated year")
	serve := flag.Bool("serve", false, "serve the HTTP API and keep running after the last year")
	replayRun := flag.String("replay-run", "", "persisted run to replay as recorded state")
	replaySector := flag.String("replay-sector", "", "sector to replay from -replay-run")
	natsRecorded := flag.String("nats-recorded", "", "comma-separated sectors to accept as recorded state over NATS")
	flag.Parse()

	if err := run(*configPath, *scenarioPath, options{
		start:        *startYear,
		end:          *endYear,
		interval:     *interval,
		serve:        *serve,
		replayRun:    *replayRun,
		replaySector: *replaySector,
		natsRecorded: *natsRecorded,
	}); err != nil {
		slog.Error("infrasim failed", "error", err)
		os.Exit(1)
	}
}

type options struct {
	start, end   int
	interval     time.Duration
	serve        bool
	replayRun    string
	replaySector string
	natsRecorded string
}

func run(configPath, scenarioPath string, opt options) error {
	// ── Configuration ────────────────────────────────────────────────
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	cfg.ApplyEnv()

	sc, err := scenario.Load(scenarioPath)
	if err != nil {
		return err
	}
	if sc.StartYear != 0 {
		cfg.StartYear = sc.StartYear
	}
	if opt.start != 0 {
		cfg.StartYear = opt.start
	}
	if opt.end != 0 {
		cfg.EndYear = opt.end
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	slog.Info("scenario loaded",
		"name", sc.Name,
		"societies", len(sc.Graph.Societies()),
		"cities", len(sc.Graph.Cities()),
		"start_year", cfg.StartYear,
		"end_year", cfg.EndYear,
	)

	// ── Database ─────────────────────────────────────────────────────
	if dir := filepath.Dir(cfg.DBPath); dir != "." {
		os.MkdirAll(dir, 0755)
	}
	db, err := persistence.Open(cfg.DBPath)
	if err != nil {
		return err
	}
	defer db.Close()
	slog.Info("database opened", "path", cfg.DBPath)

	// ── Simulation ───────────────────────────────────────────────────
	sim, err := engine.NewSimulation(sc.Graph, cfg)
	if err != nil {
		return err
	}
	if err := sim.Initialize(cfg.StartYear, cfg.EndYear); err != nil {
		return err
	}

	runID, err := db.CreateRun(sc.Name, sim.Clock(), sim.Mode().String())
	if err != nil {
		return err
	}
	slog.Info("run created", "run", runID)

	hooks := []func(engine.Snapshot){db.Recorder(runID)}

	// ── Federation ───────────────────────────────────────────────────
	if cfg.NATSURL != "" {
		conn, err := federation.Connect(federation.NATSConfig{
			URL:            cfg.NATSURL,
			Name:           "infrasim-" + runID[:8],
			ReconnectWait:  2 * time.Second,
			MaxReconnects:  60,
			ConnectTimeout: 5 * time.Second,
		})
		if err != nil {
			return err
		}
		defer conn.Close()

		bridge := federation.NewNATSBridge(sim, runID, conn, conn)
		defer bridge.Close()
		hooks = append(hooks, bridge.Publish)
		for _, name := range splitList(opt.natsRecorded) {
			sector, err := infra.ParseSector(name)
			if err != nil {
				return err
			}
			if err := bridge.Subscribe(sector); err != nil {
				return err
			}
		}
		slog.Info("NATS bridge enabled", "url", cfg.NATSURL)
	}

	sim.OnCommit = func(snap engine.Snapshot) {
		for _, h := range hooks {
			h(snap)
		}
	}

	// ── Replay ───────────────────────────────────────────────────────
	var replay func(year int)
	if opt.replayRun != "" {
		sector, err := infra.ParseSector(opt.replaySector)
		if err != nil {
			return fmt.Errorf("replay sector: %w", err)
		}
		history, err := db.LoadRecorded(opt.replayRun, sector)
		if err != nil {
			return err
		}
		replay = func(year int) {
			states, ok := history[year]
			if !ok {
				return
			}
			if err := sim.SetRecorded(sector, states); err != nil {
				slog.Error("replay substitution failed", "year", year, "error", err)
			}
		}
		replay(cfg.StartYear)
		slog.Info("replaying recorded sector", "run", opt.replayRun, "sector", sector, "years", len(history))
	}

	// ── Runner ───────────────────────────────────────────────────────
	runner := engine.NewRunner(sim)
	runner.Interval = opt.interval
	runner.OnYear = func(snap engine.Snapshot) {
		if replay != nil {
			replay(snap.Year + 1)
		}
	}
	runner.OnDecade = func(snap engine.Snapshot) { printSummary(snap, sc.Graph.Root().Name) }
	runner.OnError = func(year int, err error) {
		notices := sim.Notices()
		if len(notices) > 0 && notices[len(notices)-1].Year == year {
			if err := db.SaveNotices(runID, notices[len(notices)-1:]); err != nil {
				slog.Error("failed to persist notice", "error", err)
			}
		}
	}

	// ── HTTP API ─────────────────────────────────────────────────────
	var apiServer *api.Server
	if opt.serve {
		if cfg.AdminKey == "" {
			slog.Warn("INFRASIM_ADMIN_KEY not set; admin POST endpoints will be disabled")
		}
		apiServer = &api.Server{
			Sim:      sim,
			Runner:   runner,
			DB:       db,
			RunID:    runID,
			Port:     cfg.APIPort,
			AdminKey: cfg.AdminKey,
		}
		apiServer.Start()
		defer apiServer.Close()
		fmt.Printf("API: http://localhost:%d/api/v1/status\n", cfg.APIPort)
	}

	// ── Start ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	fmt.Printf("Simulating %s from %d to %d (run %s)\n", sc.Name, cfg.StartYear, cfg.EndYear, runID)
	started := time.Now()
	runErr := runner.Run(ctx)

	snap := sim.Snapshot()
	note := "completed"
	if !snap.Completed {
		note = "interrupted"
	}
	if err := db.FinishRun(runID, snap.Year, note); err != nil {
		slog.Error("failed to finish run", "error", err)
	}
	printSummary(snap, sc.Graph.Root().Name)
	fmt.Printf("%s in %s, %s notices.\n",
		strings.ToUpper(note[:1])+note[1:],
		time.Since(started).Round(time.Millisecond),
		humanize.Comma(int64(len(sim.Notices()))),
	)

	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		return runErr
	}
	if opt.serve && ctx.Err() == nil {
		fmt.Println("Run finished; API still serving. (Ctrl+C to stop)")
		<-ctx.Done()
	}
	return nil
}

// printSummary writes the root society's scores for the snapshot year.
func printSummary(snap engine.Snapshot, root string) {
	for _, sc := range snap.Scores {
		if sc.Society != root {
			continue
		}
		fmt.Printf("\n%d  %s\n", snap.Year, root)
		fmt.Printf("  cumulative cash flow  %s\n", humanize.CommafWithDigits(sc.CumulativeCashFlow, 2))
		fmt.Printf("  financial score       %.1f\n", sc.Financial)
		fmt.Printf("  welfare score         %.1f\n", sc.Welfare)
		for _, sector := range infra.AllSectors() {
			fmt.Printf("  %-12s security  %5.1f%%\n", sector, 100*sc.Security[sector])
		}
		if sc.Reservoir != nil {
			fmt.Printf("  reservoir security    %5.1f%%\n", 100*(*sc.Reservoir))
		}
		if sc.Aquifer != nil {
			fmt.Printf("  aquifer security      %5.1f%%\n", 100*(*sc.Aquifer))
		}
	}
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
