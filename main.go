package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"

	"github.com/qlab-data/fidelity.report/internal/api"
	"github.com/qlab-data/fidelity.report/internal/backend"
	"github.com/qlab-data/fidelity.report/internal/backend/ionq"
	"github.com/qlab-data/fidelity.report/internal/backend/pasqal"
	"github.com/qlab-data/fidelity.report/internal/config"
	"github.com/qlab-data/fidelity.report/internal/db"
	"github.com/qlab-data/fidelity.report/internal/fit"
	"github.com/qlab-data/fidelity.report/internal/fsutil"
	"github.com/qlab-data/fidelity.report/internal/report"
	"github.com/qlab-data/fidelity.report/internal/sim"
	"github.com/qlab-data/fidelity.report/internal/sweep"
	"github.com/qlab-data/fidelity.report/internal/version"
)

var (
	devMode       = flag.Bool("dev", false, "Run against the local statevector simulator regardless of config")
	listen        = flag.String("listen", ":8080", "Listen address")
	dbPath        = flag.String("db", "", "Path to the sqlite database (overrides config)")
	configPath    = flag.String("config", "", "Path to an analysis config JSON file")
	backendName   = flag.String("backend", "", "Backend: local, ionq or pasqal (overrides config)")
	target        = flag.String("target", "", "Vendor device or target name (overrides config)")
	outputDir     = flag.String("output", "", "Directory for charts and reports (overrides config)")
	schedule      = flag.String("schedule", "", "Cron spec for recurring pairs sweeps, e.g. \"0 * * * *\"")
	migrationsDir = flag.String("migrations", "migrations", "Path to the migrations directory")
	showVersion   = flag.Bool("version", false, "Print version information and exit")
)

func main() {
	flag.Parse()

	if *showVersion {
		fmt.Printf("fidelity.report %s (%s, built %s)\n", version.Version, version.GitSHA, version.BuildTime)
		return
	}

	// Credentials for hosted backends come from the environment; a local
	// .env file is a convenience, not a requirement.
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.Printf("warning: could not load .env: %v", err)
	}

	cfgPath := *configPath
	if cfgPath == "" {
		if _, err := os.Stat(config.DefaultConfigPath); err == nil {
			cfgPath = config.DefaultConfigPath
		}
	}
	cfg := config.EmptyAnalysisConfig()
	if cfgPath != "" {
		loaded, err := config.LoadAnalysisConfig(cfgPath)
		if err != nil {
			log.Fatalf("failed to load config: %v", err)
		}
		cfg = loaded
	}

	path := cfg.GetDatabaseURL()
	if *dbPath != "" {
		path = *dbPath
	}
	database, err := db.NewDB(path)
	if err != nil {
		log.Fatalf("failed to open database: %v", err)
	}
	defer database.Close()

	// Subcommand handling: "migrate up|down|status|force N".
	if args := flag.Args(); len(args) > 0 {
		if args[0] != "migrate" {
			log.Fatalf("unknown command %q", args[0])
		}
		if err := runMigrateCommand(database, args[1:]); err != nil {
			log.Fatal(err)
		}
		return
	}

	be, err := buildBackend(cfg)
	if err != nil {
		log.Fatalf("failed to build backend: %v", err)
	}
	log.Printf("using backend %s", be.Name())

	opts := fit.Options{
		SharpWidthFraction:  cfg.GetSharpWidthFraction(),
		DominantGapFraction: cfg.GetDominantGapFraction(),
		AICTieMargin:        cfg.GetAICTieMargin(),
		MaxIterations:       cfg.GetMaxIterations(),
		Tolerance:           cfg.GetTolerance(),
	}
	runner := sweep.NewRunner(be, database, opts)
	runner.SetNoiseProb(cfg.GetNoiseProb())

	out := cfg.GetOutputDir()
	if *outputDir != "" {
		out = *outputDir
	}
	reporter := report.NewReporter(fsutil.OSFileSystem{}, out)

	var wg sync.WaitGroup
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Recurring sweeps: re-run the configured pairs scan on a cron spec.
	if *schedule != "" {
		c := cron.New()
		req := scheduledRequest(cfg)
		_, err := c.AddFunc(*schedule, func() {
			if err := runner.Start(ctx, req); err != nil {
				log.Printf("scheduled sweep not started: %v", err)
			}
		})
		if err != nil {
			log.Fatalf("invalid schedule %q: %v", *schedule, err)
		}
		c.Start()
		defer c.Stop()
		log.Printf("scheduled pairs sweep: %s", *schedule)
	}

	// HTTP server goroutine
	wg.Add(1)
	go func() {
		defer wg.Done()

		mux := api.NewServer(runner, database, reporter, be.Name()).ServeMux()

		server := &http.Server{
			Addr:    *listen,
			Handler: api.LoggingMiddleware(mux),
		}

		go func() {
			log.Printf("listening on %s", *listen)
			if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Fatalf("failed to start server: %v", err)
			}
		}()

		<-ctx.Done()
		log.Println("shutting down HTTP server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Printf("HTTP server shutdown error: %v", err)
		}
	}()

	wg.Wait()
	runner.Stop()
	log.Printf("graceful shutdown complete")
}

// buildBackend selects the execution backend from flags and config.
// -dev forces the local simulator.
func buildBackend(cfg *config.AnalysisConfig) (backend.Backend, error) {
	name := cfg.GetBackend()
	if *backendName != "" {
		name = *backendName
	}
	if *devMode {
		name = "local"
	}

	dev := cfg.GetTarget()
	if *target != "" {
		dev = *target
	}

	policy := backend.RetryPolicy{
		MaxAttempts:    cfg.GetMaxAttempts(),
		InitialBackoff: cfg.GetInitialBackoff(),
		MaxBackoff:     cfg.GetMaxBackoff(),
		PollInterval:   cfg.GetPollInterval(),
		Timeout:        cfg.GetJobTimeout(),
	}

	switch name {
	case "local":
		s := sim.New()
		s.DepolarizingProb = cfg.GetNoiseProb()
		return backend.NewLocal(s), nil
	case "ionq":
		if dev == "" {
			dev = ionq.TargetSimulator
		}
		return ionq.New(dev, policy)
	case "pasqal":
		if dev == "" {
			dev = pasqal.DeviceEmuTN
		}
		return pasqal.New(dev, policy)
	default:
		return nil, fmt.Errorf("unknown backend %q", name)
	}
}

// scheduledRequest builds the recurring sweep from config defaults: every
// pair count up to the configured maximum.
func scheduledRequest(cfg *config.AnalysisConfig) sweep.Request {
	pairs := make([]int, 0, cfg.GetMaxPairs())
	for n := 1; n <= cfg.GetMaxPairs(); n++ {
		pairs = append(pairs, n)
	}
	return sweep.Request{
		Variable:    sweep.VariablePairs,
		PairsValues: pairs,
		Shots:       cfg.GetShots(),
		Repeats:     cfg.GetRepeats(),
		Coupling:    cfg.GetCoupling(),
		Label:       "scheduled pairs sweep",
	}
}

func runMigrateCommand(database *db.DB, args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("usage: migrate up|down|status|force <version>")
	}
	switch args[0] {
	case "up":
		return database.MigrateUp(*migrationsDir)
	case "down":
		return database.MigrateDown(*migrationsDir)
	case "status":
		version, dirty, err := database.MigrateVersion(*migrationsDir)
		if err != nil {
			return err
		}
		log.Printf("schema version %d (dirty=%v)", version, dirty)
		return nil
	case "force":
		if len(args) < 2 {
			return fmt.Errorf("usage: migrate force <version>")
		}
		var version int
		if _, err := fmt.Sscanf(args[1], "%d", &version); err != nil {
			return fmt.Errorf("invalid version %q", args[1])
		}
		return database.MigrateForce(*migrationsDir, version)
	default:
		return fmt.Errorf("unknown migrate command %q", args[0])
	}
}
