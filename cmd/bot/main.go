package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"

	"github.com/stopbot/gostop/internal/controlplane/server"
	"github.com/stopbot/gostop/internal/marketstate"
	"github.com/stopbot/gostop/internal/metrics"
	"github.com/stopbot/gostop/internal/ports"
	"github.com/stopbot/gostop/internal/protection"
	"github.com/stopbot/gostop/internal/risk"
	"github.com/stopbot/gostop/internal/services"
	"github.com/stopbot/gostop/internal/venue/paper"
	"github.com/stopbot/gostop/internal/venue/rest"
	"github.com/stopbot/gostop/pkg/config"
	"github.com/stopbot/gostop/pkg/logger"
	"github.com/stopbot/gostop/pkg/persistence"
	"github.com/stopbot/gostop/pkg/shutdown"
	"github.com/stopbot/gostop/pkg/statestore"
)

// observableVenue is the adapter surface beyond the trading ports that
// the wiring here needs.
type observableVenue interface {
	ports.Venue
	OnOrderUpdate(handler ports.OrderUpdateHandler)
}

func main() {
	configPath := flag.String("config", "yml/gostop.yaml", "configuration file (.yaml or .json)")
	envFile := flag.String("env", ".env", "dotenv file with venue credentials")
	flag.Parse()

	if err := godotenv.Load(*envFile); err != nil && !os.IsNotExist(err) {
		fmt.Fprintf(os.Stderr, "load %s: %v\n", *envFile, err)
		os.Exit(1)
	}

	cfg, err := config.LoadFromFile(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	if err := logger.Init(logger.Config{
		Level:      cfg.Log.Level,
		OutputFile: cfg.Log.File,
		LogByDay:   cfg.Log.LogByDay,
	}); err != nil {
		fmt.Fprintf(os.Stderr, "init logger: %v\n", err)
		os.Exit(1)
	}
	logger.StartRotationChecker()

	if err := run(cfg); err != nil {
		logrus.WithError(err).Fatal("gostop exited with error")
	}
}

func run(cfg *config.Config) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// One process per journal directory.
	lock, err := acquireLock(filepath.Join(cfg.Journal.Dir, "..", "gostop.lock"))
	if err != nil {
		return err
	}
	defer lock.Release()

	sd := shutdown.NewManager()

	store, err := statestore.Open(statestore.OpenOptions{Path: cfg.Journal.Dir})
	if err != nil {
		return err
	}
	sd.OnShutdown(func(context.Context) {
		if err := store.Close(); err != nil {
			logrus.WithError(err).Warn("close journal store")
		}
	})

	history, err := server.OpenHistory(cfg.ControlPlane.HistoryDB)
	if err != nil {
		return err
	}
	sd.OnShutdown(func(context.Context) {
		if err := history.Close(); err != nil {
			logrus.WithError(err).Warn("close history db")
		}
	})

	snapDir := filepath.Dir(cfg.Journal.SnapshotFile)
	snapName := strings.TrimSuffix(filepath.Base(cfg.Journal.SnapshotFile), ".json")
	snapStore := persistence.NewJSONFileService(snapDir).NewStore(snapName, "engine", "snapshot")
	journal := services.NewJournal(store, snapStore)

	venue, err := buildVenue(ctx, cfg, sd)
	if err != nil {
		return err
	}

	engine := protection.NewEngine(
		venue,
		protection.NewDefaultClassifier(),
		protection.Config{
			EntryTolerance:   cfg.Engine.EntryTolerance,
			StopTolerance:    cfg.Engine.StopTolerance,
			SyntheticTimeout: cfg.Engine.SyntheticTimeout,
			ReverseOnStop:    cfg.Engine.ReverseOnStop,
		},
		services.TeeRecorder{journal, history},
	)

	board := marketstate.NewQuoteBoard()
	breaker := risk.NewCircuitBreaker(risk.CircuitBreakerConfig{MaxConsecutiveErrors: 5})
	runner := services.NewEngineRunner(engine, board, breaker, cfg.Engine.TickInterval)

	venue.OnOrderUpdate(runner)
	if rv, ok := venue.(*rest.Venue); ok {
		rv.OnQuote(runner)
	}

	// Paper mode has no market data stream; quotes arrive through the
	// control-plane injection endpoint and are mirrored onto the board.
	var quoteSink server.QuoteSink
	if pv, ok := venue.(*paper.Venue); ok {
		quoteSink = &services.PaperQuoteFeed{Venue: pv, Runner: runner}
	}

	runner.Start(ctx)
	sd.OnShutdown(func(context.Context) {
		runner.Stop()
	})

	journal.StartSnapshots(ctx, cfg.Journal.SnapshotInterval, runner.Sessions)

	if _, err := metrics.StartAsync(ctx, cfg.Metrics.Listen); err != nil {
		return err
	}

	cp := server.New(runner, history)
	if quoteSink != nil {
		cp.SetQuoteSink(quoteSink)
	}
	cpErrC := make(chan error, 1)
	go func() {
		cpErrC <- cp.Start(ctx, cfg.ControlPlane.Listen)
	}()

	logrus.WithFields(logrus.Fields{
		"venue":   cfg.Venue.Kind,
		"control": cfg.ControlPlane.Listen,
		"metrics": cfg.Metrics.Listen,
	}).Info("gostop started")

	sigC := make(chan os.Signal, 1)
	signal.Notify(sigC, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-sigC:
		logrus.WithField("signal", sig.String()).Info("shutting down")
	case err := <-cpErrC:
		if err != nil {
			logrus.WithError(err).Error("control plane failed, shutting down")
		}
	}

	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	sd.Shutdown(shutdownCtx)
	return nil
}

func buildVenue(ctx context.Context, cfg *config.Config, sd *shutdown.Manager) (observableVenue, error) {
	switch cfg.Venue.Kind {
	case config.VenuePaper:
		logrus.Warn("paper venue selected: orders are simulated in-process")
		v := paper.New(paper.Config{})
		sd.OnShutdown(func(context.Context) {
			v.Close()
		})
		return v, nil

	case config.VenueRest:
		v := rest.New(rest.Config{
			BaseURL:         cfg.Venue.Rest.BaseURL,
			WSURL:           cfg.Venue.Rest.WSURL,
			APIToken:        cfg.APIToken(),
			RateLimitPerSec: cfg.Venue.Rest.RateLimitPerSec,
		})
		if err := v.Connect(ctx); err != nil {
			return nil, err
		}
		sd.OnShutdown(func(context.Context) {
			v.Close()
		})
		return v, nil

	default:
		return nil, fmt.Errorf("unknown venue kind %q", cfg.Venue.Kind)
	}
}
