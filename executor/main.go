package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/brensch/gozero/config"
	"github.com/brensch/gozero/executor/predictor"
	"github.com/brensch/gozero/executor/selfplay"
	"github.com/brensch/gozero/logging"
	"github.com/brensch/gozero/store"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/rs/zerolog/log"
)

func main() {
	configPath := flag.String("config", "", "Self-play config file (yaml/toml/json); empty uses defaults and GOZERO_* env")
	maxGames := flag.Int64("max-games", 0, "If > 0, stop after generating this many games (across all workers)")
	useTUI := flag.Bool("tui", false, "Show a live status screen instead of periodic stats logs")
	trace := flag.Bool("trace", false, "Print every move of worker 0's games")
	logFormat := flag.String("log-format", logging.FormatConsole, "console, json or pretty")
	statsEvery := flag.Duration("stats-every", 10*time.Second, "Interval between stats log lines")
	flag.Parse()

	src, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	cfg := src.Snapshot()
	logging.MustSetup(cfg.LogLevel, *logFormat)
	if *useTUI {
		// Keep logs from tearing the status screen.
		f, err := os.OpenFile("selfplay.log", os.O_RDWR|os.O_CREATE|os.O_APPEND, 0o644)
		if err != nil {
			log.Fatal().Err(err).Msg("open log file")
		}
		defer f.Close()
		if err := logging.Setup(f, cfg.LogLevel, logging.FormatJSON); err != nil {
			log.Fatal().Err(err).Msg("configure logging")
		}
	}
	if *configPath != "" {
		src.Watch()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	stack, err := predictor.Build(ctx, cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("build evaluation stack")
	}
	defer stack.Close()

	sink, err := openSinks(ctx, cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("open game sinks")
	}

	counters := &selfplay.Counters{}
	updates := make(chan gameUpdate, cfg.ParallelGames)
	runCfg := selfplay.RunConfig{
		Options:   selfplay.FromSource(src),
		Predictor: stack.Predictor(),
		Sink:      sink,
		Workers:   cfg.ParallelGames,
		MaxGames:  *maxGames,
		AbortFile: cfg.AbortFile,
		ModelName: stack.Name,
		Counters:  counters,

		FailureBackoff:         cfg.FailureBackoff,
		MaxConsecutiveFailures: cfg.MaxConsecutiveFailures,

		OnGame: func(workerID int, rec *store.GameRecord) {
			select {
			case updates <- gameUpdate{workerID: workerID, result: rec.ResultString(), moves: len(rec.Moves)}:
			default:
			}
		},
	}
	if *trace && !*useTUI {
		runCfg.Trace = os.Stdout
	}

	log.Info().
		Int("workers", cfg.ParallelGames).
		Int("readouts", cfg.Readouts).
		Str("model", stack.Name()).
		Str("out_dir", cfg.OutputDir).
		Msg("starting self-play")

	runCtx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()
	done := make(chan error, 1)
	go func() { done <- selfplay.Run(runCtx, runCfg) }()

	if *useTUI {
		p := tea.NewProgram(newStatusModel(counters, stack, updates, done), tea.WithAltScreen())
		if _, err := p.Run(); err != nil {
			log.Error().Err(err).Msg("status screen failed")
		}
		cancelRun()
	} else {
		logStats(ctx, counters, stack, *statsEvery, done)
	}

	runErr := <-done
	if err := sink.Close(); err != nil {
		log.Error().Err(err).Msg("close sinks")
	}
	if runErr != nil {
		log.Fatal().Err(runErr).Msg("self-play stopped")
	}
	log.Info().Int64("games", counters.Games.Load()).Msg("shutdown complete")
}

func openSinks(ctx context.Context, cfg *config.Config) (store.Sink, error) {
	pq, err := store.NewParquetSink(filepath.Clean(cfg.OutputDir), cfg.GamesPerFile)
	if err != nil {
		return nil, err
	}
	sinks := store.MultiSink{pq}
	if cfg.MongoURI != "" {
		m, err := store.NewMongoSink(ctx, cfg.MongoURI, cfg.MongoDatabase)
		if err != nil {
			_ = pq.Close()
			return nil, err
		}
		sinks = append(sinks, m)
	}
	return sinks, nil
}

// logStats logs throughput until the run finishes. The run's result is put
// back on done for the caller.
func logStats(ctx context.Context, c *selfplay.Counters, stack *predictor.Stack, every time.Duration, done chan error) {
	start := time.Now()
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("shutdown requested; waiting for workers to finish current moves")
			return
		case err := <-done:
			done <- err
			return
		case <-ticker.C:
			secs := time.Since(start).Seconds()
			st := stack.Stats()
			ev := log.Info().
				Int64("games", c.Games.Load()).
				Int64("failed", c.Failures.Load()).
				Float64("moves_per_sec", float64(c.Moves.Load())/secs).
				Float64("readouts_per_sec", float64(c.Readouts.Load())/secs).
				Float64("batch_avg", st.AvgBatchSize).
				Int64("batch_last", st.LastBatchSize).
				Int("queue", st.QueueLen).
				Float64("run_avg_ms", st.AvgRunMs).
				Str("model", stack.Name())
			if cs, ok := stack.CacheStats(); ok {
				ev = ev.Int64("cache_hits", cs.Hits).Int64("cache_misses", cs.Misses).Int64("redis_hits", cs.RedisHits)
			}
			ev.Msg("stats")
		}
	}
}
