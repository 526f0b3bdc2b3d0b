// Command debuggame plays a single traced self-play game and stores it.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/brensch/gozero/config"
	"github.com/brensch/gozero/executor/predictor"
	"github.com/brensch/gozero/executor/selfplay"
	"github.com/brensch/gozero/logging"
	"github.com/brensch/gozero/store"
	"github.com/rs/zerolog/log"
	"golang.org/x/exp/rand"
)

func main() {
	configPath := flag.String("config", "", "Config file; empty uses defaults")
	modelDir := flag.String("model-dir", "", "Override model_dir ('uniform' for the uniform model)")
	outDir := flag.String("out-dir", "debug_games", "Output directory for the game parquet files")
	readouts := flag.Int("readouts", 0, "Override readouts per move")
	seed := flag.Uint64("seed", 0, "RNG seed; 0 picks one from the clock")
	quiet := flag.Bool("quiet", false, "Do not print the board after every move")
	flag.Parse()

	src, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	cfg := *src.Snapshot()
	logging.MustSetup(cfg.LogLevel, logging.FormatConsole)
	if *modelDir != "" {
		cfg.ModelDir = *modelDir
	}
	if *readouts > 0 {
		cfg.Readouts = *readouts
	}
	cfg.Sessions = 1
	cfg.BatchSize = cfg.VirtualLosses

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()

	stack, err := predictor.Build(ctx, &cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("build evaluation stack")
	}
	defer stack.Close()

	if *seed == 0 {
		*seed = uint64(time.Now().UnixNano())
	}
	gopts := selfplay.GameOptions{
		Rng:       rand.New(rand.NewSource(*seed)),
		ModelName: stack.Name(),
	}
	if !*quiet {
		gopts.Trace = os.Stdout
	}

	log.Info().Str("model", stack.Name()).Int("readouts", cfg.Readouts).Uint64("seed", *seed).Msg("playing debug game")
	rec, err := selfplay.PlayGame(ctx, selfplay.Fixed(selfplay.OptionsFromConfig(&cfg)), stack.Predictor(), gopts)
	if err != nil {
		log.Fatal().Err(err).Msg("play game")
	}

	sink, err := store.NewParquetSink(*outDir, 1)
	if err != nil {
		log.Fatal().Err(err).Msg("open sink")
	}
	if err := sink.Write(ctx, rec); err != nil {
		log.Fatal().Err(err).Msg("write game")
	}
	if err := sink.Close(); err != nil {
		log.Fatal().Err(err).Msg("close sink")
	}

	moves := make([]string, len(rec.Moves))
	for i, m := range rec.Moves {
		moves[i] = m.Move.String()
	}
	fmt.Println()
	fmt.Printf("game %s: %s after %d moves\n", rec.ID, rec.ResultString(), len(rec.Moves))
	fmt.Println(strings.Join(moves, " "))
}
