package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"strings"
	"syscall"
	"time"

	"marketsim/internal/config"
	"marketsim/internal/sim"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func main() {
	configPath := flag.String("config", "", "Simulation YAML file (built-in default when empty)")
	runs := flag.Int("runs", 1, "Number of independent runs; run i uses seed+i")
	workers := flag.Int("workers", runtime.NumCPU(), "Runs executed in parallel")
	seed := flag.Uint64("seed", 0, "Override the config seed")
	out := flag.String("out", "", "Tape file; with several runs the run number is added before the extension")
	level := flag.String("log-level", "info", "Log level: trace, debug, info, warn, error")
	dump := flag.Bool("dump-config", false, "Print the effective config and exit")
	flag.Parse()

	lvl, err := zerolog.ParseLevel(*level)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		flag.Usage()
		os.Exit(2)
	}
	log.Logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.TimeOnly}).
		Level(lvl).
		With().Timestamp().Logger()

	cfg := config.NewDefaultConfig()
	if *configPath != "" {
		cfg, err = config.Load(*configPath)
		if err != nil {
			log.Fatal().Err(err).Msg("unable to load config")
		}
	}
	flag.Visit(func(f *flag.Flag) {
		if f.Name == "seed" {
			cfg.Seed = *seed
		}
	})

	if *dump {
		if err := cfg.Encode(os.Stdout); err != nil {
			log.Fatal().Err(err).Msg("unable to encode config")
		}
		return
	}

	ctx, stop := signal.NotifyContext(
		context.Background(),
		syscall.SIGTERM,
		syscall.SIGINT,
	)
	defer stop()

	results, err := sim.RunBatch(ctx, cfg, *runs, *workers, log.Logger)
	if err != nil {
		log.Error().Err(err).Msg("simulation failed")
		stop()
		os.Exit(1)
	}

	for _, res := range results {
		if *out != "" {
			path := tapePath(*out, res.Run, len(results))
			if err := os.WriteFile(path, res.Tape, 0o644); err != nil {
				log.Error().Err(err).Str("path", path).Msg("unable to write tape")
				stop()
				os.Exit(1)
			}
			log.Info().Str("path", path).Int("bytes", len(res.Tape)).Msg("tape written")
		}
		if err := res.Summary.WriteJSON(os.Stdout); err != nil {
			log.Error().Err(err).Msg("unable to write summary")
		}
	}
}

// tapePath returns out for a single run and out with "-<run>" before the
// extension otherwise.
func tapePath(out string, run, runs int) string {
	if runs == 1 {
		return out
	}
	ext := filepath.Ext(out)
	return fmt.Sprintf("%s-%d%s", strings.TrimSuffix(out, ext), run, ext)
}
