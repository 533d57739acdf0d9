// Command tycho-feed runs the block synchronization client: it subscribes
// to one or more extractors on a Tycho-style indexer, aligns their delta
// streams into a single per-height FeedMessage, and writes the result as
// line-delimited JSON to stdout (spec.md overview).
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/tycho-sync/block-feed/internal/aligner"
	"github.com/tycho-sync/block-feed/internal/config"
	"github.com/tycho-sync/block-feed/internal/indexerclient"
	"github.com/tycho-sync/block-feed/internal/obs"
	"github.com/tycho-sync/block-feed/internal/sink"
	"github.com/tycho-sync/block-feed/internal/synchronizer"
	"github.com/tycho-sync/block-feed/internal/tracker"
)

const serviceName = "tycho-block-feed"

func main() {
	os.Exit(run())
}

func run() int {
	bootLogger, err := obs.InitLogger("")
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to init logger: %v\n", err)
		return int(config.ExitConfigError)
	}

	cfg, err := config.Parse(os.Args[1:], *bootLogger)
	if err != nil {
		bootLogger.Error().Err(err).Msg("invalid configuration")
		return int(config.ExitConfigError)
	}

	logger, err := obs.InitLogger(cfg.LogDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to init logger: %v\n", err)
		return int(config.ExitConfigError)
	}

	global, overrides := config.ParseLogLevelOverrides(os.Getenv("LOG_LEVEL"))
	levelOverrides := obs.ApplyLogLevels(logger, global, overrides)

	logger.Info().Str("service", serviceName).Int("extractors", len(cfg.Extractors)).Msg("starting tycho-feed")

	client, err := indexerclient.NewRPCWS(cfg.RPCURL, cfg.WSURL, *logger)
	if err != nil {
		logger.Error().Err(err).Msg("failed to create indexer client")
		return int(config.ExitConfigError)
	}

	sources := make([]*aligner.Source, 0, len(cfg.Extractors))
	for _, spec := range cfg.Extractors {
		policy, err := config.PolicyFor(cfg, spec)
		if err != nil {
			logger.Error().Err(err).Str("extractor", string(spec.Name)).Msg("invalid admission policy")
			return int(config.ExitConfigError)
		}

		trackerLogger := obs.ComponentLogger(*logger, "tracker", levelOverrides)
		syncLogger := obs.ComponentLogger(*logger, "synchronizer", levelOverrides)

		t := tracker.New(spec.Name, policy, client, trackerLogger)
		s := synchronizer.New(spec.Name, client, synchronizer.DefaultConfig(), syncLogger)

		sources = append(sources, &aligner.Source{Extractor: spec.Name, Sync: s, Tracker: t})
	}

	primary := sink.NewStdoutWriter(os.Stdout)
	var writer sink.Writer = primary
	var mirror *sink.NATSMirror
	if cfg.NATSURL != "" {
		mirror, err = sink.NewNATSMirror(cfg.NATSURL, 24*time.Hour, "TYCHO_FEED", obs.ComponentLogger(*logger, "sink", levelOverrides))
		if err != nil {
			logger.Error().Err(err).Msg("failed to create nats mirror, continuing without it")
		} else {
			defer mirror.Close()
			writer = sink.NewFanout(primary, mirror, *logger)
		}
	}

	align := aligner.New(sources, writer, aligner.Config{
		BlockTime: cfg.BlockTime,
		Quota:     cfg.Quota,
		NoState:   cfg.NoState,
	}, *logger)

	metricsServer := &http.Server{Addr: ":9090", Handler: promhttp.Handler()}
	go func() {
		logger.Info().Str("address", metricsServer.Addr).Msg("starting metrics server")
		if err := metricsServer.ListenAndServe(); err != http.ErrServerClosed {
			logger.Error().Err(err).Msg("metrics server error")
		}
	}()

	healthServer := &http.Server{Addr: ":9091", Handler: http.HandlerFunc(healthCheckHandler(sources))}
	go func() {
		logger.Info().Str("address", healthServer.Addr).Msg("starting health server")
		if err := healthServer.ListenAndServe(); err != http.ErrServerClosed {
			logger.Error().Err(err).Msg("health server error")
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	resultChan := make(chan alignerResult, 1)
	go func() {
		reason, err := align.Run(ctx)
		resultChan <- alignerResult{reason: reason, err: err}
	}()

	var result alignerResult
	select {
	case sig := <-sigChan:
		logger.Info().Str("signal", sig.String()).Msg("received shutdown signal")
		cancel()
		result = <-resultChan
	case result = <-resultChan:
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := metricsServer.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("metrics server shutdown error")
	}
	if err := healthServer.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("health server shutdown error")
	}

	return exitCodeFor(result, logger)
}

type alignerResult struct {
	reason aligner.ExitReason
	err    error
}

// exitCodeFor maps the aligner's termination outcome to spec.md §6's exit
// code table.
func exitCodeFor(r alignerResult, logger *zerolog.Logger) int {
	switch r.reason {
	case aligner.ExitNormal:
		return int(config.ExitOK)
	case aligner.ExitAllEnded:
		logger.Warn().Msg("all sources ended")
		return int(config.ExitAllStaleOrErrored)
	case aligner.ExitSinkFailure:
		logger.Error().Err(r.err).Msg("sink failure, exiting")
		return int(config.ExitSinkFailure)
	case aligner.ExitCancelled:
		if r.err != nil {
			logger.Error().Err(r.err).Msg("aligner startup failed")
			return int(config.ExitConnectionFailed)
		}
		return int(config.ExitOK)
	default:
		return int(config.ExitOK)
	}
}

// healthCheckHandler reports healthy as long as at least one source hasn't
// ended.
func healthCheckHandler(sources []*aligner.Source) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		alive := 0
		for _, src := range sources {
			if !src.Sync.IsEnded() {
				alive++
			}
		}
		if alive == 0 {
			w.WriteHeader(http.StatusServiceUnavailable)
			fmt.Fprintf(w, "unhealthy\n")
			return
		}
		w.WriteHeader(http.StatusOK)
		fmt.Fprintf(w, "healthy\nalive: %d/%d\n", alive, len(sources))
	}
}
