package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/quietlog/taildir/internal/checkpoint"
	"github.com/quietlog/taildir/internal/config"
	"github.com/quietlog/taildir/internal/framing"
	"github.com/quietlog/taildir/internal/matcher"
	"github.com/quietlog/taildir/internal/observability"
	"github.com/quietlog/taildir/internal/tailer"
	"github.com/rs/zerolog/log"
	"github.com/spf13/afero"
)

func main() {
	configPath := "configs/taildir.yaml"
	if len(os.Args) > 1 {
		configPath = os.Args[1]
	} else if env := os.Getenv("TAILDIR_CONFIG"); env != "" {
		configPath = env
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	observability.InitLogger(cfg.LogLevel)
	log.Logger = log.With().Str("instance", uuid.NewString()).Logger()

	log.Info().
		Str("config", configPath).
		Int("groups", len(cfg.Groups)).
		Msg("Starting taildir")

	eng, store, err := buildEngine(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create tail engine")
	}
	defer store.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	errChan := make(chan error, 1)
	go func() {
		errChan <- run(ctx, eng, cfg)
	}()

	select {
	case <-sigChan:
		log.Info().Msg("Received shutdown signal")
	case err := <-errChan:
		if err != nil {
			log.Error().Err(err).Msg("Tail loop error")
		}
	}

	log.Info().Msg("Shutting down gracefully...")
	cancel()

	if err := eng.SaveCheckpoint(context.Background()); err != nil {
		log.Error().Err(err).Msg("Failed to save final checkpoint")
	}
	if err := eng.Close(); err != nil {
		log.Error().Err(err).Msg("Error during shutdown")
	}
	log.Info().Msg("Taildir stopped")
}

func buildEngine(cfg *config.Config) (*tailer.Engine, checkpoint.Store, error) {
	fs := afero.NewOsFs()

	var store checkpoint.Store
	var err error
	switch cfg.CheckpointBackend {
	case "bolt":
		store, err = checkpoint.NewBoltStore(cfg.PositionFile)
		if err != nil {
			return nil, nil, err
		}
	default:
		store = checkpoint.NewFileStore(fs, cfg.PositionFile)
	}

	matchers := make([]tailer.Matcher, 0, len(cfg.Groups))
	strategies := make(map[string]framing.Strategy, len(cfg.Groups))
	headers := make(tailer.HeaderTable, len(cfg.Groups))
	for _, g := range cfg.Groups {
		m, err := matcher.New(fs, matcher.Config{
			Group:                g.Name,
			Pattern:              g.Pattern,
			CachePatternMatching: g.CachePatternMatching,
			DateDirectory:        g.DateDirectory,
			Prefix:               g.Prefix,
		})
		if err != nil {
			store.Close()
			return nil, nil, err
		}
		matchers = append(matchers, m)
		if g.Framing != nil {
			strategy, err := g.Framing.Strategy()
			if err != nil {
				store.Close()
				return nil, nil, err
			}
			strategies[g.Name] = strategy
		}
		if len(g.Headers) > 0 {
			headers[g.Name] = g.Headers
		}
	}

	eng, err := tailer.New(context.Background(), tailer.Config{
		Fs:                 fs,
		Matchers:           matchers,
		Headers:            headers,
		Checkpoints:        store,
		Framing:            strategies,
		SkipToEnd:          cfg.SkipToEnd,
		AnnotateFileName:   cfg.AnnotateFileName,
		FileNameHeader:     cfg.FileNameHeader,
		AnnotateByteOffset: cfg.AnnotateByteOffset,
	})
	if err != nil {
		store.Close()
		return nil, nil, err
	}
	return eng, store, nil
}

// run drives the poll loop: discover, read each updated file in bounded
// batches, deliver, commit, and checkpoint periodically.
func run(ctx context.Context, eng *tailer.Engine, cfg *config.Config) error {
	sink := bufio.NewWriter(os.Stdout)
	defer sink.Flush()

	pollTicker := time.NewTicker(time.Duration(cfg.PollInterval))
	defer pollTicker.Stop()
	checkpointTicker := time.NewTicker(time.Duration(cfg.CheckpointInterval))
	defer checkpointTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-checkpointTicker.C:
			if err := eng.SaveCheckpoint(ctx); err != nil {
				log.Warn().Err(err).Msg("Failed to save checkpoint")
			}
		case <-pollTicker.C:
			inodes, err := eng.Discover()
			if err != nil {
				log.Warn().Err(err).Msg("Discovery failed")
				continue
			}
			for _, inode := range inodes {
				tf := eng.TailFiles()[inode]
				if tf == nil || !tf.NeedsRead() {
					continue
				}
				if err := drain(eng, tf, cfg.BatchSize, sink); err != nil {
					log.Error().Err(err).Str("file", tf.Path()).Msg("Failed reading file")
				}
			}
			sink.Flush()
			if cfg.IdleTimeout > 0 {
				eng.CloseIdle(time.Duration(cfg.IdleTimeout))
			}
		}
	}
}

// drain reads a file in batches until it is exhausted, committing after
// each delivered batch. On a delivery failure the batch stays
// uncommitted; the engine re-produces it the next time the file is
// drained.
func drain(eng *tailer.Engine, tf *tailer.TrackedFile, batchSize int, sink io.Writer) error {
	eng.SetCurrent(tf)
	for {
		records, err := eng.ReadBatch(batchSize)
		if err != nil {
			return err
		}
		if len(records) == 0 {
			return nil
		}
		if err := deliver(sink, records); err != nil {
			return err
		}
		if err := eng.Commit(); err != nil {
			return err
		}
		if len(records) < batchSize {
			return nil
		}
	}
}

type sinkRecord struct {
	Headers map[string]string `json:"headers,omitempty"`
	Body    string            `json:"body"`
}

// deliver writes records as NDJSON to the sink. This is the stand-in for
// a real downstream transport.
func deliver(sink io.Writer, records []*tailer.Record) error {
	enc := json.NewEncoder(sink)
	for _, rec := range records {
		if err := enc.Encode(sinkRecord{Headers: rec.Headers, Body: string(rec.Body)}); err != nil {
			return fmt.Errorf("failed to write record: %w", err)
		}
	}
	return nil
}
