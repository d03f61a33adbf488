// hipsgen builds a HEALPix tile pyramid from a catalog of calibrated source
// images.
//
// Settings come from a YAML file (--config or HIPSGEN_CONFIG); flags given on
// the command line override the file. SIGINT and SIGTERM abort the build
// cleanly: every tile already on disk stays valid, and a rerun with
// --merge keeptile resumes where the aborted run stopped.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/rs/zerolog"
	"github.com/spf13/pflag"

	"github.com/freeeve/hipsgen/internal/build"
	"github.com/freeeve/hipsgen/internal/config"
	"github.com/freeeve/hipsgen/internal/httpapi"
	"github.com/freeeve/hipsgen/internal/logx"
	"github.com/freeeve/hipsgen/internal/memory"
	"github.com/freeeve/hipsgen/internal/merge"
	"github.com/freeeve/hipsgen/internal/moc"
	"github.com/freeeve/hipsgen/internal/source"
	"github.com/freeeve/hipsgen/internal/tile"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		if errors.Is(err, build.ErrAborted) {
			os.Exit(2)
		}
		os.Exit(1)
	}
}

func run() error {
	var configPath string
	flagSet := pflag.NewFlagSet("hipsgen", pflag.ContinueOnError)
	flagSet.StringVar(&configPath, "config", "", "YAML config file (default: $HIPSGEN_CONFIG)")

	// Overrides; applied only when given.
	output := flagSet.String("output", "", "pyramid output directory")
	catalog := flagSet.String("catalog", "", "source catalog (YAML)")
	region := flagSet.StringSlice("region", nil, "cells to build, order/first[-last] (default: all sky)")
	minOrder := flagSet.Int("min-order", 0, "shallowest order")
	maxOrder := flagSet.Int("max-order", 0, "deepest order")
	width := flagSet.Int("tile-width", 0, "tile side in pixels (power of two)")
	bitpix := flagSet.Int("bitpix", 0, "output encoding (8, 16, 32, 64, -32, -64; 0 = RGB)")
	overlay := flagSet.String("overlay", "", "overlap mode: none, fading, mean, add")
	tree := flagSet.String("tree", "", "aggregation: first, mean, median, middle")
	mergeMode := flagSet.String("merge", "", "merge with existing tiles: "+mergeModes())
	workers := flagSet.Int("workers", 0, "worker count (0 = from memory and CPUs)")
	memLimit := flagSet.String("memory-limit", "", "memory limit for resident tiles, e.g. 4GiB")
	statusAddr := flagSet.String("status-addr", "", "serve build status on this address, e.g. :8080")
	logLevel := flagSet.String("log-level", "", "log level")
	logFormat := flagSet.String("log-format", "", "log format: console or json")
	flagSet.BoolP("help", "h", false, "show help")

	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if err == pflag.ErrHelp {
			return nil
		}
		return err
	}
	if help, _ := flagSet.GetBool("help"); help {
		fmt.Fprintf(os.Stderr, "usage: hipsgen [flags]\n\n%s", flagSet.FlagUsages())
		return nil
	}

	var cfg *config.Config
	var err error
	if configPath != "" {
		cfg, err = config.LoadFile(configPath)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return err
	}

	set := func(name string, apply func()) {
		if flagSet.Changed(name) {
			apply()
		}
	}
	set("output", func() { cfg.Output = *output })
	set("catalog", func() { cfg.Catalog = *catalog })
	set("region", func() { cfg.Region = *region })
	set("min-order", func() { cfg.MinOrder = *minOrder })
	set("max-order", func() { cfg.MaxOrder = *maxOrder })
	set("tile-width", func() { cfg.TileWidth = *width })
	set("bitpix", func() { cfg.Bitpix = *bitpix })
	set("overlay", func() { cfg.Overlay = *overlay })
	set("tree", func() { cfg.Tree = *tree })
	set("merge", func() { cfg.Merge = *mergeMode })
	set("workers", func() { cfg.Workers = *workers })
	set("memory-limit", func() { cfg.MemoryLimit = *memLimit })
	set("status-addr", func() { cfg.StatusAddr = *statusAddr })
	set("log-level", func() { cfg.LogLevel = *logLevel })
	set("log-format", func() { cfg.LogFormat = *logFormat })

	if err := cfg.Validate(); err != nil {
		return err
	}

	logger := logx.New(os.Stdout, logx.ParseLevel(cfg.LogLevel), cfg.LogFormat)
	return buildPyramid(cfg, logger)
}

func mergeModes() string {
	return "overwrite, keep, average, add, sub, mul, div, keeptile, overwritetile"
}

func buildPyramid(cfg *config.Config, logger zerolog.Logger) error {
	level, _ := tile.ParseLevel(cfg.CompressionLevel)
	store, err := tile.NewStore(cfg.Output, level)
	if err != nil {
		return fmt.Errorf("open output: %w", err)
	}
	defer store.Close()

	refs, err := source.LoadCatalog(cfg.Catalog)
	if err != nil {
		return err
	}
	applyBorder(refs, cfg.Border)
	index := source.NewIndex(refs)
	opener := source.NewFileOpener(store, cfg.SourceCache)
	logger.Info().Int("sources", index.Len()).Str("catalog", cfg.Catalog).Msg("catalog loaded")

	mask := moc.AllSky(uint8(cfg.MinOrder))
	if len(cfg.Region) > 0 {
		if mask, err = moc.Parse(uint8(cfg.MaxOrder), cfg.Region); err != nil {
			return err
		}
	}

	memLimit, _ := cfg.MemoryLimitBytes()
	threadBudget, _ := cfg.ThreadBudgetBytes()
	poll, _ := cfg.Poll()
	overlayMode, _ := merge.ParseOverlay(cfg.Overlay)
	treeMode, _ := merge.ParseTree(cfg.Tree)
	mode, _ := merge.ParseMode(cfg.Merge)

	budget := memory.NewBudget(memory.Config{
		Limit:        memLimit,
		ThreadBudget: threadBudget,
		PollInterval: poll,
		Logger:       logger.With().Str("component", "memory").Logger(),
	})
	opener.Charge(budget.Account(memory.CacheAccount))

	builder, err := build.New(build.Config{
		MinOrder:     uint8(cfg.MinOrder),
		MaxOrder:     uint8(cfg.MaxOrder),
		Width:        cfg.TileWidth,
		Slices:       cfg.Slices,
		Encoding:     cfg.Encoding(),
		Overlay:      overlayMode,
		Tree:         treeMode,
		Merge:        mode,
		MaxOverlay:   cfg.MaxOverlay,
		Cut:          cfg.CutRange(),
		Workers:      cfg.Workers,
		ThreadBudget: threadBudget,
		PollInterval: poll,
		StatsDir:     cfg.Output,
		Logger:       logger,
	}, build.Deps{
		Store:  store,
		Finder: index,
		Opener: opener,
		Mask:   mask,
		Budget: budget,
	})
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	runDone := make(chan struct{})
	defer close(runDone)
	go func() {
		select {
		case <-ctx.Done():
			logger.Warn().Msg("signal received, aborting build")
			builder.Abort(errors.New("interrupted"))
		case <-runDone:
		}
	}()

	if cfg.StatusAddr != "" {
		srv := &http.Server{
			Addr:         cfg.StatusAddr,
			Handler:      httpapi.NewRouter(logger.With().Str("component", "http").Logger(), builder),
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 60 * time.Second,
			IdleTimeout:  60 * time.Second,
		}
		go func() {
			logger.Info().Str("addr", srv.Addr).Msg("status server listening")
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error().Err(err).Msg("status server")
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	start := time.Now()
	runErr := builder.Run(context.Background())

	hits, misses, _ := opener.Stats()
	st := store.Stats()
	logger.Info().
		Uint64("source_cache_hits", hits).
		Uint64("source_cache_misses", misses).
		Str("source_cache", humanize.IBytes(uint64(opener.CacheBytes()))).
		Uint64("tiles_written", st.Writes).
		Uint64("tiles_read", st.Reads).
		Str("bytes_written", humanize.IBytes(st.BytesWritten)).
		Dur("elapsed", time.Since(start)).
		Msg("done")
	return runErr
}

// applyBorder gives sources without their own border the configured default.
func applyBorder(refs []source.Ref, border source.Border) {
	if border == (source.Border{}) {
		return
	}
	for i := range refs {
		if refs[i].Border == nil || *refs[i].Border == (source.Border{}) {
			b := border
			refs[i].Border = &b
		}
	}
}
