// Command seed loads general medical knowledge into the knowledge index.
//
//	seed -dir ./knowledge -workers 4
//
// Every .txt, .md and .pdf file in dir becomes a set of kb_{file}_{ext}_{n} entries.
// Re-running overwrites the entries of files that were loaded before.
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"go.uber.org/zap"

	"github.com/markdave123-py/Medico/internal/app"
	"github.com/markdave123-py/Medico/internal/config"
	"github.com/markdave123-py/Medico/internal/core/ingestion_engine"
	"github.com/markdave123-py/Medico/internal/pkg/logger"
)

func main() {
	dir := flag.String("dir", "knowledge", "directory with knowledge documents")
	workers := flag.Int("workers", 4, "documents processed in parallel")
	debug := flag.Bool("debug", false, "verbose logging")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg := config.LoadConfig()
	if err := cfg.Validate(); err != nil {
		log.Fatalf("invalid configuration: %v", err)
	}
	zl := logger.Console(*debug)
	defer func() { _ = zl.Sync() }()

	sources, err := readSources(*dir)
	if err != nil {
		zl.Fatal("reading knowledge directory", zap.String("dir", *dir), zap.Error(err))
	}
	if len(sources) == 0 {
		zl.Warn("nothing to load", zap.String("dir", *dir))
		return
	}

	comps, err := app.NewComponents(ctx, cfg, zl)
	if err != nil {
		zl.Fatal("startup failed", zap.Error(err))
	}
	defer comps.Close()

	loader := ingestion_engine.NewKnowledgeLoader(comps.Index, comps.Extractor, ingestion_engine.NewIngestConfig(cfg), zl.Named("loader"))
	n, err := loader.Load(ctx, sources, *workers)
	if err != nil {
		zl.Error("some sources failed", zap.Int("entries", n), zap.Error(err))
		_ = zl.Sync()
		os.Exit(1)
	}
	zl.Info("knowledge loaded", zap.Int("sources", len(sources)), zap.Int("entries", n))
}

func readSources(dir string) ([]ingestion_engine.KnowledgeSource, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var out []ingestion_engine.KnowledgeSource
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		switch strings.ToLower(filepath.Ext(e.Name())) {
		case ".txt", ".md", ".pdf":
		default:
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, e.Name()))
		if err != nil {
			return nil, err
		}
		out = append(out, ingestion_engine.KnowledgeSource{Name: e.Name(), Data: data})
	}
	return out, nil
}
