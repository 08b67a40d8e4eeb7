package main

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/urfave/cli/v2"

	"github.com/dmaharana/docindex/internal/chromemdb"
	"github.com/dmaharana/docindex/internal/config"
	"github.com/dmaharana/docindex/internal/helper"
	"github.com/dmaharana/docindex/internal/index"
	"github.com/dmaharana/docindex/internal/ledger"
	"github.com/dmaharana/docindex/internal/models"
	"github.com/dmaharana/docindex/internal/parser"
	"github.com/dmaharana/docindex/internal/pipeline"
)

func ingestCommand() *cli.Command {
	return &cli.Command{
		Name:      "ingest",
		Usage:     "Fetch, extract, embed and index documents",
		ArgsUsage: "[url...]",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "manifest",
				Aliases: []string{"m"},
				Usage:   "YAML file listing documents to ingest",
			},
			&cli.StringFlag{
				Name:  "dir",
				Usage: "Directory downloaded documents are written to",
			},
			&cli.StringFlag{
				Name:  "index",
				Usage: "Target index name",
			},
			&cli.IntFlag{
				Name:  "workers",
				Usage: "Number of documents processed concurrently",
			},
			&cli.BoolFlag{
				Name:  "dry-run",
				Usage: "Fetch and extract only, do not embed or index",
			},
		},
		Action: ingest,
	}
}

func ingest(c *cli.Context) error {
	cfg := configFrom(c)
	if v := c.String("dir"); v != "" {
		cfg.Fetch.Dir = v
	}
	if v := c.String("index"); v != "" {
		cfg.Index.Name = v
	}
	if v := c.Int("workers"); v > 0 {
		cfg.Pipeline.Workers = v
	}

	var manifest Manifest
	if path := c.String("manifest"); path != "" {
		m, err := loadManifest(path)
		if err != nil {
			return err
		}
		manifest = m
	}
	refs, err := buildRefs(cfg, c.Args().Slice(), manifest)
	if err != nil {
		return err
	}
	if len(refs) == 0 {
		return cli.Exit("no documents given: pass URLs or --manifest", 2)
	}
	if err := helper.CreateFolder(cfg.Fetch.Dir); err != nil {
		return err
	}

	if c.Bool("dry-run") {
		return dryRun(c, cfg, refs)
	}

	backend, err := newBackend(cfg)
	if err != nil {
		return err
	}
	manager := index.NewManager(backend)
	defer manager.Close()

	if version, err := manager.Ping(c.Context); err != nil {
		log.Warn().Err(err).Str("backend", cfg.Index.Backend).Msg("Index backend is not reachable")
	} else if version != "" {
		log.Info().Str("backend", cfg.Index.Backend).Str("version", version).Msg("Connected to index backend")
	}

	embedder, err := newEmbeddingClient(cfg)
	if err != nil {
		return err
	}
	defer embedder.Close()

	var recorder pipeline.Recorder
	if cfg.Ledger.Path != "" {
		store, err := ledger.Open(cfg.Ledger.Path)
		if err != nil {
			return err
		}
		defer store.Close()
		recorder = store
	}

	orch := pipeline.NewOrchestrator(newFetcher(cfg), parser.New(), embedder, manager, pipelineConfig(cfg))
	runner := pipeline.NewRunner(orch, pipeline.RunnerConfig{
		Workers:     cfg.Pipeline.Workers,
		MaxAttempts: cfg.Pipeline.MaxAttempts,
		RetryDelay:  cfg.Pipeline.RetryDelay,
	}, recorder)

	report, err := runner.Run(c.Context, refs)
	if err != nil {
		return err
	}
	printReport(c, report)

	if n := report.Failed(); n > 0 {
		return cli.Exit(fmt.Sprintf("%d of %d documents failed", n, len(refs)), 1)
	}
	return nil
}

func printReport(c *cli.Context, report pipeline.Report) {
	w := tabwriter.NewWriter(c.App.Writer, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "STATE\tSTAGE\tTITLE\tRESULT\tATTEMPTS\tERROR")
	for _, res := range report.Results {
		errText := ""
		if res.Err != nil {
			errText = res.Err.Error()
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%s\n", res.State, res.Stage, res.Ref.Title, res.Write.Result, res.Attempts, errText)
	}
	w.Flush()
}

// dryRun fetches and extracts each document and prints what would be
// embedded.
func dryRun(c *cli.Context, cfg *config.Config, refs []models.DocumentRef) error {
	f := newFetcher(cfg)
	x := parser.New()
	w := tabwriter.NewWriter(c.App.Writer, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "TITLE\tPAGES\tFAILED\tCHARS\tERROR")
	failed := 0
	for _, ref := range refs {
		raw, err := f.Fetch(c.Context, ref.URL, ref.Path)
		if err != nil {
			failed++
			fmt.Fprintf(w, "%s\t-\t-\t-\t%v\n", ref.Title, err)
			continue
		}
		text := x.Extract(c.Context, raw.Path)
		errText := ""
		if text.Err != nil {
			errText = text.Err.Error()
		}
		fmt.Fprintf(w, "%s\t%d\t%d\t%d\t%s\n", ref.Title, text.Pages, text.FailedPages, len(text.Content), errText)
	}
	w.Flush()
	if failed > 0 {
		return cli.Exit(fmt.Sprintf("%d of %d documents could not be fetched", failed, len(refs)), 1)
	}
	return nil
}

func initIndexCommand() *cli.Command {
	return &cli.Command{
		Name:  "init-index",
		Usage: "Create the target index if missing and verify its schema",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "index", Usage: "Target index name"},
		},
		Action: func(c *cli.Context) error {
			cfg := configFrom(c)
			if v := c.String("index"); v != "" {
				cfg.Index.Name = v
			}
			backend, err := newBackend(cfg)
			if err != nil {
				return err
			}
			manager := index.NewManager(backend)
			defer manager.Close()

			if err := manager.EnsureIndex(c.Context, cfg.Index.Name, cfg.Index.Schema); err != nil {
				return err
			}
			fmt.Fprintf(c.App.Writer, "index %q ready (%s, dimension %d, %s)\n",
				cfg.Index.Name, cfg.Index.Backend, cfg.Index.Schema.Dimension, cfg.Index.Schema.SpaceType)
			return nil
		},
	}
}

func statusCommand() *cli.Command {
	return &cli.Command{
		Name:  "status",
		Usage: "Show recent ingestion runs from the ledger",
		Flags: []cli.Flag{
			&cli.IntFlag{Name: "limit", Aliases: []string{"n"}, Usage: "Number of entries to show", Value: 20},
			&cli.BoolFlag{Name: "json", Usage: "Print entries as JSON"},
		},
		Action: func(c *cli.Context) error {
			cfg := configFrom(c)
			if cfg.Ledger.Path == "" {
				return cli.Exit("ledger disabled: set ledger.path in the config", 2)
			}
			store, err := ledger.Open(cfg.Ledger.Path)
			if err != nil {
				return err
			}
			defer store.Close()

			entries, err := store.Recent(c.Context, c.Int("limit"))
			if err != nil {
				return err
			}
			if c.Bool("json") {
				helper.PrettyPrint(c.App.Writer, entries)
				return nil
			}
			w := tabwriter.NewWriter(c.App.Writer, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "FINISHED\tSTATE\tSTAGE\tTITLE\tURL\tERROR")
			for _, e := range entries {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
					e.FinishedAt.Local().Format(time.RFC3339), e.State, e.Stage, e.Title, e.URL, e.Error)
			}
			return w.Flush()
		},
	}
}

func exportCommand() *cli.Command {
	return &cli.Command{
		Name:  "export",
		Usage: "Export the local chromem index to an encrypted file",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "out", Aliases: []string{"o"}, Usage: "Output file", Required: true},
			&cli.StringFlag{Name: "key", Usage: "32 byte encryption key", EnvVars: []string{"CHROMEM_ENCRYPTION_KEY"}},
		},
		Action: func(c *cli.Context) error {
			cfg := configFrom(c)
			if cfg.Index.Backend != config.BackendChromem {
				return cli.Exit("export only supports the chromem backend", 2)
			}
			backend, err := chromemdb.New(chromemdb.Config{
				Path:     cfg.Chromem.Path,
				Compress: cfg.Chromem.Compress,
				InMemory: cfg.Chromem.InMemory,
			})
			if err != nil {
				return err
			}
			defer backend.Close()

			if err := backend.Export(c.String("out"), c.String("key"), cfg.Index.Name); err != nil {
				return err
			}
			log.Info().Str("file", c.String("out")).Str("index", cfg.Index.Name).Msg("Exported index")
			return nil
		},
	}
}
