package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/abelbrown/eventline/internal/intake"
	"github.com/abelbrown/eventline/internal/logging"
	"github.com/abelbrown/eventline/internal/pipeline"
	"github.com/abelbrown/eventline/internal/telemetry"
	"github.com/abelbrown/eventline/internal/work"
)

func runIngest() {
	fs := flag.NewFlagSet("ingest", flag.ExitOnError)
	verbose := fs.Bool("v", false, "Log to stderr")
	fs.Parse(os.Args[1:])

	if *verbose {
		logging.InitWriter(os.Stderr)
	} else if err := logging.Init(); err != nil {
		log.Fatalf("failed to init logging: %v", err)
	}
	defer logging.Close()

	cfg := loadConfig()
	if len(cfg.Feeds) == 0 {
		fmt.Fprintln(os.Stderr, "no feeds configured; add them to", "~/.eventline/config.json")
		os.Exit(1)
	}

	st := openDB()
	defer st.Close()

	tel := telemetry.New(nil)
	orch, _ := buildSystem(cfg, st, tel)
	fetcher := intake.NewFetcher(30 * time.Second)

	ctx := context.Background()
	pool := work.NewPool(cfg.Pipeline.Workers)
	pool.Start(ctx)
	defer pool.Stop()

	for _, feed := range cfg.Feeds {
		feed := feed
		pool.SubmitFunc(work.TypeIngest, "fetch "+feed.Name, func() (string, error) {
			items, err := fetcher.Fetch(ctx, feed)
			if err != nil {
				return "", err
			}
			created, discarded, aborted := 0, 0, 0
			for _, item := range items {
				out, err := orch.ProcessOne(ctx, item)
				if err != nil {
					return "", err
				}
				switch out.Kind {
				case pipeline.Created:
					created++
				case pipeline.Discarded:
					discarded++
				case pipeline.Aborted:
					aborted++
				}
			}
			return fmt.Sprintf("%d events, %d discarded, %d aborted", created, discarded, aborted), nil
		})
	}

	wctx, cancel := context.WithTimeout(ctx, 30*time.Minute)
	defer cancel()
	if err := pool.Wait(wctx); err != nil {
		log.Fatalf("ingest did not finish: %v", err)
	}

	stats := pool.Stats()
	fmt.Printf("Feeds fetched: %d ok, %d failed\n", stats.TotalCompleted, stats.TotalFailed)
}
