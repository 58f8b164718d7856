package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/abelbrown/eventline/internal/api"
	"github.com/abelbrown/eventline/internal/intake"
	"github.com/abelbrown/eventline/internal/logging"
	"github.com/abelbrown/eventline/internal/telemetry"
	"github.com/abelbrown/eventline/internal/work"
)

func runServe() {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	listen := fs.String("listen", "", "Listen address (overrides config)")
	intakeEvery := fs.Duration("intake-interval", 15*time.Minute, "Feed intake interval (0 disables)")
	fuseEvery := fs.Duration("fusion-interval", 5*time.Minute, "Fusion pass interval (0 disables)")
	fs.Parse(os.Args[1:])

	if err := logging.Init(); err != nil {
		log.Fatalf("failed to init logging: %v", err)
	}
	defer logging.Close()

	cfg := loadConfig()
	if *listen != "" {
		cfg.API.Listen = *listen
	}

	st := openDB()
	defer st.Close()

	tel := telemetry.New(prometheus.DefaultRegisterer)
	orch, eng := buildSystem(cfg, st, tel)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool := work.NewPool(cfg.Pipeline.Workers)
	pool.Start(ctx)
	defer pool.Stop()

	if *intakeEvery > 0 && len(cfg.Feeds) > 0 {
		fetcher := intake.NewFetcher(30 * time.Second)
		go func() {
			ticker := time.NewTicker(*intakeEvery)
			defer ticker.Stop()
			for {
				for _, feed := range cfg.Feeds {
					feed := feed
					pool.SubmitFunc(work.TypeIngest, "fetch "+feed.Name, func() (string, error) {
						items, err := fetcher.Fetch(ctx, feed)
						if err != nil {
							return "", err
						}
						for _, item := range items {
							if _, err := orch.ProcessOne(ctx, item); err != nil {
								return "", err
							}
						}
						return fmt.Sprintf("%d items", len(items)), nil
					})
				}
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
				}
			}
		}()
	}

	if *fuseEvery > 0 {
		go func() {
			ticker := time.NewTicker(*fuseEvery)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					pool.SubmitFunc(work.TypeFuse, "fusion pass", func() (string, error) {
						res, err := eng.RunPass(ctx)
						if err != nil {
							return "", err
						}
						return fmt.Sprintf("%d merged, %d void", res.Merged, res.VoidClusters), nil
					})
				}
			}
		}()
	}

	server := &http.Server{
		Addr:         cfg.API.Listen,
		Handler:      api.NewServer(st, orch, eng, tel).Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}
	go func() {
		<-ctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		server.Shutdown(sctx)
	}()

	logging.Info("API listening", "addr", cfg.API.Listen)
	fmt.Printf("eventline API on %s\n", cfg.API.Listen)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatalf("server failed: %v", err)
	}
}
