package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/abelbrown/eventline/internal/logging"
	"github.com/abelbrown/eventline/internal/telemetry"
)

func runFuse() {
	fs := flag.NewFlagSet("fuse", flag.ExitOnError)
	verbose := fs.Bool("v", false, "Log to stderr")
	fs.Parse(os.Args[1:])

	if *verbose {
		logging.InitWriter(os.Stderr)
	} else if err := logging.Init(); err != nil {
		log.Fatalf("failed to init logging: %v", err)
	}
	defer logging.Close()

	cfg := loadConfig()
	st := openDB()
	defer st.Close()

	_, eng := buildSystem(cfg, st, telemetry.New(nil))

	res, err := eng.RunPass(context.Background())
	if err != nil {
		log.Fatalf("fusion pass failed: %v", err)
	}
	fmt.Printf("Pairs compared:  %d\n", res.Compared)
	fmt.Printf("Events merged:   %d\n", res.Merged)
	fmt.Printf("Void clusters:   %d\n", res.VoidClusters)
}
