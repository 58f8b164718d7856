package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"time"

	"github.com/abelbrown/eventline/internal/logging"
	"github.com/abelbrown/eventline/internal/pipeline"
	"github.com/abelbrown/eventline/internal/telemetry"
)

func runProcess() {
	fs := flag.NewFlagSet("process", flag.ExitOnError)
	text := fs.String("text", "", "Report text (reads stdin when empty)")
	file := fs.String("file", "", "Read report text from a file")
	source := fs.String("source", "", "Source URL of the report")
	unit := fs.String("unit", "", "Tracked unit the report references")
	fs.Parse(os.Args[1:])

	logging.InitWriter(os.Stderr)
	defer logging.Close()

	raw := pipeline.RawItem{
		Source:    *source,
		Unit:      *unit,
		FetchedAt: time.Now().UTC(),
	}
	switch {
	case *text != "":
		raw.Text = *text
	case *file != "":
		data, err := os.ReadFile(*file)
		if err != nil {
			log.Fatalf("failed to read %s: %v", *file, err)
		}
		raw.Text = string(data)
	default:
		data, err := io.ReadAll(os.Stdin)
		if err != nil {
			log.Fatalf("failed to read stdin: %v", err)
		}
		raw.Text = string(data)
	}
	if raw.Text == "" {
		log.Fatal("no report text given")
	}

	cfg := loadConfig()
	st := openDB()
	defer st.Close()

	orch, _ := buildSystem(cfg, st, telemetry.New(nil))

	out, err := orch.ProcessOne(context.Background(), raw)
	if err != nil {
		log.Fatalf("processing failed: %v", err)
	}
	switch out.Kind {
	case pipeline.Discarded:
		fmt.Println("discarded: filter rejected the report")
	case pipeline.Aborted:
		fmt.Printf("aborted: %v\n", out.Err)
		os.Exit(1)
	case pipeline.Created:
		e := out.Event
		fmt.Printf("event %s\n", e.ID)
		fmt.Printf("  occurred:  %s\n", e.OccurredAt.Format(time.RFC3339))
		fmt.Printf("  title:     %s\n", e.Title)
		fmt.Printf("  class:     %s / %s\n", e.Classification, e.TargetType)
		if e.HasLocation() {
			fmt.Printf("  location:  %.4f, %.4f\n", *e.Lat, *e.Lon)
		}
		fmt.Printf("  severity:  K=%d T=%d E=%d tie=%d\n",
			e.SeverityK, e.SeverityT, e.SeverityE, e.TieTotal)
		if e.Suspect {
			fmt.Println("  suspect:   movement flagged for review")
		}
	}
}
