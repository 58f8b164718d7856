package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/abelbrown/eventline/internal/store"
)

func runStats() {
	fs := flag.NewFlagSet("stats", flag.ExitOnError)
	recent := fs.Int("recent", 0, "Also list the N most recent events")
	fs.Parse(os.Args[1:])

	st := openDB()
	defer st.Close()

	counts, err := st.EventCount()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to count events: %v\n", err)
		os.Exit(1)
	}

	total := 0
	for _, status := range []store.Status{
		store.StatusPending, store.StatusCompleted, store.StatusVerified, store.StatusMerged,
	} {
		fmt.Printf("%-10s %d\n", status, counts[status])
		total += counts[status]
	}
	fmt.Printf("%-10s %d\n", "total", total)

	if *recent > 0 {
		events, err := st.ListEvents(*recent, "")
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to list events: %v\n", err)
			os.Exit(1)
		}
		fmt.Println()
		for _, e := range events {
			loc := "no location"
			if e.HasLocation() {
				loc = fmt.Sprintf("%.3f,%.3f", *e.Lat, *e.Lon)
			}
			fmt.Printf("%s  %s  %-9s  tie=%-3d  %s  %s\n",
				e.ID[:12], e.OccurredAt.Format("2006-01-02 15:04"),
				e.Status, e.TieTotal, loc, truncate(e.Title, 60))
		}
	}
}

// truncate shortens a string to max runes, appending "..." if truncated.
func truncate(s string, max int) string {
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max-3]) + "..."
}
