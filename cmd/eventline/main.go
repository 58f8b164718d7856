// Command eventline runs the report-to-event pipeline: intake from
// feeds, per-report processing, fusion passes over the store, and the
// HTTP API for downstream review.
//
// Usage:
//
//	eventline                Show help
//	eventline ingest         Fetch configured feeds and process new reports
//	eventline process        Process one report from a flag or stdin
//	eventline fuse           Run one fusion pass over the store
//	eventline serve          Run the HTTP API with periodic intake and fusion
//	eventline stats          Event store statistics
package main

import (
	"fmt"
	"os"
)

const usage = `eventline - report-to-event pipeline

Usage:
  eventline <command> [flags]

Commands:
  ingest      Fetch configured feeds and process new reports
  process     Process one report (-text, -file, or stdin)
  fuse        Run one fusion pass over the store
  serve       Run the HTTP API with periodic intake and fusion
  stats       Event store statistics

Environment:
  ANTHROPIC_API_KEY   Claude API key (primary inference provider)
  OPENAI_API_KEY      OpenAI API key (fallback provider)
  JINA_API_KEY        Jina API key (embedding provider "jina")

Run 'eventline <command> -h' for command-specific help.
`

func main() {
	if len(os.Args) < 2 {
		fmt.Print(usage)
		os.Exit(0)
	}

	cmd := os.Args[1]
	// Strip the program name + subcommand so flag sets see only their flags
	os.Args = os.Args[1:]

	switch cmd {
	case "ingest":
		runIngest()
	case "process":
		runProcess()
	case "fuse":
		runFuse()
	case "serve":
		runServe()
	case "stats":
		runStats()
	case "-h", "--help", "help":
		fmt.Print(usage)
	default:
		fmt.Fprintf(os.Stderr, "eventline: unknown command %q\n\n", cmd)
		fmt.Print(usage)
		os.Exit(1)
	}
}
