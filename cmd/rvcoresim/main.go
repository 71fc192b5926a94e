// Command rvcoresim is a thin CLI launcher: it loads a configuration and
// a JSON instruction trace, runs the core timing model to completion, and
// writes the per-unit statistics report.
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/sarchlab/rvcore/extern/trace"
	"github.com/sarchlab/rvcore/internal/config"
	"github.com/sarchlab/rvcore/internal/report"
	"github.com/sarchlab/rvcore/simtop"
)

func main() {
	configPath := flag.String("config", "", "path to a YAML core configuration file (defaults are used if empty)")
	tracePath := flag.String("trace", "", "path to a JSON instruction trace")
	maxCycles := flag.Uint64("max-cycles", 0, "stop after this many cycles (0 = unbounded)")
	reportJSON := flag.String("report-json", "", "write the final report as JSON to this file instead of stdout text")
	flag.Parse()

	cfg := config.DefaultConfig()
	if *configPath != "" {
		loaded, err := config.LoadConfig(*configPath)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		cfg = loaded
	}

	if *tracePath == "" {
		fmt.Fprintln(os.Stderr, "rvcoresim: -trace is required")
		os.Exit(1)
	}

	src, err := trace.LoadJSONSource(*tracePath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	var sink report.Sink = report.StdoutSink{W: os.Stdout}
	if *reportJSON != "" {
		f, err := os.Create(*reportJSON)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		defer f.Close()
		sink = report.JSONSink{W: f}
	}

	sim := simtop.New(cfg, src, sink)
	if err := sim.Run(*maxCycles); err != nil {
		fmt.Fprintln(os.Stderr, err)
		_ = sim.Report()
		os.Exit(1)
	}

	fmt.Printf("retired %d instructions in %d cycles\n", sim.NumRetired(), sim.Cycles())
	if err := sim.Report(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
