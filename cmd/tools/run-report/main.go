// Package main renders an HTML report for a recorded diagnostics run: a
// bar chart of surfaced events by vibration class and severity, and a
// scatter of every event's peak frequency against its strength. Reads the
// same sqlite database the server records into.
package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"sort"
	"time"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/components"
	"github.com/go-echarts/go-echarts/v2/opts"

	"github.com/roadhum/vibesense/internal/db"
)

var (
	dbPath   = flag.String("db", "vibesense.db", "Path to the sqlite database")
	runID    = flag.String("run", "", "Run to report on (default: most recent)")
	output   = flag.String("out", "run-report.html", "Output HTML path")
	maxRows  = flag.Int("limit", 5000, "Maximum events to load")
	listRuns = flag.Bool("list", false, "List recorded runs and exit")
)

func main() {
	flag.Parse()

	database, err := db.Open(*dbPath)
	if err != nil {
		log.Fatalf("failed to open database: %v", err)
	}
	defer database.Close()

	runs, err := database.Runs()
	if err != nil {
		log.Fatalf("failed to list runs: %v", err)
	}
	if *listRuns {
		for _, r := range runs {
			fmt.Printf("%s  %s\n", r.RunID, r.StartedAt.Format(time.RFC3339))
		}
		return
	}

	run := *runID
	if run == "" {
		if len(runs) == 0 {
			log.Fatal("no recorded runs")
		}
		run = runs[0].RunID
	}

	events, err := database.Events(run, *maxRows)
	if err != nil {
		log.Fatalf("failed to load events: %v", err)
	}
	if len(events) == 0 {
		log.Fatalf("run %s has no surfaced events", run)
	}

	page := components.NewPage()
	page.AddCharts(severityBar(run, events), strengthScatter(run, events))

	f, err := os.Create(*output)
	if err != nil {
		log.Fatalf("failed to create output: %v", err)
	}
	defer f.Close()
	if err := page.Render(f); err != nil {
		log.Fatalf("render error: %v", err)
	}
	log.Printf("wrote %s: %d events from run %s", *output, len(events), run)
}

// severityOrder fixes the stacking order so "severe" always lands on top.
var severityOrder = []string{"faint", "moderate", "strong", "severe"}

func severityBar(run string, events []db.EventRow) components.Charter {
	counts := make(map[string]map[string]int) // class -> severity -> n
	for _, ev := range events {
		if counts[ev.Class] == nil {
			counts[ev.Class] = make(map[string]int)
		}
		counts[ev.Class][ev.Severity]++
	}

	classes := make([]string, 0, len(counts))
	for class := range counts {
		classes = append(classes, class)
	}
	sort.Strings(classes)

	bar := charts.NewBar()
	bar.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{Width: "100%", Height: "480px"}),
		charts.WithTitleOpts(opts.Title{Title: "Events by class and severity", Subtitle: "run " + run}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
	)
	bar.SetXAxis(classes)
	for _, severity := range severityOrder {
		data := make([]opts.BarData, len(classes))
		for i, class := range classes {
			data[i] = opts.BarData{Value: counts[class][severity]}
		}
		bar.AddSeries(severity, data, charts.WithBarChartOpts(opts.BarChart{Stack: "severity"}))
	}
	return bar
}

func strengthScatter(run string, events []db.EventRow) components.Charter {
	bySeverity := make(map[string][]opts.ScatterData)
	for _, ev := range events {
		bySeverity[ev.Severity] = append(bySeverity[ev.Severity], opts.ScatterData{
			Value: []interface{}{ev.PeakHz, ev.StrengthDB},
		})
	}

	scatter := charts.NewScatter()
	scatter.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{Width: "100%", Height: "480px"}),
		charts.WithTitleOpts(opts.Title{Title: "Peak strength vs frequency", Subtitle: "run " + run}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
		charts.WithXAxisOpts(opts.XAxis{Name: "Peak (Hz)"}),
		charts.WithYAxisOpts(opts.YAxis{Name: "Strength (dB)"}),
	)
	for _, severity := range severityOrder {
		if pts, ok := bySeverity[severity]; ok {
			scatter.AddSeries(severity, pts, charts.WithScatterChartOpts(opts.ScatterChart{SymbolSize: 8}))
		}
	}
	// Anything outside the known buckets still gets drawn.
	for severity, pts := range bySeverity {
		known := false
		for _, s := range severityOrder {
			if s == severity {
				known = true
			}
		}
		if !known {
			scatter.AddSeries(severity, pts, charts.WithScatterChartOpts(opts.ScatterChart{SymbolSize: 8}))
		}
	}
	return scatter
}
