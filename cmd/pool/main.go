// Command pool plans one CSV batch of concrete orders and prints the plan as JSON.
//
//	pool -in orders.csv -by day,zone
//	cat orders.csv | pool -in - -config config/pool.yaml
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"

	"concretepool/internal/buildinfo"
	"concretepool/internal/config"
	"concretepool/internal/integrations"
	"concretepool/internal/integrations/csvfile"
	"concretepool/internal/logging"
	"concretepool/internal/model"
	"concretepool/internal/opt"
	"concretepool/internal/report"
)

func main() {
	_ = godotenv.Load()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	os.Exit(run(ctx, os.Args[1:], os.Stdin, os.Stdout, logging.FromEnv()))
}

type output struct {
	Source  string                               `json:"source"`
	Ingest  []model.Diagnostic                   `json:"ingest,omitempty"`
	Plan    model.Plan                           `json:"plan"`
	Reports map[report.Granularity]report.Report `json:"reports,omitempty"`
}

// run returns the process exit code: 0 ok, 1 planning failed, 2 bad usage or config.
func run(ctx context.Context, args []string, stdin io.Reader, stdout io.Writer, log zerolog.Logger) int {
	fs := flag.NewFlagSet("pool", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	cfgPath := fs.String("config", os.Getenv("POOL_CONFIG"), "engine config YAML (defaults apply when empty)")
	in := fs.String("in", "-", "orders CSV file, or - for stdin")
	by := fs.String("by", "", "comma separated rollups: group,day,month,type,zone,total")
	pretty := fs.Bool("pretty", false, "indent JSON output")
	version := fs.Bool("version", false, "print version and exit")
	if err := fs.Parse(args); err != nil {
		log.Error().Err(err).Msg("usage: pool [-config file] [-in file|-] [-by rollups] [-pretty]")
		return 2
	}
	if *version {
		fmt.Fprintln(stdout, buildinfo.String())
		return 0
	}

	var rollups []report.Granularity
	for _, s := range strings.Split(*by, ",") {
		if strings.TrimSpace(s) == "" {
			continue
		}
		g, err := report.ParseGranularity(s)
		if err != nil {
			log.Error().Err(err).Msg("bad -by")
			return 2
		}
		rollups = append(rollups, g)
	}

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		log.Error().Err(err).Str("path", *cfgPath).Msg("load config")
		return 2
	}
	engine, err := opt.NewEngine(cfg, opt.WithLogger(log))
	if err != nil {
		log.Error().Err(err).Msg("init engine")
		return 2
	}

	batch, err := fetch(ctx, *in, stdin)
	if err != nil {
		log.Error().Err(err).Str("in", *in).Msg("read orders")
		return 1
	}
	for _, d := range batch.Diagnostics {
		log.Warn().Str("order_id", d.OrderID).Int("line", d.Index).Msg(d.Message)
	}

	plan, err := engine.Plan(ctx, batch.Orders)
	if err != nil {
		log.Error().Err(err).Msg("plan")
		return 1
	}
	out := output{Source: batch.Source, Ingest: batch.Diagnostics, Plan: plan}
	if len(rollups) > 0 {
		out.Reports = make(map[report.Granularity]report.Report, len(rollups))
		for _, g := range rollups {
			out.Reports[g] = report.Build(plan, g, engine.Banding())
		}
	}
	enc := json.NewEncoder(stdout)
	if *pretty {
		enc.SetIndent("", "  ")
	}
	if err := enc.Encode(out); err != nil {
		log.Error().Err(err).Msg("write output")
		return 1
	}
	return 0
}

func fetch(ctx context.Context, in string, stdin io.Reader) (integrations.OrderBatch, error) {
	if in == "-" {
		b, err := csvfile.Parse(ctx, stdin)
		b.Source = "stdin"
		return b, err
	}
	var src integrations.OrderSource = csvfile.Adapter{Path: in}
	return src.FetchOrders(ctx)
}
