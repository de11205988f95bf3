package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alecthomas/kingpin/v2"
	"github.com/fatih/color"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/grafana/splitquery/pkg/client"
	"github.com/grafana/splitquery/pkg/queryrange"
	"github.com/grafana/splitquery/pkg/queryrangebase"
)

var (
	app = kingpin.New("splitcli", "A command-line client running range queries as step-aligned partitions, streaming partial results as they merge.")

	queryStr      = app.Arg("query", "The query to run.").Required().String()
	addr          = app.Flag("addr", "Address of the query_range API.").Default("http://localhost:9090").Envar("SPLITQUERY_ADDR").String()
	from          = app.Flag("from", "Start of the query range, RFC3339.").String()
	to            = app.Flag("to", "End of the query range, RFC3339. Defaults to now.").String()
	since         = app.Flag("since", "Lookback from --to when --from is not set.").Default("1h").Duration()
	step          = app.Flag("step", "Sampling step of the query.").Default("10s").Duration()
	splitDuration = app.Flag("split-duration", "Ideal wall-clock duration covered by one partition.").Default(queryrange.DefaultSplitDuration.String()).Duration()
	maxSamples    = app.Flag("max-samples", "Stop querying older partitions once this many samples accumulated. 0 to disable.").Default("0").Int()
	retries       = app.Flag("retries", "How many times to retry each failed sub-query.").Default("0").Int()
	username      = app.Flag("username", "Username for basic auth.").Envar("SPLITQUERY_USERNAME").String()
	password      = app.Flag("password", "Password for basic auth.").Envar("SPLITQUERY_PASSWORD").String()
	orgID         = app.Flag("org-id", "Value of the X-Scope-OrgID header.").Envar("SPLITQUERY_ORG_ID").String()
	configFile    = app.Flag("config", "YAML file with client settings; flags override it.").String()
	debug         = app.Flag("debug", "Enable debug logging.").Bool()
)

func main() {
	kingpin.MustParse(app.Parse(os.Args[1:]))

	logger := log.NewLogfmtLogger(log.NewSyncWriter(os.Stderr))
	if *debug {
		logger = level.NewFilter(logger, level.AllowDebug())
	} else {
		logger = level.NewFilter(logger, level.AllowInfo())
	}

	clientCfg := client.Config{}
	if *configFile != "" {
		loaded, err := client.LoadConfig(*configFile)
		if err != nil {
			exit(logger, err)
		}
		clientCfg = *loaded
	}
	if *addr != "" {
		clientCfg.Address = *addr
	}
	if *username != "" {
		clientCfg.Username = *username
	}
	if *password != "" {
		clientCfg.Password = *password
	}
	if *orgID != "" {
		clientCfg.OrgID = *orgID
	}

	end := time.Now()
	if *to != "" {
		var err error
		end, err = time.Parse(time.RFC3339Nano, *to)
		if err != nil {
			exit(logger, fmt.Errorf("invalid --to: %w", err))
		}
	}
	start := end.Add(-*since)
	if *from != "" {
		var err error
		start, err = time.Parse(time.RFC3339Nano, *from)
		if err != nil {
			exit(logger, fmt.Errorf("invalid --from: %w", err))
		}
	}

	cli, err := client.New(clientCfg, logger)
	if err != nil {
		exit(logger, err)
	}

	var handler queryrangebase.Handler = cli
	if *retries > 0 {
		handler = queryrangebase.NewRetryMiddleware(logger, *retries+1, nil).Wrap(handler)
	}

	engineCfg := queryrange.Config{
		SplitDuration: *splitDuration,
		MaxSamples:    *maxSamples,
	}
	if err := engineCfg.Validate(); err != nil {
		exit(logger, err)
	}
	engine := queryrange.NewEngine(engineCfg, handler, queryrangebase.PrometheusCodec, nil, logger, prometheus.DefaultRegisterer)

	req := &queryrangebase.PrometheusRequest{
		ID:    uuid.NewString(),
		Start: start.UnixMilli(),
		End:   end.UnixMilli(),
		Step:  step.Milliseconds(),
		Query: *queryStr,
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	it, err := engine.Run(ctx, req)
	if err != nil {
		exit(logger, err)
	}

	for it.Next() {
		res := it.At()
		printResult(res)
	}
	if err := it.Err(); err != nil {
		exit(logger, err)
	}
}

func printResult(res queryrange.Result) {
	fmt.Printf("%s (%d samples)\n",
		color.GreenString(res.Status.String()),
		queryrangebase.SampleCount(res.Response),
	)
	if res.Err != nil {
		fmt.Println(color.RedString("error: %v", res.Err))
	}
	if res.Status != queryrange.StatusDone && res.Status != queryrange.StatusError {
		return
	}

	promRes, ok := res.Response.(*queryrangebase.PrometheusResponse)
	if !ok {
		return
	}
	for _, stream := range promRes.Data.Result {
		fmt.Println(color.BlueString(stream.Metric.String()))
		for _, sample := range stream.Values {
			fmt.Printf("  %s %v\n",
				color.CyanString(sample.Timestamp.Time().UTC().Format(time.RFC3339)),
				sample.Value,
			)
		}
	}
}

func exit(logger log.Logger, err error) {
	level.Error(logger).Log("msg", "fatal error", "err", err)
	os.Exit(1)
}
