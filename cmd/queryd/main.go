// SPDX-License-Identifier: AGPL-3.0-only

// queryd assembles the query planning and execution core described in
// spec.md into a single running process: two chunkstore.TimeSeriesMemStore
// tiers (raw and downsample), an operators.Executor over each, and the full
// planner chain
// (singlecluster -> longrange -> multipartition -> shardregex ->
// selector) in front of it. It deliberately stops short of a PromQL/HTTP
// query-serving API: spec.md scopes "gateway/ingest daemons and their
// PromQL/HTTP front-ends" out of this repository, so the only surfaces
// this binary exposes at runtime are /metrics and /ready, the way a component's
// ambient observability is still wired in even when the component that
// would drive it isn't.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/prometheus/common/model"

	"github.com/skydb/tsdbquery/pkg/chunkstore"
	"github.com/skydb/tsdbquery/pkg/dataset"
	"github.com/skydb/tsdbquery/pkg/dispatch"
	"github.com/skydb/tsdbquery/pkg/operators"
	"github.com/skydb/tsdbquery/pkg/planner/longrange"
	"github.com/skydb/tsdbquery/pkg/planner/multipartition"
	"github.com/skydb/tsdbquery/pkg/planner/selector"
	"github.com/skydb/tsdbquery/pkg/planner/shardregex"
	"github.com/skydb/tsdbquery/pkg/planner/singlecluster"
	"github.com/skydb/tsdbquery/pkg/session"
	"github.com/skydb/tsdbquery/pkg/shard"
)

// config holds every top-level flag this binary accepts. There is no YAML
// config file loader: spec.md scopes "configuration file parsing" out of
// the core, and RegisterFlags is the only configuration surface, same as
// the rest of this module's components.
type config struct {
	httpListenAddr string
	nodeName       string
	numShards      int

	rawStore        chunkstore.StoreConfig
	downsampleStore chunkstore.StoreConfig
	planner         session.PlannerParams

	rawRetention        model.Duration
	downsampleRetention model.Duration
}

func (c *config) registerFlags(fs *flag.FlagSet) {
	fs.StringVar(&c.httpListenAddr, "http.listen-address", ":9090", "Address to expose /metrics on.")
	fs.StringVar(&c.nodeName, "node.name", "queryd-0", "This process's node name, as it appears in the shard mapper.")
	fs.IntVar(&c.numShards, "shard.count", 16, "Total number of shards configured for the dataset this process serves.")
	c.rawRetention = model.Duration(6 * time.Hour)
	c.downsampleRetention = model.Duration(30 * 24 * time.Hour)
	fs.Var(&c.rawRetention, "raw.retention", "How far back the raw tier retains samples.")
	fs.Var(&c.downsampleRetention, "downsample.retention", "How far back the downsample tier retains samples.")

	c.rawStore.RegisterFlags("raw", fs)
	c.downsampleStore.RegisterFlags("downsample", fs)
	c.planner.RegisterFlags("planner", fs)
}

func main() {
	var cfg config
	cfg.registerFlags(flag.CommandLine)
	if err := flag.CommandLine.Parse(os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, "error parsing flags:", err)
		os.Exit(2)
	}

	logger := log.NewLogfmtLogger(log.NewSyncWriter(os.Stderr))
	logger = log.With(logger, "ts", log.DefaultTimestampUTC, "caller", log.DefaultCaller)

	reg := prometheus.NewRegistry()
	reg.MustRegister(prometheus.NewGoCollector(), prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

	if err := run(cfg, logger, reg); err != nil {
		level.Error(logger).Log("msg", "queryd exited with error", "err", err)
		os.Exit(1)
	}
}

// coreComponents is the fully-wired planner chain this binary assembles,
// returned so tests (and future front-ends living outside this
// repository) can reach every layer without re-deriving the wiring.
type coreComponents struct {
	RawStore             *chunkstore.TimeSeriesMemStore
	DownsampleStore      *chunkstore.TimeSeriesMemStore
	RawDispatcher        *dispatch.InProcessPlanDispatcher
	DownsampleDispatcher *dispatch.InProcessPlanDispatcher
	Mapper               *shard.StaticMapper
	Router               *selector.Router
}

func run(cfg config, logger log.Logger, reg *prometheus.Registry) error {
	nowFn := func() int64 { return time.Now().UnixMilli() }

	core, err := buildCore(cfg, logger, reg, nowFn)
	if err != nil {
		return errors.Wrap(err, "assembling query planning core")
	}
	level.Info(logger).Log("msg", "query planning core assembled", "shards", cfg.numShards, "node", cfg.nodeName)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	mux.HandleFunc("/ready", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready\n"))
	})

	srv := &http.Server{Addr: cfg.httpListenAddr, Handler: mux}
	errCh := make(chan error, 1)
	go func() {
		level.Info(logger).Log("msg", "listening", "addr", cfg.httpListenAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	level.Info(logger).Log("msg", "core components ready", "router", fmt.Sprintf("%T", core.Router))

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		level.Info(logger).Log("msg", "received signal, shutting down", "signal", sig)
	case err := <-errCh:
		return errors.Wrap(err, "http server")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(ctx)
}

// buildCore constructs the store tiers, the mapper, and the full planner
// chain described in spec.md §4: singlecluster handles one PromQL query
// against a fixed set of shards; longrange splits a query's time range
// across the raw and downsample tiers; multipartition fans out across
// time-partitioned clusters; shardregex expands regex shard-key filters;
// selector routes by metric name to whichever named planner applies. Each
// layer wraps the one before it, outermost last, mirroring how spec.md §4
// orders them.
func buildCore(cfg config, logger log.Logger, reg *prometheus.Registry, nowFn func() int64) (*coreComponents, error) {
	rawStore := chunkstore.NewTimeSeriesMemStore(log.With(logger, "tier", "raw"), prometheus.WrapRegistererWithPrefix("raw_", reg))
	downsampleStore := chunkstore.NewTimeSeriesMemStore(log.With(logger, "tier", "downsample"), prometheus.WrapRegistererWithPrefix("downsample_", reg))

	ds := dataset.Dataset{
		Ref: dataset.Ref{Dataset: "prometheus"},
		PartitionColumns: []dataset.ColumnInfo{
			{Name: "_ws_", Type: dataset.StringColumn},
			{Name: "_ns_", Type: dataset.StringColumn},
			{Name: "_metric_", Type: dataset.StringColumn},
		},
	}
	mapper := shard.NewStaticMapper(cfg.nodeName, cfg.numShards)

	rawRetentionMs := time.Duration(cfg.rawRetention).Milliseconds()
	downsampleRetentionMs := time.Duration(cfg.downsampleRetention).Milliseconds()
	cfg.rawStore.EarliestRetainedTimestampFn = func(nowMs int64) int64 { return nowMs - rawRetentionMs }
	cfg.downsampleStore.EarliestRetainedTimestampFn = func(nowMs int64) int64 { return nowMs - downsampleRetentionMs }

	for shardID := shard.ID(0); int(shardID) < cfg.numShards; shardID++ {
		if err := rawStore.Setup(ds.Ref, ds, nil, shardID, cfg.rawStore); err != nil {
			return nil, errors.Wrapf(err, "setting up raw shard %d", shardID)
		}
		if err := downsampleStore.Setup(ds.Ref, ds, nil, shardID, cfg.downsampleStore); err != nil {
			return nil, errors.Wrapf(err, "setting up downsample shard %d", shardID)
		}
	}

	rawExecutor := operators.NewExecutor(rawStore)
	downsampleExecutor := operators.NewExecutor(downsampleStore)
	rawDispatcher := dispatch.NewInProcessPlanDispatcher(rawExecutor)
	downsampleDispatcher := dispatch.NewInProcessPlanDispatcher(downsampleExecutor)

	rawPlanner := singlecluster.New(singlecluster.Config{
		Dataset:     ds,
		Mapper:      mapper,
		RetentionMs: rawRetentionMs,
		NowFn:       nowFn,
	})
	downsamplePlanner := singlecluster.New(singlecluster.Config{
		Dataset:     ds,
		Mapper:      mapper,
		RetentionMs: downsampleRetentionMs,
		NowFn:       nowFn,
	})

	longTermPlanner := longrange.New(longrange.Config{
		Raw:                         rawPlanner,
		Downsample:                  downsamplePlanner,
		EarliestRawTimestampFn:      func() int64 { return nowFn() - rawRetentionMs },
		LatestDownsampleTimestampFn: func() int64 { return nowFn() },
	})

	partitioned := multipartition.New(multipartition.Config{
		Locations:          singleLocalPartition{node: cfg.nodeName},
		LocalPartitionName: cfg.nodeName,
		Inner:              longTermPlanner,
	})

	regexExpanded := shardregex.New(shardregex.Config{
		Dataset:   ds,
		Inner:     partitioned,
		MatcherFn: shardregex.NewCatalogMatcherFn(nil), // empty catalog until an external discovery source is wired in
	})

	router := selector.New(selector.Config{
		Planners: map[string]selector.Planner{
			"longTerm":       regexExpanded,
			"recordingRules": regexExpanded,
		},
	})

	return &coreComponents{
		RawStore:             rawStore,
		DownsampleStore:      downsampleStore,
		RawDispatcher:        rawDispatcher,
		DownsampleDispatcher: downsampleDispatcher,
		Mapper:               mapper,
		Router:               router,
	}, nil
}

// singleLocalPartition is the minimal multipartition.PartitionLocationProvider
// for a single-process deployment: every query's whole time range is
// served by this process, with no remote partitions to fan out to. A real
// deployment replaces this with a client for whatever partition-topology
// service it runs; spec.md treats that lookup as an external collaborator.
type singleLocalPartition struct {
	node string
}

func (s singleLocalPartition) GetPartitions(_ context.Context, _ string, startMs, endMs int64) ([]multipartition.PartitionAssignment, error) {
	return []multipartition.PartitionAssignment{{Name: s.node, StartMs: startMs, EndMs: endMs}}, nil
}

func (s singleLocalPartition) GetAuthorizedPartitions(_ context.Context, startMs, endMs int64) ([]multipartition.PartitionAssignment, error) {
	return s.GetPartitions(context.Background(), "", startMs, endMs)
}
