package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"beacon/internal/config"
	"beacon/internal/logger"
	"beacon/internal/mapping"
	"beacon/internal/metrics"
	"beacon/internal/monitor"
	"beacon/internal/netstatus"
	"beacon/internal/queue"
	"beacon/internal/reporter"
	"beacon/internal/storage"

	httpclient "beacon/internal/http"
)

// probeTimeout bounds the connectivity probe run for --connection auto.
const probeTimeout = 2 * time.Second

// store is a queue backend that holds open resources.
type store interface {
	queue.Backend
	io.Closer
}

// pipeline is the wiring shared by the commands that capture or send
// beacons.
type pipeline struct {
	cfg      config.Config
	log      *zap.Logger
	backend  store
	queue    *queue.Queue
	registry *prometheus.Registry
	metrics  *metrics.Metrics
	reporter *reporter.Reporter
	monitor  *monitor.HTTPMonitor
	client   *httpclient.Client

	printMetrics bool
}

// loadConfig reads the config file and applies the global flags.
func loadConfig(cmd *cobra.Command) (config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	if path == "" {
		if home, err := os.UserHomeDir(); err == nil {
			path = filepath.Join(home, ".beacon", "config.yaml")
		}
	}

	cfg, err := config.Load(path)
	if err != nil {
		return config.Config{}, err
	}
	if dir, _ := cmd.Flags().GetString("data-dir"); dir != "" {
		cfg.DataDir = dir
	}
	if verbose, _ := cmd.Flags().GetBool("verbose"); verbose {
		cfg.Log.Level = "DEBUG"
	}
	return cfg, nil
}

// openStore opens the queue backend selected by cfg.Storage.
func openStore(cfg config.Config) (store, error) {
	switch cfg.Storage {
	case config.StorageJournal:
		return storage.NewJournalStorage(cfg.DataDir)
	default:
		return storage.NewStorage(cfg.DataDir)
	}
}

// openQueue opens the durable queue without starting a reporter.
func openQueue(cmd *cobra.Command) (*queue.Queue, store, *zap.Logger, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, nil, nil, err
	}
	log := logger.New(cfg.Log.Level, cfg.Log.Format)

	backend, err := openStore(cfg)
	if err != nil {
		return nil, nil, log, fmt.Errorf("failed to open storage: %w", err)
	}
	q, err := queue.Open(backend, log.Sugar().Named("queue"))
	if err != nil {
		backend.Close()
		return nil, nil, log, err
	}
	return q, backend, log, nil
}

// openPipeline wires storage, queue, reporter and the instrumented
// client. viewName is attached to every tracked call.
func openPipeline(ctx context.Context, cmd *cobra.Command, viewName string) (*pipeline, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	log := logger.New(cfg.Log.Level, cfg.Log.Format)
	sugar := log.Sugar()

	connectivity, err := connectivitySensor(ctx, cmd, cfg)
	if err != nil {
		return nil, err
	}
	power, err := powerSensor(cmd)
	if err != nil {
		return nil, err
	}

	backend, err := openStore(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to open storage: %w", err)
	}
	q, err := queue.Open(backend, sugar.Named("queue"))
	if err != nil {
		backend.Close()
		return nil, err
	}

	registry := prometheus.NewRegistry()
	m := metrics.New(registry)
	client := httpclient.NewClient(httpclient.WithLogger(sugar.Named("http")))

	rep := reporter.New(cfg, q, mapping.NewMapper(cfg.Key), client, reporter.Options{
		Connectivity: connectivity,
		Power:        power,
		Logger:       sugar.Named("reporter"),
		Metrics:      m,
	})

	p := &pipeline{
		cfg:      cfg,
		log:      log,
		backend:  backend,
		queue:    q,
		registry: registry,
		metrics:  m,
		reporter: rep,
	}
	p.printMetrics, _ = cmd.Flags().GetBool("metrics")
	p.monitor = monitor.NewHTTPMonitor(uuid.New(), nil, p.submit)
	p.client = httpclient.NewClient(
		httpclient.WithMonitor(p.monitor, viewName),
		httpclient.WithLogger(sugar.Named("http")),
	)
	return p, nil
}

// submit is the monitor delegate: every terminal marker becomes a
// queued beacon.
func (p *pipeline) submit(m *monitor.Marker) {
	b := m.Beacon()
	if err := p.reporter.Submit(b); err != nil {
		p.log.Sugar().Warnf("Beacon for %s %s not queued: %v", b.Method, b.Path, err)
	}
}

// flush waits for one flush attempt that includes everything queued so
// far.
func (p *pipeline) flush(ctx context.Context, timeout time.Duration) (reporter.Result, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return p.reporter.FlushAndWait(ctx)
}

func (p *pipeline) Close() {
	if err := p.reporter.Close(); err != nil {
		p.log.Sugar().Warnf("Failed to stop reporter: %v", err)
	}
	p.log.Sugar().Debugf("Sent %.0f beacons, %d still queued", p.metrics.Sent(), p.queue.Len())
	if err := p.backend.Close(); err != nil {
		p.log.Sugar().Warnf("Failed to close storage: %v", err)
	}
	if p.printMetrics {
		if err := writeMetrics(os.Stderr, p.registry); err != nil {
			p.log.Sugar().Warnf("Failed to write metrics: %v", err)
		}
	}
	_ = p.log.Sync()
}

// writeMetrics dumps every registered metric in the text exposition
// format.
func writeMetrics(w io.Writer, g prometheus.Gatherer) error {
	families, err := g.Gather()
	if err != nil {
		return err
	}
	enc := expfmt.NewEncoder(w, expfmt.NewFormat(expfmt.TypeTextPlain))
	for _, mf := range families {
		if err := enc.Encode(mf); err != nil {
			return err
		}
	}
	return nil
}

// connectivitySensor maps --connection to a sensor. "auto" probes the
// collector once.
func connectivitySensor(ctx context.Context, cmd *cobra.Command, cfg config.Config) (netstatus.ConnectivitySensor, error) {
	raw, _ := cmd.Flags().GetString("connection")
	if strings.EqualFold(raw, "auto") {
		return netstatus.NewStatic(netstatus.DialProbe(ctx, cfg.ReportingURL, probeTimeout)), nil
	}
	c, err := netstatus.ParseConnectionType(raw)
	if err != nil {
		return nil, err
	}
	return netstatus.NewStatic(c), nil
}

// powerSensor maps --battery to a sensor. "auto" reads sysfs.
func powerSensor(cmd *cobra.Command) (netstatus.PowerSensor, error) {
	raw, _ := cmd.Flags().GetString("battery")
	switch strings.ToLower(raw) {
	case "auto":
		return netstatus.DefaultSysfsBattery(), nil
	case "ok":
		return netstatus.AlwaysSafe, nil
	case "low":
		return netstatus.PowerFunc(func() bool { return false }), nil
	default:
		return nil, fmt.Errorf("invalid --battery %q (want auto, ok or low)", raw)
	}
}
