// Package collectorcli implements the uview_collector command: the process
// that connects to a remote host agent's control API, partitions the
// exported memory regions across LMAP scrape goroutines, and exposes their
// classified metrics for Prometheus scraping.
package collectorcli

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/alecthomas/kingpin/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/prometheus/common/promslog"
	"github.com/prometheus/common/promslog/flag"
	"github.com/prometheus/common/version"

	"github.com/alessandrocornacchia/uview/internal/common"
	"github.com/alessandrocornacchia/uview/pkg/classifier"
	"github.com/alessandrocornacchia/uview/pkg/controlclient"
	"github.com/alessandrocornacchia/uview/pkg/hostapi"
	"github.com/alessandrocornacchia/uview/pkg/lmap"
	"github.com/alessandrocornacchia/uview/pkg/rdmafabric"
	"github.com/alessandrocornacchia/uview/pkg/rdmareader"
)

// AppName is the kingpin application name.
const AppName = "uview_collector"

// App is the kingpin CLI app.
var App = *kingpin.New(AppName, "Collector that reads pod metrics off a remote uview host via one-sided RDMA.")

// CollectorApp wraps the kingpin application.
type CollectorApp struct {
	appName string
	App     kingpin.Application
}

// NewCollectorApp returns a new CollectorApp instance.
func NewCollectorApp() (*CollectorApp, error) {
	return &CollectorApp{appName: AppName, App: App}, nil
}

// classifierKindByName maps the --classifier.model flag value to a
// classifier.Kind.
func classifierKindByName(name string) (classifier.Kind, error) {
	switch name {
	case "threshold", "":
		return classifier.Threshold, nil
	case "subspace":
		return classifier.Subspace, nil
	case "vae":
		return classifier.VAE, nil
	default:
		return 0, fmt.Errorf("collectorcli: unknown classifier model %q", name)
	}
}

func toLMAPControlInfo(pages []controlclient.PageDescriptor) []hostapi.PageDescriptor {
	out := make([]hostapi.PageDescriptor, len(pages))
	for i, p := range pages {
		out[i] = hostapi.PageDescriptor{PodID: p.PodID, NumMetrics: p.NumMetrics, PageSizeBytes: p.PageSizeBytes}
	}

	return out
}

// Main is the entry point of the uview_collector command.
func (a *CollectorApp) Main() error {
	var (
		configFile                           string
		controlPlaneURL                      string
		scrapeInterval                       time.Duration
		lmapCount                            int
		lmapCPUPinning                       []int
		classifierModel                      string
		statsDir                             string
		rdmaDevice                           string
		rdmaPort, rdmaGIDIndex, rdmaPoolSize int
		webListenAddress                     string
	)

	// Tracks which flags were given explicitly: those win over values read
	// from the YAML config file.
	var (
		controlPlaneURLSet, scrapeIntervalSet, lmapCountSet          bool
		lmapCPUPinningSet, classifierModelSet, statsDirSet           bool
		rdmaDeviceSet, rdmaPortSet, rdmaGIDIndexSet, rdmaPoolSizeSet bool
	)

	a.App.Flag("config.file", "Path to YAML configuration file. CLI flags override file values.").
		Envar("UVIEW_COLLECTOR_CONFIG_FILE").Default("").StringVar(&configFile)

	a.App.Flag("control-plane.url", "Base URL of the remote host agent's control API.").
		Default("http://localhost:9401").IsSetByUser(&controlPlaneURLSet).StringVar(&controlPlaneURL)
	a.App.Flag("scrape.interval", "Interval between RDMA scrapes of the remote host.").
		Default("5s").IsSetByUser(&scrapeIntervalSet).DurationVar(&scrapeInterval)
	a.App.Flag("lmap.count", "Number of LMAP scrape goroutines to partition memory regions across.").
		Default("1").IsSetByUser(&lmapCountSet).IntVar(&lmapCount)
	a.App.Flag("lmap.cpu-pinning", "CPU core to pin each LMAP to, by index; repeat once per LMAP. Omit to disable pinning.").
		IsSetByUser(&lmapCPUPinningSet).IntsVar(&lmapCPUPinning)
	a.App.Flag("lmap.stats-dir", "Directory to dump per-LMAP scrape statistics CSVs into on shutdown. Empty disables the dump.").
		Default("").IsSetByUser(&statsDirSet).StringVar(&statsDir)
	a.App.Flag("classifier.model", "Anomaly classifier to run per pod: threshold, subspace, or vae.").
		Default("threshold").IsSetByUser(&classifierModelSet).StringVar(&classifierModel)

	a.App.Flag("rdma.device", "RDMA device name to bind to.").
		Default("mlx5_0").IsSetByUser(&rdmaDeviceSet).StringVar(&rdmaDevice)
	a.App.Flag("rdma.port", "RDMA device port.").Default("1").IsSetByUser(&rdmaPortSet).IntVar(&rdmaPort)
	a.App.Flag("rdma.gid-index", "GID table index to advertise for this device.").
		Default("0").IsSetByUser(&rdmaGIDIndexSet).IntVar(&rdmaGIDIndex)
	a.App.Flag("rdma.qp-pool-size", "Number of local queue pairs to create; must match lmap.count.").
		Default("1").IsSetByUser(&rdmaPoolSizeSet).IntVar(&rdmaPoolSize)

	a.App.Flag("web.listen-address", "Address on which to expose the debug metrics registry.").
		Default(":9402").StringVar(&webListenAddress)

	promslogConfig := &promslog.Config{}
	flag.AddFlags(&a.App, promslogConfig)
	a.App.Version(version.Print(a.appName))
	a.App.UsageWriter(os.Stdout)
	a.App.HelpFlag.Short('h')

	if _, err := a.App.Parse(os.Args[1:]); err != nil {
		return fmt.Errorf("collectorcli: failed to parse CLI flags: %w", err)
	}

	logger := promslog.New(promslogConfig)
	logger.Info("starting "+a.appName, "version", version.Info())

	if configFile != "" {
		cfg, err := common.MakeConfig[CollectorAppConfig](configFile)
		if err != nil {
			return fmt.Errorf("collectorcli: reading config file: %w", err)
		}

		cfg.SetDirectory(filepath.Dir(configFile))

		// CLI flags win over file values.
		if !controlPlaneURLSet && cfg.Collector.ControlPlaneURL != "" {
			controlPlaneURL = cfg.Collector.ControlPlaneURL
		}

		if !scrapeIntervalSet && cfg.Collector.ScrapeInterval != 0 {
			scrapeInterval = time.Duration(cfg.Collector.ScrapeInterval)
		}

		if !lmapCountSet && cfg.Collector.LMAPs.Count != 0 {
			lmapCount = cfg.Collector.LMAPs.Count
		}

		if !lmapCPUPinningSet && len(cfg.Collector.LMAPs.CPUPinning) > 0 {
			lmapCPUPinning = cfg.Collector.LMAPs.CPUPinning
		}

		if !statsDirSet && cfg.Collector.LMAPs.StatsDir != "" {
			statsDir = cfg.Collector.LMAPs.StatsDir
		}

		if !classifierModelSet && cfg.Collector.Classifier.Model != "" {
			classifierModel = cfg.Collector.Classifier.Model
		}

		if !rdmaDeviceSet && cfg.Collector.RDMA.Device != "" {
			rdmaDevice = cfg.Collector.RDMA.Device
		}

		if !rdmaPortSet && cfg.Collector.RDMA.Port != 0 {
			rdmaPort = cfg.Collector.RDMA.Port
		}

		if !rdmaGIDIndexSet && cfg.Collector.RDMA.GIDIndex != 0 {
			rdmaGIDIndex = cfg.Collector.RDMA.GIDIndex
		}

		if !rdmaPoolSizeSet && cfg.Collector.RDMA.QPPoolSize != 0 {
			rdmaPoolSize = cfg.Collector.RDMA.QPPoolSize
		}

		logger.Info("configuration loaded", "path", configFile)
	}

	logger.Debug("RDMA device configured", "device", rdmaDevice, "port", rdmaPort, "gid_index", rdmaGIDIndex)

	kind, err := classifierKindByName(classifierModel)
	if err != nil {
		return err
	}

	// A stable collector identity lets scrapes from restarts of the same
	// process slot be correlated; LMAP ids derive from it by index.
	hostname, err := os.Hostname()
	if err != nil {
		return fmt.Errorf("collectorcli: resolving hostname: %w", err)
	}

	collectorID, err := common.GetUUIDFromString([]string{hostname, strconv.Itoa(os.Getpid())})
	if err != nil {
		return fmt.Errorf("collectorcli: generating collector id: %w", err)
	}

	logger.Info("collector identity", "collector_id", collectorID)

	if rdmaPoolSize != lmapCount {
		logger.Warn("rdma.qp-pool-size does not match lmap.count, clamping to lmap.count", "pool_size", rdmaPoolSize, "lmap_count", lmapCount)
		rdmaPoolSize = lmapCount
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	dc, err := rdmafabric.NewDeviceContext(rdmaDevice, rdmaPort)
	if err != nil {
		return fmt.Errorf("collectorcli: opening RDMA device: %w", err)
	}

	if err := rdmafabric.ProbeDevice(ctx, rdmaDevice); err != nil {
		logger.Debug("ibv_devinfo probe failed, continuing on the simulated fabric", "err", err)
	}

	pd, err := rdmafabric.NewProtectionDomain(dc)
	if err != nil {
		return fmt.Errorf("collectorcli: registering protection domain: %w", err)
	}

	cq := rdmafabric.NewCompletionQueue(rdmaPoolSize)

	qps, err := rdmafabric.NewQueuePairPool(dc, pd, cq, rdmaPoolSize)
	if err != nil {
		return fmt.Errorf("collectorcli: creating queue pair pool: %w", err)
	}

	client := controlclient.NewClient(controlPlaneURL)

	remoteMRs, err := client.Connect(ctx, qps)
	if err != nil {
		return fmt.Errorf("collectorcli: connecting to control plane: %w", err)
	}

	layout, err := client.MemoryLayout(ctx)
	if err != nil {
		return fmt.Errorf("collectorcli: fetching memory layout: %w", err)
	}

	if len(layout) != len(remoteMRs) {
		return fmt.Errorf("collectorcli: control region reports %d memory regions, host exported %d", len(layout), len(remoteMRs))
	}

	// Memory regions with no allocated pages carry nothing worth scraping.
	activeIdx := make([]int, 0, len(remoteMRs))

	for i := range remoteMRs {
		if len(layout[i]) == 0 {
			logger.Debug("skipping empty memory region", "mr", i)

			continue
		}

		activeIdx = append(activeIdx, i)
	}

	if len(activeIdx) == 0 {
		return fmt.Errorf("collectorcli: no active memory regions to scrape")
	}

	partitions := lmap.PartitionMRs(activeIdx, lmapCount)

	registry := prometheus.NewRegistry()

	lmaps := make([]*lmap.LMAP, 0, len(partitions))

	for i, part := range partitions {
		qp := qps.QueuePairs()[i]

		partMRs := make([]rdmafabric.RemoteMRDescriptor, len(part))
		controlInfo := make([][]hostapi.PageDescriptor, len(part))

		for j, mrIdx := range part {
			partMRs[j] = remoteMRs[mrIdx]
			controlInfo[j] = toLMAPControlInfo(layout[mrIdx])
		}

		reader, err := rdmareader.NewReader(pd, qp, cq, partMRs)
		if err != nil {
			return fmt.Errorf("collectorcli: building RDMA reader for lmap %d: %w", i, err)
		}

		id := fmt.Sprintf("%.8s_lmap%d", collectorID, i)

		l := lmap.NewLMAP(id, controlInfo, reader, scrapeInterval)

		if err := l.SetClassifier(kind, classifier.Options{}); err != nil {
			return fmt.Errorf("collectorcli: configuring classifier for lmap %d: %w", i, err)
		}

		registry.MustRegister(lmap.NewExportCollector(l))

		lmaps = append(lmaps, l)
	}

	for i, l := range lmaps {
		var core *int

		if i < len(lmapCPUPinning) {
			core = &lmapCPUPinning[i]
		}

		go l.Run(ctx, core)
	}

	mux := http.NewServeMux()
	mux.Handle("/debug/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))

	server := &http.Server{
		Addr:              webListenAddress,
		Handler:           mux,
		ReadHeaderTimeout: 2 * time.Second,
	}

	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("debug metrics server exited", "err", err)
		}
	}()

	<-ctx.Done()
	stop()

	logger.Info("shutting down gracefully, press Ctrl+C again to force")

	for _, l := range lmaps {
		stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)

		if err := l.Stop(stopCtx); err != nil {
			logger.Error("lmap did not stop cleanly", "lmap", l.ID, "err", err)
		}

		cancel()

		if statsDir != "" {
			path := filepath.Join(statsDir, l.ID+".csv")

			if err := l.DumpCSV(path); err != nil {
				logger.Error("failed to dump lmap statistics", "lmap", l.ID, "err", err)
			}
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("failed to gracefully shut down debug metrics server", "err", err)
	}

	return nil
}
