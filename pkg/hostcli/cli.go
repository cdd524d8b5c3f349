// Package hostcli implements the uview_host command: the agent that runs on
// the telemetry-producing node, owning the shared memory pool and the RDMA
// fabric bring-up, exposed to a remote collector through pkg/hostapi.
package hostcli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/alecthomas/kingpin/v2"
	"github.com/prometheus/common/promslog"
	"github.com/prometheus/common/promslog/flag"
	"github.com/prometheus/common/version"

	"kernel.org/pub/linux/libs/security/libcap/cap"

	"github.com/alessandrocornacchia/uview/internal/common"
	internalruntime "github.com/alessandrocornacchia/uview/internal/runtime"
	"github.com/alessandrocornacchia/uview/internal/security"
	"github.com/alessandrocornacchia/uview/pkg/hostapi"
	"github.com/alessandrocornacchia/uview/pkg/memplane"
	"github.com/alessandrocornacchia/uview/pkg/rdmafabric"
)

// AppName is the kingpin application name.
const AppName = "uview_host"

// App is the kingpin CLI app.
var App = *kingpin.New(AppName, "Host agent exposing RDMA-accessible pod metrics to a remote uview collector.")

// HostApp wraps the kingpin application, matching the teacher CLI's
// App-wrapper-with-Main() shape.
type HostApp struct {
	appName string
	App     kingpin.Application
}

// NewHostApp returns a new HostApp instance.
func NewHostApp() (*HostApp, error) {
	return &HostApp{appName: AppName, App: App}, nil
}

// Main is the entry point of the uview_host command.
func (a *HostApp) Main() error {
	var (
		configFile                           string
		rdmaDevice                           string
		rdmaPort, rdmaGIDIndex, rdmaPoolSize int
		webListenAddresses                   []string
		webConfigFile                        string
		systemdSocket                        bool
		disableExporterMetrics               bool
		shmName                              string
		pageSize, mrSize, poolSize           int
	)

	// Tracks which flags were given explicitly: those win over values read
	// from the YAML config file.
	var (
		rdmaDeviceSet, rdmaPortSet, rdmaGIDIndexSet, rdmaPoolSizeSet bool
		shmNameSet, pageSizeSet, mrSizeSet, poolSizeSet              bool
	)

	a.App.Flag("config.file", "Path to YAML configuration file. CLI flags override file values.").
		Envar("UVIEW_HOST_CONFIG_FILE").Default("").StringVar(&configFile)

	a.App.Flag("rdma.device", "RDMA device name to bind to.").
		Default("mlx5_0").IsSetByUser(&rdmaDeviceSet).StringVar(&rdmaDevice)
	a.App.Flag("rdma.port", "RDMA device port.").Default("1").IsSetByUser(&rdmaPortSet).IntVar(&rdmaPort)
	a.App.Flag("rdma.gid-index", "GID table index to advertise for this device.").
		Default("0").IsSetByUser(&rdmaGIDIndexSet).IntVar(&rdmaGIDIndex)
	a.App.Flag("rdma.qp-pool-size", "Number of queue pairs to pre-create for collector connections.").
		Default("4").IsSetByUser(&rdmaPoolSizeSet).IntVar(&rdmaPoolSize)

	a.App.Flag("web.listen-address", "Addresses on which to expose the control API.").Default(":9401").StringsVar(&webListenAddresses)
	a.App.Flag("web.config.file", "Path to configuration file that can enable TLS or authentication.").
		Envar("UVIEW_HOST_WEB_CONFIG_FILE").Default("").StringVar(&webConfigFile)
	a.App.Flag("web.systemd-socket", "Use systemd socket activation listeners instead of port listeners (Linux only).").
		Default("false").BoolVar(&systemdSocket)
	a.App.Flag("web.disable-exporter-metrics", "Exclude metrics about the host agent itself (process_*, go_*).").
		BoolVar(&disableExporterMetrics)

	a.App.Flag("memplane.shm-name", "Name of the /dev/shm segment backing the metric pool.").
		Default("uview-metrics").IsSetByUser(&shmNameSet).StringVar(&shmName)
	a.App.Flag("memplane.page-size", "Size in bytes of one metric page.").
		Envar("UVIEW_PAGE_SIZE").Default("4096").IsSetByUser(&pageSizeSet).IntVar(&pageSize)
	a.App.Flag("memplane.mr-size", "Size in bytes of one RDMA memory region; must be a multiple of page-size.").
		Default("1048576").IsSetByUser(&mrSizeSet).IntVar(&mrSize)
	a.App.Flag("memplane.pool-size", "Number of RDMA memory regions to pre-allocate.").
		Default("4").IsSetByUser(&poolSizeSet).IntVar(&poolSize)

	promslogConfig := &promslog.Config{}
	flag.AddFlags(&a.App, promslogConfig)
	a.App.Version(version.Print(a.appName))
	a.App.UsageWriter(os.Stdout)
	a.App.HelpFlag.Short('h')

	if _, err := a.App.Parse(os.Args[1:]); err != nil {
		return fmt.Errorf("hostcli: failed to parse CLI flags: %w", err)
	}

	logger := promslog.New(promslogConfig)
	logger.Info("starting "+a.appName, "version", version.Info())
	logger.Debug("host details", "uname", internalruntime.Uname(), "fd_limits", internalruntime.FdLimits())

	if configFile != "" {
		cfg, err := common.MakeConfig[HostAppConfig](configFile)
		if err != nil {
			return fmt.Errorf("hostcli: reading config file: %w", err)
		}

		cfg.SetDirectory(filepath.Dir(configFile))

		// CLI flags win over file values.
		if !rdmaDeviceSet && cfg.Host.RDMA.Device != "" {
			rdmaDevice = cfg.Host.RDMA.Device
		}

		if !rdmaPortSet && cfg.Host.RDMA.Port != 0 {
			rdmaPort = cfg.Host.RDMA.Port
		}

		if !rdmaGIDIndexSet && cfg.Host.RDMA.GIDIndex != 0 {
			rdmaGIDIndex = cfg.Host.RDMA.GIDIndex
		}

		if !rdmaPoolSizeSet && cfg.Host.RDMA.QPPoolSize != 0 {
			rdmaPoolSize = cfg.Host.RDMA.QPPoolSize
		}

		if !shmNameSet && cfg.Host.MemPlane.ShmName != "" {
			shmName = cfg.Host.MemPlane.ShmName
		}

		if !pageSizeSet && cfg.Host.MemPlane.PageSize != 0 {
			pageSize = cfg.Host.MemPlane.PageSize
		}

		if !mrSizeSet && cfg.Host.MemPlane.MRSize != 0 {
			mrSize = cfg.Host.MemPlane.MRSize
		}

		if !poolSizeSet && cfg.Host.MemPlane.PoolSize != 0 {
			poolSize = cfg.Host.MemPlane.PoolSize
		}

		logger.Info("configuration loaded", "path", configFile)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := memplane.NewPool(memplane.PoolConfig{
		Name:     shmName,
		PageSize: pageSize,
		MRSize:   mrSize,
		NumMRs:   poolSize,
		Logger:   logger,
	})
	if err != nil {
		return fmt.Errorf("hostcli: creating memory pool: %w", err)
	}

	// The pool's mlock bracket is the only privileged operation left; shed
	// everything except CAP_IPC_LOCK before serving any request.
	if err := security.DropPrivileges([]cap.Value{cap.IPC_LOCK}); err != nil {
		logger.Warn("failed to drop privileges", "err", err)
	}

	dc, err := rdmafabric.NewDeviceContext(rdmaDevice, rdmaPort)
	if err != nil {
		return fmt.Errorf("hostcli: opening RDMA device: %w", err)
	}

	logger.Debug("RDMA device opened", "device", rdmaDevice, "port", rdmaPort, "gid_index", rdmaGIDIndex)

	if err := rdmafabric.ProbeDevice(ctx, rdmaDevice); err != nil {
		logger.Debug("ibv_devinfo probe failed, continuing on the simulated fabric", "err", err)
	}

	pd, err := rdmafabric.NewProtectionDomain(dc)
	if err != nil {
		return fmt.Errorf("hostcli: registering protection domain: %w", err)
	}

	cq := rdmafabric.NewCompletionQueue(rdmaPoolSize)

	qps, err := rdmafabric.NewQueuePairPool(dc, pd, cq, rdmaPoolSize)
	if err != nil {
		return fmt.Errorf("hostcli: creating queue pair pool: %w", err)
	}

	mrs, err := pool.RegisterAllMRs(pd)
	if err != nil {
		return fmt.Errorf("hostcli: registering memory regions: %w", err)
	}

	server, err := hostapi.NewServer(hostapi.Config{
		Logger: logger,
		Web: hostapi.WebConfig{
			Addresses:              webListenAddresses,
			WebSystemdSocket:       systemdSocket,
			WebConfigFile:          webConfigFile,
			IncludeExporterMetrics: !disableExporterMetrics,
		},
		Pool: pool,
		QPs:  qps,
		MRs:  mrs,
	})
	if err != nil {
		return fmt.Errorf("hostcli: creating control API server: %w", err)
	}

	go func() {
		if err := server.Start(); err != nil {
			logger.Error("control API server exited", "err", err)
		}
	}()

	<-ctx.Done()
	stop()

	logger.Info("shutting down gracefully, press Ctrl+C again to force")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("failed to gracefully shut down control API server", "err", err)
	}

	// Queue pairs hold no external resources beyond process memory; closing
	// the pool (munlock/munmap/unlink of the shm segment) is the only
	// teardown step that must run after the server stops serving requests.
	if err := pool.Close(); err != nil {
		logger.Error("failed to close memory pool", "err", err)
	}

	return nil
}
