package collectorcli

import (
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/common/model"
)

// Custom errors.
var (
	ErrBadLMAPCount   = errors.New("LMAP count must be positive")
	ErrBadQPPoolSize  = errors.New("queue pair pool size must be positive")
	ErrMissingCPURL   = errors.New("control plane URL must not be empty")
	ErrUnknownModel   = errors.New("unknown classifier model")
	ErrNegativeScrape = errors.New("scrape interval must not be negative")
)

// CollectorAppConfig contains the configuration of the uview_collector app.
// Values given on the command line take precedence over values read from the
// file.
type CollectorAppConfig struct {
	Collector CollectorConfig `yaml:"uview_collector"`
}

// CollectorConfig contains the collector configuration.
type CollectorConfig struct {
	ControlPlaneURL string           `yaml:"control_plane_url"`
	ScrapeInterval  model.Duration   `yaml:"scrape_interval"`
	RDMA            RDMAConfig       `yaml:"rdma"`
	LMAPs           LMAPConfig       `yaml:"lmaps"`
	Classifier      ClassifierConfig `yaml:"classifier"`
}

// RDMAConfig contains the RDMA fabric configuration of the collector.
type RDMAConfig struct {
	Device     string `yaml:"device"`
	Port       int    `yaml:"port"`
	GIDIndex   int    `yaml:"gid_index"`
	QPPoolSize int    `yaml:"qp_pool_size"`
}

// LMAPConfig contains the LMAP scheduler configuration.
type LMAPConfig struct {
	Count      int    `yaml:"count"`
	CPUPinning []int  `yaml:"cpu_pinning"`
	StatsDir   string `yaml:"stats_dir"`
}

// ClassifierConfig selects the anomaly classifier every LMAP runs.
type ClassifierConfig struct {
	Model string `yaml:"model"`
}

// SetDirectory joins any relative file paths with dir. The collector config
// carries no file-path fields today; the method exists so this config
// behaves like the other YAML config types.
func (c *CollectorAppConfig) SetDirectory(_ string) {}

// Validate validates the collector config, surfacing configuration errors
// before any fabric or control plane resource is touched.
func (c *CollectorAppConfig) Validate() error {
	if c.Collector.ControlPlaneURL == "" {
		return ErrMissingCPURL
	}

	if c.Collector.ScrapeInterval < 0 {
		return ErrNegativeScrape
	}

	if c.Collector.LMAPs.Count <= 0 {
		return ErrBadLMAPCount
	}

	if c.Collector.RDMA.QPPoolSize <= 0 {
		return ErrBadQPPoolSize
	}

	switch c.Collector.Classifier.Model {
	case "threshold", "subspace", "vae":
	default:
		return fmt.Errorf("%w: %q", ErrUnknownModel, c.Collector.Classifier.Model)
	}

	return nil
}

// UnmarshalYAML implements the yaml.Unmarshaler interface.
func (c *CollectorAppConfig) UnmarshalYAML(unmarshal func(interface{}) error) error {
	// Set a default config
	*c = CollectorAppConfig{
		CollectorConfig{
			ControlPlaneURL: "http://localhost:9401",
			ScrapeInterval:  model.Duration(5 * time.Second),
			RDMA: RDMAConfig{
				Device:     "mlx5_0",
				Port:       1,
				GIDIndex:   0,
				QPPoolSize: 1,
			},
			LMAPs: LMAPConfig{
				Count: 1,
			},
			Classifier: ClassifierConfig{
				Model: "threshold",
			},
		},
	}

	type plain CollectorAppConfig

	if err := unmarshal((*plain)(c)); err != nil {
		return err
	}

	return c.Validate()
}
