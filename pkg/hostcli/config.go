package hostcli

import (
	"errors"
	"fmt"
)

// Custom errors.
var (
	ErrBadPoolGeometry = errors.New("page size, MR size and pool size must all be positive")
	ErrBadQPPoolSize   = errors.New("queue pair pool size must be positive")
)

// HostAppConfig contains the configuration of the uview_host app. Values
// given on the command line take precedence over values read from the file.
type HostAppConfig struct {
	Host HostConfig `yaml:"uview_host"`
}

// HostConfig contains the host agent configuration.
type HostConfig struct {
	RDMA     RDMAConfig     `yaml:"rdma"`
	MemPlane MemPlaneConfig `yaml:"memplane"`
}

// RDMAConfig contains the RDMA fabric configuration of the host agent.
type RDMAConfig struct {
	Device     string `yaml:"device"`
	Port       int    `yaml:"port"`
	GIDIndex   int    `yaml:"gid_index"`
	QPPoolSize int    `yaml:"qp_pool_size"`
}

// MemPlaneConfig contains the shared memory pool configuration.
type MemPlaneConfig struct {
	ShmName  string `yaml:"shm_name"`
	PageSize int    `yaml:"page_size"`
	MRSize   int    `yaml:"mr_size"`
	PoolSize int    `yaml:"pool_size"`
}

// SetDirectory joins any relative file paths with dir. The host config
// carries no file-path fields today; the method exists so this config
// behaves like the other YAML config types.
func (c *HostAppConfig) SetDirectory(_ string) {}

// Validate validates the host config to check the memory pool geometry is
// usable before any page gets allocated.
func (c *HostAppConfig) Validate() error {
	mp := c.Host.MemPlane
	if mp.PageSize <= 0 || mp.MRSize <= 0 || mp.PoolSize <= 0 {
		return ErrBadPoolGeometry
	}

	if mp.MRSize%mp.PageSize != 0 {
		return fmt.Errorf("MR size %d is not a multiple of page size %d", mp.MRSize, mp.PageSize)
	}

	if c.Host.RDMA.QPPoolSize <= 0 {
		return ErrBadQPPoolSize
	}

	return nil
}

// UnmarshalYAML implements the yaml.Unmarshaler interface.
func (c *HostAppConfig) UnmarshalYAML(unmarshal func(interface{}) error) error {
	// Set a default config
	*c = HostAppConfig{
		HostConfig{
			RDMA: RDMAConfig{
				Device:     "mlx5_0",
				Port:       1,
				GIDIndex:   0,
				QPPoolSize: 4,
			},
			MemPlane: MemPlaneConfig{
				ShmName:  "uview-metrics",
				PageSize: 4096,
				MRSize:   1048576,
				PoolSize: 4,
			},
		},
	}

	type plain HostAppConfig

	if err := unmarshal((*plain)(c)); err != nil {
		return err
	}

	return c.Validate()
}
