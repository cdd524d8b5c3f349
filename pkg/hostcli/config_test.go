package hostcli

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alessandrocornacchia/uview/internal/common"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "config.yml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	return path
}

func TestHostConfigDefaultsApplied(t *testing.T) {
	// A file that only overrides one field keeps the defaults for the rest.
	path := writeConfig(t, `---
uview_host:
  rdma:
    device: mlx5_2
`)

	cfg, err := common.MakeConfig[HostAppConfig](path)
	require.NoError(t, err)

	assert.Equal(t, "mlx5_2", cfg.Host.RDMA.Device)
	assert.Equal(t, 1, cfg.Host.RDMA.Port)
	assert.Equal(t, 4, cfg.Host.RDMA.QPPoolSize)
	assert.Equal(t, "uview-metrics", cfg.Host.MemPlane.ShmName)
	assert.Equal(t, 4096, cfg.Host.MemPlane.PageSize)
	assert.Equal(t, 1048576, cfg.Host.MemPlane.MRSize)
}

func TestHostConfigRejectsMisalignedMRSize(t *testing.T) {
	path := writeConfig(t, `---
uview_host:
  memplane:
    page_size: 100
    mr_size: 250
`)

	_, err := common.MakeConfig[HostAppConfig](path)
	require.Error(t, err)
}

func TestHostConfigRejectsBadQPPoolSize(t *testing.T) {
	path := writeConfig(t, `---
uview_host:
  rdma:
    qp_pool_size: -1
`)

	_, err := common.MakeConfig[HostAppConfig](path)
	require.ErrorIs(t, err, ErrBadQPPoolSize)
}
