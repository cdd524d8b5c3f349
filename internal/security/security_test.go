package security

import (
	"os/user"
	"testing"

	"github.com/stretchr/testify/require"
	"kernel.org/pub/linux/libs/security/libcap/cap"
)

func skipUnprivileged(t *testing.T) {
	t.Helper()

	// Get current user
	currentUser, err := user.Current()
	require.NoError(t, err)

	if currentUser.Uid != "0" {
		t.Skip("Skipping testing due to lack of privileges")
	}
}

func TestDropPrivilegesUnprivilegedNoOp(t *testing.T) {
	currentUser, err := user.Current()
	require.NoError(t, err)

	if currentUser.Uid == "0" {
		t.Skip("Skipping unprivileged no-op test when running as root")
	}

	// An unprivileged process with no capabilities has nothing to drop.
	value, err := cap.FromName("cap_ipc_lock")
	require.NoError(t, err)

	require.NoError(t, DropPrivileges([]cap.Value{value}))
}

func TestDropPrivilegesKeepsRequestedCap(t *testing.T) {
	skipUnprivileged(t)

	value, err := cap.FromName("cap_ipc_lock")
	require.NoError(t, err)

	require.NoError(t, DropPrivileges([]cap.Value{value}))

	// Only the requested capability survives, in the permitted set.
	kept, err := cap.GetProc().GetFlag(cap.Permitted, value)
	require.NoError(t, err)
	require.True(t, kept)

	effective, err := cap.GetProc().GetFlag(cap.Effective, value)
	require.NoError(t, err)
	require.False(t, effective)
}

func TestDropCapabilities(t *testing.T) {
	skipUnprivileged(t)

	require.NoError(t, DropCapabilities())

	isEmpty, err := cap.GetProc().Cf(cap.NewSet())
	require.NoError(t, err)
	require.EqualValues(t, 0, isEmpty)
}
