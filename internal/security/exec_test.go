package security

import (
	"fmt"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"kernel.org/pub/linux/libs/security/libcap/cap"
)

var noOpLogger = slog.New(slog.DiscardHandler)

type testData struct {
	ran bool
}

func testFunc(d any) error {
	data, ok := d.(*testData)
	if !ok {
		return fmt.Errorf("cannot be asserted: %v", d)
	}

	data.ran = true

	return nil
}

func TestNewSecurityContextExecNatively(t *testing.T) {
	s, err := NewSecurityContext(&SCConfig{
		Name:         "mlock-test",
		Func:         testFunc,
		Logger:       noOpLogger,
		ExecNatively: true,
	})
	require.NoError(t, err)

	d := &testData{}
	require.NoError(t, s.Exec(d))
	assert.True(t, d.ran)
}

func TestNewSecurityContextWithCaps(t *testing.T) {
	value, err := cap.FromName("cap_ipc_lock")
	require.NoError(t, err)

	s, err := NewSecurityContext(&SCConfig{
		Name:   "mlock",
		Func:   testFunc,
		Logger: noOpLogger,
		Caps:   []cap.Value{value},
	})
	require.NoError(t, err)
	assert.Equal(t, "mlock", s.Name)

	d := &testData{}
	// Exec still runs the function even when raising/dropping the
	// capability fails for lack of privilege; only the capability bracket
	// around it is best-effort (see raiseCaps/dropCaps).
	err = s.Exec(d)
	require.NoError(t, err)
	assert.True(t, d.ran)
}

func TestSecurityContextDataAssertionError(t *testing.T) {
	s, err := NewSecurityContext(&SCConfig{
		Name:         "bad-data",
		Func:         testFunc,
		Logger:       noOpLogger,
		ExecNatively: true,
	})
	require.NoError(t, err)

	err = s.Exec("not-a-*testData")
	assert.Error(t, err)
}
