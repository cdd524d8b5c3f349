package osexec

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExecute(t *testing.T) {
	// Test successful command execution
	out, err := Execute(
		"bash",
		[]string{"-c", "echo ${VAR1} ${VAR2}"},
		[]string{"VAR1=1", "VAR2=2"},
	)
	require.NoError(t, err)

	assert.Equal(t, "1 2", strings.TrimSpace(string(out)))

	// Test failed command execution
	_, err = Execute("exit", []string{"1"}, nil)
	require.Error(t, err)
}

func TestExecuteContext(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err := ExecuteContext(ctx, "sleep", []string{"300"}, nil)
	require.Error(t, err)
}

func TestExecuteWithTimeout(t *testing.T) {
	_, err := ExecuteWithTimeout("sleep", []string{"5"}, 2, nil)
	require.Error(t, err, "expected command timeout")
}
