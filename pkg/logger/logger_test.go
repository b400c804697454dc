package logger

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewWritesRotatedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dispatch.log")

	lg, err := New("production", FileOptions{Path: path, MaxSizeMB: 1})
	require.NoError(t, err)

	lg.Info("batch finished")
	lg.Sync()

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Contains(t, string(data), `"msg":"batch finished"`)
}

func TestWithContextWithoutSpanReturnsSameLogger(t *testing.T) {
	lg := NewNop()
	require.Same(t, lg, lg.WithContext(context.Background()))
}
