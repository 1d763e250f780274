package storage_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/uhyunpark/hypershard/pkg/storage"
	"github.com/uhyunpark/hypershard/pkg/types"
)

func TestFileWALReportsFailedWrites(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	path := filepath.Join(t.TempDir(), "events.log")
	w, err := storage.NewFileWAL(path, zap.New(core).Sugar())
	require.NoError(t, err)

	w.Append("commit", 3, types.BlockID{1})
	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Contains(t, string(raw), "commit height=3 block=")
	require.Zero(t, logs.Len())

	require.NoError(t, w.Close())
	w.Append("commit", 4, types.BlockID{2})
	failed := logs.FilterMessage("event_log_write_failed").All()
	require.Len(t, failed, 1)
	require.Equal(t, zapcore.DebugLevel, failed[0].Level)
	require.EqualValues(t, 4, failed[0].ContextMap()["height"])
}
