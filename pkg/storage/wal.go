package storage

import (
	"fmt"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/uhyunpark/hypershard/pkg/types"
)

// EventLog is a human-readable append-only trail of consensus events
// (proposals, votes, commits). It is not replayed; Store is the source of
// truth.
type EventLog interface {
	Append(event string, height types.Height, id types.BlockID)
}

type NopWAL struct{}

func NewNopWAL() *NopWAL                                           { return &NopWAL{} }
func (w *NopWAL) Append(_ string, _ types.Height, _ types.BlockID) {}

type FileWAL struct {
	mu  sync.Mutex
	f   *os.File
	log *zap.SugaredLogger
}

// NewFileWAL appends to path. Failed writes are reported to log at debug
// level and otherwise ignored. A nil log discards them.
func NewFileWAL(path string, log *zap.SugaredLogger) (*FileWAL, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, err
	}
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &FileWAL{f: f, log: log}, nil
}

func (w *FileWAL) Append(event string, height types.Height, id types.BlockID) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, err := fmt.Fprintf(w.f, "%s %s height=%d block=%s\n", time.Now().UTC().Format(time.RFC3339Nano), event, height, id); err != nil {
		w.log.Debugw("event_log_write_failed", "event", event, "height", height, "err", err)
	}
}

func (w *FileWAL) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.f.Close()
}

var _ EventLog = (*NopWAL)(nil)
var _ EventLog = (*FileWAL)(nil)
