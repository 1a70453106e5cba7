// Package log persists the attribution activity feed as compressed JSONL,
// one file per UTC day. The in-memory activity list stays authoritative; the
// archive is the durable copy operators grep later.
package log

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"

	"canvaswatch.app/internal/attribution"
)

type ActivityArchive struct {
	dir string

	mu     sync.Mutex
	curDay string
	f      *os.File
	enc    *zstd.Encoder
	w      *bufio.Writer
}

func NewActivityArchive(dataDir string) *ActivityArchive {
	return &ActivityArchive{dir: filepath.Join(dataDir, "activity")}
}

// WriteRecord appends one attribution record to the current day's file,
// rotating when the UTC day changes.
func (a *ActivityArchive) WriteRecord(rec attribution.ActivityRecord) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	day := time.Now().UTC().Format("2006-01-02")
	if day != a.curDay {
		if err := a.rotateLocked(day); err != nil {
			return err
		}
	}

	b, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	if _, err := a.w.Write(b); err != nil {
		return err
	}
	if err := a.w.WriteByte('\n'); err != nil {
		return err
	}
	return a.w.Flush()
}

func (a *ActivityArchive) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.closeLocked()
}

func (a *ActivityArchive) rotateLocked(day string) error {
	if err := a.closeLocked(); err != nil {
		return err
	}
	if err := os.MkdirAll(a.dir, 0o755); err != nil {
		return err
	}
	path := filepath.Join(a.dir, fmt.Sprintf("activity-%s.jsonl.zst", day))
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	enc, err := zstd.NewWriter(f, zstd.WithEncoderLevel(zstd.SpeedFastest))
	if err != nil {
		_ = f.Close()
		return err
	}
	a.f = f
	a.enc = enc
	a.w = bufio.NewWriterSize(enc, 64*1024)
	a.curDay = day
	return nil
}

func (a *ActivityArchive) closeLocked() error {
	var encErr error
	if a.w != nil {
		_ = a.w.Flush()
	}
	if a.enc != nil {
		encErr = a.enc.Close()
		a.enc = nil
	}
	if a.f != nil {
		_ = a.f.Close()
		a.f = nil
	}
	a.w = nil
	return encErr
}
