package log

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"

	"claimcraft.ai/internal/claims/model"
	"claimcraft.ai/internal/claims/upkeep"
)

const hourLayout = "2006-01-02-15"

// JSONLZstdWriter appends JSON lines to hourly zstd files named
// <prefix>-YYYY-MM-DD-HH.jsonl.zst under baseDir. A record lands in the
// file of the hour it is stamped with, so a late record reopens its hour
// and appends a new zstd frame there.
type JSONLZstdWriter struct {
	baseDir string
	prefix  string
	retain  time.Duration
	now     func() time.Time

	mu      sync.Mutex
	curHour string
	f       *os.File
	enc     *zstd.Encoder
	w       *bufio.Writer
}

// NewJSONLZstdWriter keeps every hour when retain is zero; otherwise files
// older than retain are removed whenever the writer opens a new hour.
func NewJSONLZstdWriter(baseDir, prefix string, retain time.Duration) *JSONLZstdWriter {
	return &JSONLZstdWriter{
		baseDir: baseDir,
		prefix:  prefix,
		retain:  retain,
		now:     time.Now,
	}
}

func (w *JSONLZstdWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.closeLocked()
}

// Write files v under the current hour.
func (w *JSONLZstdWriter) Write(v any) error {
	return w.WriteAt(w.now(), v)
}

// WriteAt files v under the hour of at.
func (w *JSONLZstdWriter) WriteAt(at time.Time, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	hour := at.UTC().Format(hourLayout)
	if hour != w.curHour {
		if err := w.rotateLocked(hour); err != nil {
			return err
		}
		w.pruneLocked()
	}
	if _, err := w.w.Write(b); err != nil {
		return err
	}
	if err := w.w.WriteByte('\n'); err != nil {
		return err
	}
	return w.w.Flush()
}

func (w *JSONLZstdWriter) rotateLocked(hour string) error {
	if err := w.closeLocked(); err != nil {
		return err
	}
	if err := os.MkdirAll(w.baseDir, 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(w.pathForHour(hour), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	enc, err := zstd.NewWriter(f, zstd.WithEncoderLevel(zstd.SpeedFastest))
	if err != nil {
		_ = f.Close()
		return err
	}
	w.f = f
	w.enc = enc
	w.w = bufio.NewWriterSize(enc, 32*1024)
	w.curHour = hour
	return nil
}

// pruneLocked removes hour files older than the retention window, measured
// from the wall clock. The open hour is never removed.
func (w *JSONLZstdWriter) pruneLocked() {
	if w.retain <= 0 {
		return
	}
	ents, err := os.ReadDir(w.baseDir)
	if err != nil {
		return
	}
	cutoff := w.now().UTC().Add(-w.retain)
	for _, e := range ents {
		hour, ok := w.hourOf(e.Name())
		if !ok || hour == w.curHour {
			continue
		}
		t, err := time.Parse(hourLayout, hour)
		if err != nil {
			continue
		}
		// An hour file is stale once its last instant is past the cutoff.
		if t.Add(time.Hour).Before(cutoff) {
			_ = os.Remove(filepath.Join(w.baseDir, e.Name()))
		}
	}
}

func (w *JSONLZstdWriter) hourOf(name string) (string, bool) {
	rest, ok := strings.CutPrefix(name, w.prefix+"-")
	if !ok {
		return "", false
	}
	return strings.CutSuffix(rest, ".jsonl.zst")
}

func (w *JSONLZstdWriter) closeLocked() error {
	var err1 error
	if w.w != nil {
		_ = w.w.Flush()
	}
	if w.enc != nil {
		err1 = w.enc.Close()
		w.enc = nil
	}
	if w.f != nil {
		_ = w.f.Close()
		w.f = nil
	}
	w.w = nil
	w.curHour = ""
	return err1
}

func (w *JSONLZstdWriter) pathForHour(hour string) string {
	return filepath.Join(w.baseDir, fmt.Sprintf("%s-%s.jsonl.zst", w.prefix, hour))
}

func stamp(ms int64, now func() time.Time) time.Time {
	if ms == 0 {
		return now()
	}
	return time.UnixMilli(ms)
}

// UpkeepLogger writes one entry per region or claim charge, filed under the
// cycle time the scheduler stamped on it.
type UpkeepLogger struct{ w *JSONLZstdWriter }

func NewUpkeepLogger(dataDir string, retain time.Duration) *UpkeepLogger {
	return &UpkeepLogger{w: NewJSONLZstdWriter(filepath.Join(dataDir, "upkeep"), "upkeep", retain)}
}

func (l *UpkeepLogger) WriteUpkeep(e upkeep.LogEntry) error {
	return l.w.WriteAt(stamp(e.TimeMS, l.w.now), e)
}
func (l *UpkeepLogger) Close() error { return l.w.Close() }

// AuditLogger writes territory audit entries: claims, unclaims,
// governance edits and dissolutions.
type AuditLogger struct{ w *JSONLZstdWriter }

func NewAuditLogger(dataDir string, retain time.Duration) *AuditLogger {
	return &AuditLogger{w: NewJSONLZstdWriter(filepath.Join(dataDir, "audit"), "audit", retain)}
}

func (l *AuditLogger) WriteAudit(e model.AuditEntry) error {
	return l.w.WriteAt(stamp(e.TimeMS, l.w.now), e)
}
func (l *AuditLogger) Close() error { return l.w.Close() }
