package recorder

import (
	"encoding/csv"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	gzip "github.com/klauspost/compress/gzip"

	"github.com/shaunagostinho/groundstation/internal/telemetry"
)

// Recorder writes timestamped telemetry snapshots to CSV files with
// automatic rotation. Rotated files can be gzipped.
type Recorder struct {
	mu       sync.Mutex
	dir      string
	interval time.Duration
	enabled  bool
	compress bool
	maxRows  int

	file   *os.File
	writer *csv.Writer
	lastTs time.Time
	rows   int
}

// Config holds recorder configuration.
type Config struct {
	Enabled    bool   `yaml:"enabled" json:"enabled"`
	Path       string `yaml:"path" json:"path"`
	IntervalMs int    `yaml:"interval_ms" json:"intervalMs"`
	Compress   bool   `yaml:"compress" json:"compress"` // gzip files once rotated out
	MaxRows    int    `yaml:"max_rows" json:"maxRows"`
}

const (
	defaultMaxRows = 100_000 // ~2.7 hrs at 10 Hz
	defaultDir     = "/var/log/groundstation"
)

var csvHeader = []string{
	"timestamp", "altitude_m", "temperature_c",
	"orient_x", "orient_y", "orient_z",
	"accel_x", "accel_y", "accel_z", "accel_mag",
	"lin_accel_x", "lin_accel_y", "lin_accel_z",
	"motor_pct", "velocity", "latch_open",
	"stale_ms", "updates",
}

// New creates a new Recorder.
func New(cfg Config) *Recorder {
	if cfg.Path == "" {
		cfg.Path = defaultDir
	}
	interval := time.Duration(cfg.IntervalMs) * time.Millisecond
	if interval < 50*time.Millisecond {
		interval = 100 * time.Millisecond
	}
	if cfg.MaxRows <= 0 {
		cfg.MaxRows = defaultMaxRows
	}
	return &Recorder{
		dir:      cfg.Path,
		interval: interval,
		enabled:  cfg.Enabled,
		compress: cfg.Compress,
		maxRows:  cfg.MaxRows,
	}
}

// SetEnabled allows toggling recording at runtime.
func (r *Recorder) SetEnabled(on bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.enabled = on
	if !on && r.file != nil {
		r.closeFile()
	}
}

// IsEnabled returns whether recording is active.
func (r *Recorder) IsEnabled() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.enabled
}

// Record writes a snapshot if the minimum interval has elapsed since the
// previous row.
func (r *Recorder) Record(snap *telemetry.Snapshot, now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.enabled || snap == nil {
		return
	}
	if now.Sub(r.lastTs) < r.interval {
		return
	}
	r.lastTs = now

	if r.writer == nil || r.rows >= r.maxRows {
		if err := r.rotateFile(now); err != nil {
			log.Printf("[recorder] rotate failed: %v", err)
			return
		}
	}

	if err := r.writer.Write(buildRow(now, snap)); err != nil {
		log.Printf("[recorder] write failed: %v", err)
		return
	}
	r.writer.Flush()
	r.rows++
}

// Close flushes and closes the current file.
func (r *Recorder) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closeFile()
}

func (r *Recorder) rotateFile(now time.Time) error {
	r.closeFile()

	if err := os.MkdirAll(r.dir, 0755); err != nil {
		return fmt.Errorf("mkdir %s: %w", r.dir, err)
	}

	// Nanosecond suffix keeps files from the same second apart.
	filename := fmt.Sprintf("flight_%s_%09d.csv", now.Format("2006-01-02_150405"), now.Nanosecond())
	path := filepath.Join(r.dir, filename)

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}

	r.file = f
	r.writer = csv.NewWriter(f)
	r.rows = 0

	if err := r.writer.Write(csvHeader); err != nil {
		return err
	}
	r.writer.Flush()

	log.Printf("[recorder] opened %s", path)
	return nil
}

func (r *Recorder) closeFile() {
	if r.writer != nil {
		r.writer.Flush()
		r.writer = nil
	}
	if r.file == nil {
		return
	}
	path := r.file.Name()
	r.file.Close()
	r.file = nil

	if r.compress {
		if err := gzipFile(path); err != nil {
			log.Printf("[recorder] compress %s failed: %v", path, err)
		}
	}
}

// gzipFile replaces path with path.gz.
func gzipFile(path string) error {
	src, err := os.Open(path)
	if err != nil {
		return err
	}
	defer src.Close()

	dst, err := os.Create(path + ".gz")
	if err != nil {
		return err
	}
	gz := gzip.NewWriter(dst)
	gz.Name = filepath.Base(path)
	if _, err := io.Copy(gz, src); err != nil {
		dst.Close()
		os.Remove(dst.Name())
		return err
	}
	if err := gz.Close(); err != nil {
		dst.Close()
		os.Remove(dst.Name())
		return err
	}
	if err := dst.Close(); err != nil {
		return err
	}
	src.Close()
	return os.Remove(path)
}

func buildRow(ts time.Time, s *telemetry.Snapshot) []string {
	stale := s.Staleness(ts)
	staleMs := "-1"
	if !s.Heartbeat.IsZero() {
		staleMs = fmt.Sprintf("%d", stale.Milliseconds())
	}
	return []string{
		ts.Format(time.RFC3339Nano),
		fmt.Sprintf("%.3f", s.Altitude),
		fmt.Sprintf("%.2f", s.Temperature),
		fmt.Sprintf("%.3f", s.Orientation[0]),
		fmt.Sprintf("%.3f", s.Orientation[1]),
		fmt.Sprintf("%.3f", s.Orientation[2]),
		fmt.Sprintf("%.3f", s.Acceleration[0]),
		fmt.Sprintf("%.3f", s.Acceleration[1]),
		fmt.Sprintf("%.3f", s.Acceleration[2]),
		fmt.Sprintf("%.3f", s.AccelMagnitude()),
		fmt.Sprintf("%.3f", s.LinearAccel[0]),
		fmt.Sprintf("%.3f", s.LinearAccel[1]),
		fmt.Sprintf("%.3f", s.LinearAccel[2]),
		fmt.Sprintf("%.1f", s.MotorPower),
		fmt.Sprintf("%.3f", s.Velocity),
		boolStr(s.LatchOpen),
		staleMs,
		fmt.Sprintf("%d", s.Updates),
	}
}

func boolStr(v bool) string {
	if v {
		return "1"
	}
	return "0"
}
