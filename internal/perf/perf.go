// Package perf records per-operation timing for a simulator agent and
// appends one CSV row per completed operation. The monitor is disabled by
// default; a nil *Monitor is valid and every method on it is a no-op, so
// callers never pay for instrumentation they did not enable.
package perf

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/INTO-CPS-Association/simulation-bridge-sub000/internal/config"
	"github.com/shirou/gopsutil/v4/process"
)

// csvHeader is written once when the log file is created.
var csvHeader = []string{
	"operation_id",
	"received_at",
	"session_start_at",
	"session_ready_at",
	"process_stop_at",
	"result_sent_at",
	"startup_duration_s",
	"simulation_duration_s",
	"cpu_percent",
	"rss_mb",
	"total_duration_s",
}

// Monitor is the process-scoped performance recorder. Initialized once from
// configuration at startup and passed into executors by reference.
type Monitor struct {
	mu   sync.Mutex
	path string

	// completed durations, kept for the summary
	startup    []time.Duration
	simulation []time.Duration
	total      []time.Duration
}

// New returns nil when performance monitoring is disabled.
func New(cfg config.Performance) (*Monitor, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	if err := os.MkdirAll(cfg.LogDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create performance log dir: %w", err)
	}
	path := filepath.Join(cfg.LogDir, cfg.LogFilename)

	created := false
	if _, err := os.Stat(path); os.IsNotExist(err) {
		created = true
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open performance log: %w", err)
	}
	defer f.Close()
	if created {
		w := csv.NewWriter(f)
		if err := w.Write(csvHeader); err != nil {
			return nil, fmt.Errorf("failed to write performance header: %w", err)
		}
		w.Flush()
		if err := w.Error(); err != nil {
			return nil, err
		}
	}
	return &Monitor{path: path}, nil
}

// Operation tracks the timestamps of one simulation request.
type Operation struct {
	monitor *Monitor
	id      string

	receivedAt     time.Time
	sessionStartAt time.Time
	sessionReadyAt time.Time
	processStopAt  time.Time
	resultSentAt   time.Time
}

// Begin starts tracking an operation. Safe on a nil monitor.
func (m *Monitor) Begin(operationID string) *Operation {
	if m == nil {
		return nil
	}
	return &Operation{monitor: m, id: operationID, receivedAt: time.Now()}
}

// MarkSessionStart records the compute-session start attempt.
func (o *Operation) MarkSessionStart() {
	if o == nil {
		return
	}
	o.sessionStartAt = time.Now()
}

// MarkSessionReady records the moment the compute session became usable.
func (o *Operation) MarkSessionReady() {
	if o == nil {
		return
	}
	o.sessionReadyAt = time.Now()
}

// MarkProcessStop records compute-process shutdown.
func (o *Operation) MarkProcessStop() {
	if o == nil {
		return
	}
	o.processStopAt = time.Now()
}

// Complete records the result-send timestamp and appends the CSV row.
// cpuPercent and rssMB describe the compute process at shutdown; pass zeros
// when unavailable.
func (o *Operation) Complete(cpuPercent, rssMB float64) error {
	if o == nil {
		return nil
	}
	o.resultSentAt = time.Now()

	startup := o.sessionReadyAt.Sub(o.sessionStartAt)
	if o.sessionStartAt.IsZero() || o.sessionReadyAt.IsZero() {
		startup = 0
	}
	simulation := o.processStopAt.Sub(o.sessionReadyAt)
	if o.sessionReadyAt.IsZero() || o.processStopAt.IsZero() {
		simulation = 0
	}
	total := o.resultSentAt.Sub(o.receivedAt)

	m := o.monitor
	m.mu.Lock()
	defer m.mu.Unlock()

	m.startup = append(m.startup, startup)
	m.simulation = append(m.simulation, simulation)
	m.total = append(m.total, total)

	f, err := os.OpenFile(m.path, os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open performance log: %w", err)
	}
	defer f.Close()

	w := csv.NewWriter(f)
	row := []string{
		o.id,
		stamp(o.receivedAt),
		stamp(o.sessionStartAt),
		stamp(o.sessionReadyAt),
		stamp(o.processStopAt),
		stamp(o.resultSentAt),
		fmt.Sprintf("%.3f", startup.Seconds()),
		fmt.Sprintf("%.3f", simulation.Seconds()),
		fmt.Sprintf("%.2f", cpuPercent),
		fmt.Sprintf("%.2f", rssMB),
		fmt.Sprintf("%.3f", total.Seconds()),
	}
	if err := w.Write(row); err != nil {
		return fmt.Errorf("failed to append performance row: %w", err)
	}
	w.Flush()
	return w.Error()
}

// Stats holds min/mean/max over one duration class.
type Stats struct {
	Min  time.Duration
	Mean time.Duration
	Max  time.Duration
}

// Summary aggregates all completed operations.
type Summary struct {
	Operations int
	Startup    Stats
	Simulation Stats
	Total      Stats
}

// Summarize computes min/mean/max for startup, simulation, and total
// durations over every completed operation.
func (m *Monitor) Summarize() Summary {
	if m == nil {
		return Summary{}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return Summary{
		Operations: len(m.total),
		Startup:    stats(m.startup),
		Simulation: stats(m.simulation),
		Total:      stats(m.total),
	}
}

func stats(ds []time.Duration) Stats {
	if len(ds) == 0 {
		return Stats{}
	}
	min, max := ds[0], ds[0]
	var sum time.Duration
	for _, d := range ds {
		if d < min {
			min = d
		}
		if d > max {
			max = d
		}
		sum += d
	}
	return Stats{Min: min, Mean: sum / time.Duration(len(ds)), Max: max}
}

func stamp(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

// ProcessUsage samples CPU percent and resident memory (MB) of a process by
// pid. Returns zeros when the process is already gone.
func ProcessUsage(pid int) (cpuPercent, rssMB float64) {
	p, err := process.NewProcess(int32(pid))
	if err != nil {
		return 0, 0
	}
	if cpu, err := p.CPUPercent(); err == nil {
		cpuPercent = cpu
	}
	if mem, err := p.MemoryInfo(); err == nil && mem != nil {
		rssMB = float64(mem.RSS) / (1024 * 1024)
	}
	return cpuPercent, rssMB
}

// SelfUsage samples the agent's own resident memory in MB.
func SelfUsage() float64 {
	_, rss := ProcessUsage(os.Getpid())
	return rss
}
