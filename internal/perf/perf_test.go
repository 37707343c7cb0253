package perf

import (
	"encoding/csv"
	"os"
	"path/filepath"
	"testing"

	"github.com/INTO-CPS-Association/simulation-bridge-sub000/internal/config"
)

// Test that a disabled monitor is nil and every call on it is a no-op
func TestDisabledMonitor(t *testing.T) {
	m, err := New(config.Performance{Enabled: false})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if m != nil {
		t.Fatal("disabled monitor should be nil")
	}

	op := m.Begin("op-1")
	op.MarkSessionStart()
	op.MarkSessionReady()
	op.MarkProcessStop()
	if err := op.Complete(0, 0); err != nil {
		t.Errorf("nil operation Complete: %v", err)
	}
	if s := m.Summarize(); s.Operations != 0 {
		t.Errorf("nil summary = %+v", s)
	}
}

func TestCompleteAppendsRow(t *testing.T) {
	dir := t.TempDir()
	m, err := New(config.Performance{Enabled: true, LogDir: dir, LogFilename: "perf.csv"})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	for _, id := range []string{"op-1", "op-2"} {
		op := m.Begin(id)
		op.MarkSessionStart()
		op.MarkSessionReady()
		op.MarkProcessStop()
		if err := op.Complete(12.5, 256); err != nil {
			t.Fatalf("Complete failed: %v", err)
		}
	}

	f, err := os.Open(filepath.Join(dir, "perf.csv"))
	if err != nil {
		t.Fatalf("open log: %v", err)
	}
	defer f.Close()
	rows, err := csv.NewReader(f).ReadAll()
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	if len(rows) != 3 {
		t.Fatalf("rows = %d, want header + 2", len(rows))
	}
	if rows[0][0] != "operation_id" {
		t.Errorf("header = %v", rows[0])
	}
	if rows[1][0] != "op-1" || rows[2][0] != "op-2" {
		t.Errorf("ids = %s, %s", rows[1][0], rows[2][0])
	}
	if rows[1][8] != "12.50" || rows[1][9] != "256.00" {
		t.Errorf("usage columns = %s, %s", rows[1][8], rows[1][9])
	}
}

// Test that reopening an existing log does not duplicate the header
func TestHeaderWrittenOnce(t *testing.T) {
	dir := t.TempDir()
	cfg := config.Performance{Enabled: true, LogDir: dir, LogFilename: "perf.csv"}

	m, err := New(cfg)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if err := m.Begin("op-1").Complete(0, 0); err != nil {
		t.Fatalf("Complete failed: %v", err)
	}

	if _, err := New(cfg); err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	data, err := os.ReadFile(filepath.Join(dir, "perf.csv"))
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	f, _ := os.Open(filepath.Join(dir, "perf.csv"))
	defer f.Close()
	rows, err := csv.NewReader(f).ReadAll()
	if err != nil {
		t.Fatalf("parse log: %v", err)
	}
	headers := 0
	for _, row := range rows {
		if row[0] == "operation_id" {
			headers++
		}
	}
	if headers != 1 {
		t.Errorf("headers = %d in %q", headers, string(data))
	}
}

func TestSummarize(t *testing.T) {
	dir := t.TempDir()
	m, err := New(config.Performance{Enabled: true, LogDir: dir, LogFilename: "perf.csv"})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	for i := 0; i < 3; i++ {
		op := m.Begin("op")
		op.MarkSessionStart()
		op.MarkSessionReady()
		op.MarkProcessStop()
		if err := op.Complete(0, 0); err != nil {
			t.Fatalf("Complete failed: %v", err)
		}
	}

	s := m.Summarize()
	if s.Operations != 3 {
		t.Errorf("operations = %d", s.Operations)
	}
	if s.Total.Min > s.Total.Mean || s.Total.Mean > s.Total.Max {
		t.Errorf("total stats out of order: %+v", s.Total)
	}
	if s.Total.Max <= 0 {
		t.Errorf("total max = %v", s.Total.Max)
	}
}

// Test self sampling returns a plausible resident size
func TestSelfUsage(t *testing.T) {
	if rss := SelfUsage(); rss <= 0 {
		t.Errorf("SelfUsage = %v, want > 0", rss)
	}
}
