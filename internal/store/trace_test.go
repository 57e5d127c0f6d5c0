package store

import (
	"errors"
	"os"
	"testing"
	"time"
)

func TestTraceWriteRead(t *testing.T) {
	tempDir := t.TempDir()
	runID := "trace-run"

	tw, err := NewTraceWriter(tempDir, runID)
	if err != nil {
		t.Fatalf("NewTraceWriter failed: %v", err)
	}

	losses := []float64{4.5, 2.1, 1.05, 0.98, 0.977}
	now := time.Now().UTC()
	for i, loss := range losses {
		entry := TraceEntry{Eval: i + 1, Loss: loss, Timestamp: now}
		if err := tw.Write(entry); err != nil {
			t.Fatalf("Write entry %d failed: %v", i, err)
		}
	}

	if err := tw.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	tr, err := NewTraceReader(tempDir, runID)
	if err != nil {
		t.Fatalf("NewTraceReader failed: %v", err)
	}
	defer tr.Close()

	entries, err := tr.ReadAll()
	if err != nil {
		t.Fatalf("ReadAll failed: %v", err)
	}

	if len(entries) != len(losses) {
		t.Fatalf("Expected %d entries, got %d", len(losses), len(entries))
	}
	for i, entry := range entries {
		if entry.Eval != i+1 {
			t.Errorf("Entry %d: expected eval %d, got %d", i, i+1, entry.Eval)
		}
		if entry.Loss != losses[i] {
			t.Errorf("Entry %d: expected loss %f, got %f", i, losses[i], entry.Loss)
		}
	}
}

func TestTraceWriter_FlushPersists(t *testing.T) {
	tempDir := t.TempDir()
	runID := "flush-run"

	tw, err := NewTraceWriter(tempDir, runID)
	if err != nil {
		t.Fatalf("NewTraceWriter failed: %v", err)
	}
	defer tw.Close()

	if err := tw.Write(TraceEntry{Eval: 1, Loss: 3.14, Timestamp: time.Now()}); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	if err := tw.Flush(); err != nil {
		t.Fatalf("Flush failed: %v", err)
	}

	// Entry should be readable before the writer closes
	tr, err := NewTraceReader(tempDir, runID)
	if err != nil {
		t.Fatalf("NewTraceReader failed: %v", err)
	}
	defer tr.Close()

	entries, err := tr.ReadAll()
	if err != nil {
		t.Fatalf("ReadAll failed: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("Expected 1 entry after flush, got %d", len(entries))
	}
}

func TestTraceWriter_TruncatesExisting(t *testing.T) {
	tempDir := t.TempDir()
	runID := "truncate-run"

	tw, err := NewTraceWriter(tempDir, runID)
	if err != nil {
		t.Fatalf("NewTraceWriter failed: %v", err)
	}
	tw.Write(TraceEntry{Eval: 1, Loss: 1.0, Timestamp: time.Now()})
	tw.Write(TraceEntry{Eval: 2, Loss: 0.5, Timestamp: time.Now()})
	tw.Close()

	// A fresh writer for the same run starts over
	tw2, err := NewTraceWriter(tempDir, runID)
	if err != nil {
		t.Fatalf("Second NewTraceWriter failed: %v", err)
	}
	tw2.Write(TraceEntry{Eval: 1, Loss: 0.9, Timestamp: time.Now()})
	tw2.Close()

	tr, err := NewTraceReader(tempDir, runID)
	if err != nil {
		t.Fatalf("NewTraceReader failed: %v", err)
	}
	defer tr.Close()

	entries, err := tr.ReadAll()
	if err != nil {
		t.Fatalf("ReadAll failed: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("Expected 1 entry after truncation, got %d", len(entries))
	}
	if entries[0].Loss != 0.9 {
		t.Errorf("Expected loss 0.9, got %f", entries[0].Loss)
	}
}

func TestTraceReader_NotFound(t *testing.T) {
	tempDir := t.TempDir()

	_, err := NewTraceReader(tempDir, "missing-run")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected NotFoundError, got %v", err)
	}
}

func TestTraceWriter_Path(t *testing.T) {
	tempDir := t.TempDir()

	tw, err := NewTraceWriter(tempDir, "path-run")
	if err != nil {
		t.Fatalf("NewTraceWriter failed: %v", err)
	}
	defer tw.Close()

	if _, err := os.Stat(tw.Path()); err != nil {
		t.Errorf("Trace file should exist at %s: %v", tw.Path(), err)
	}
}
