// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

// Package audit logs authorization decisions. Denials and indeterminate
// outcomes are always written synchronously, with a write-ahead-log
// fallback if the primary writer fails; permits are written asynchronously
// when the logger's mode calls for logging them at all, trading durability
// for throughput on the common path.
package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/samber/oops"

	"github.com/saplpdp/saplpdp/internal/combine"
	"github.com/saplpdp/saplpdp/internal/xdg"
)

// Mode controls which decisions are logged.
type Mode string

const (
	ModeMinimal     Mode = "minimal"      // deny + indeterminate only
	ModeDenialsOnly Mode = "denials_only" // same as minimal, kept distinct for config clarity
	ModeAll         Mode = "all"          // everything; permits/not-applicable logged async
)

// Entry is one authorization decision recorded to the audit trail.
type Entry struct {
	Subject    string    `json:"subject"`
	Action     string    `json:"action"`
	Resource   string    `json:"resource"`
	Verdict    string    `json:"verdict"`
	DocumentID string    `json:"document_id"`
	DurationUS int64     `json:"duration_us"`
	Timestamp  time.Time `json:"timestamp"`
}

// Writer is the audit entry sink. Implementations might write to a file,
// a database, or a remote log collector.
type Writer interface {
	WriteSync(ctx context.Context, entry Entry) error
	WriteAsync(entry Entry) error
	Close() error
}

var (
	channelFullCounter = promauto.NewCounter(prometheus.CounterOpts{
		Name: "saplpdp_audit_channel_full_total",
		Help: "Total number of times the async audit channel was full",
	})

	failuresCounter = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "saplpdp_audit_failures_total",
		Help: "Total number of audit logging failures",
	}, []string{"reason"})

	walEntriesGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "saplpdp_audit_wal_entries",
		Help: "Current number of entries buffered in the audit WAL",
	})
)

// Logger routes audit entries to Writer based on Mode and the entry's
// verdict.
type Logger struct {
	mode      Mode
	writer    Writer
	walPath   string
	walFile   *os.File
	walMu     sync.Mutex
	asyncChan chan Entry
	stopChan  chan struct{}
	wg        sync.WaitGroup
}

// NewLogger builds a Logger. If walPath is empty, a default path under the
// XDG state directory is used.
func NewLogger(mode Mode, writer Writer, walPath string) *Logger {
	if walPath == "" {
		stateDir, err := xdg.StateDir()
		if err != nil {
			slog.Error("failed to resolve state directory for audit WAL", "error", err)
			walPath = filepath.Join(os.TempDir(), "saplpdp-audit-wal.jsonl")
		} else {
			if err := xdg.EnsureDir(stateDir); err != nil {
				slog.Error("failed to create audit state directory", "error", err)
			}
			walPath = filepath.Join(stateDir, "audit-wal.jsonl")
		}
	}

	l := &Logger{
		mode:      mode,
		writer:    writer,
		walPath:   walPath,
		asyncChan: make(chan Entry, 1000),
		stopChan:  make(chan struct{}),
	}
	l.wg.Add(1)
	go l.asyncConsumer()
	return l
}

// Log routes entry according to mode and verdict.
func (l *Logger) Log(ctx context.Context, entry Entry) error {
	shouldLog, useSync := l.shouldLog(entry.Verdict)
	if !shouldLog {
		return nil
	}

	if useSync {
		if err := l.writer.WriteSync(ctx, entry); err != nil {
			if walErr := l.writeToWAL(entry); walErr != nil {
				slog.Error("audit write failed: both writer and WAL failed",
					"writer_error", err, "wal_error", walErr,
					"subject", entry.Subject, "action", entry.Action, "verdict", entry.Verdict)
				failuresCounter.WithLabelValues("wal_failed").Inc()
			}
		}
		return nil
	}

	select {
	case l.asyncChan <- entry:
	default:
		channelFullCounter.Inc()
	}
	return nil
}

func (l *Logger) shouldLog(verdict string) (shouldLog, useSync bool) {
	denyLike := verdict == combine.Deny.String() || verdict == combine.Indeterminate.String()
	switch l.mode {
	case ModeMinimal, ModeDenialsOnly:
		return denyLike, true
	case ModeAll:
		if denyLike {
			return true, true
		}
		return true, false
	default:
		return false, false
	}
}

func (l *Logger) asyncConsumer() {
	defer l.wg.Done()
	for {
		select {
		case entry := <-l.asyncChan:
			l.writeAsync(entry)
		case <-l.stopChan:
			l.drainAsync()
			return
		}
	}
}

func (l *Logger) drainAsync() {
	for {
		select {
		case entry := <-l.asyncChan:
			l.writeAsync(entry)
		default:
			return
		}
	}
}

func (l *Logger) writeAsync(entry Entry) {
	if err := l.writer.WriteAsync(entry); err != nil {
		slog.Error("async audit write failed", "error", err, "subject", entry.Subject, "action", entry.Action)
		failuresCounter.WithLabelValues("async_write_failed").Inc()
	}
}

func (l *Logger) writeToWAL(entry Entry) error {
	l.walMu.Lock()
	defer l.walMu.Unlock()

	if l.walFile == nil {
		f, err := os.OpenFile(l.walPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY|os.O_SYNC, 0o600)
		if err != nil {
			return oops.With("path", l.walPath).Wrap(err)
		}
		l.walFile = f
	}

	data, err := json.Marshal(entry)
	if err != nil {
		return oops.Wrap(err)
	}
	if _, err := fmt.Fprintf(l.walFile, "%s\n", data); err != nil {
		return oops.Wrap(err)
	}
	walEntriesGauge.Inc()
	return nil
}

// ReplayWAL writes every buffered WAL entry to the writer and truncates the
// WAL on success.
func (l *Logger) ReplayWAL(ctx context.Context) error {
	l.walMu.Lock()
	defer l.walMu.Unlock()

	data, err := os.ReadFile(l.walPath)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return oops.With("path", l.walPath).Wrap(err)
	}
	if len(data) == 0 {
		return nil
	}

	replayed := 0
	for _, line := range splitLines(string(data)) {
		if line == "" {
			continue
		}
		var entry Entry
		if err := json.Unmarshal([]byte(line), &entry); err != nil {
			slog.Error("failed to unmarshal WAL entry", "error", err)
			failuresCounter.WithLabelValues("wal_unmarshal_failed").Inc()
			continue
		}
		if err := l.writer.WriteSync(ctx, entry); err != nil {
			slog.Error("failed to replay WAL entry", "error", err)
			failuresCounter.WithLabelValues("wal_replay_failed").Inc()
			continue
		}
		replayed++
	}

	if err := os.Truncate(l.walPath, 0); err != nil {
		return oops.With("path", l.walPath).Wrap(err)
	}
	walEntriesGauge.Set(0)
	slog.Info("replayed audit WAL entries", "count", replayed)
	return nil
}

// Close drains the async queue and releases the writer and WAL file.
func (l *Logger) Close() error {
	close(l.stopChan)
	l.wg.Wait()

	if err := l.writer.Close(); err != nil {
		return oops.Wrap(err)
	}

	l.walMu.Lock()
	defer l.walMu.Unlock()
	if l.walFile != nil {
		if err := l.walFile.Close(); err != nil {
			return oops.Wrap(err)
		}
		l.walFile = nil
	}
	return nil
}

func splitLines(s string) []string {
	var lines []string
	start := 0
	for i := 0; i < len(s); i++ {
		if s[i] == '\n' {
			lines = append(lines, s[start:i])
			start = i + 1
		}
	}
	if start < len(s) {
		lines = append(lines, s[start:])
	}
	return lines
}
