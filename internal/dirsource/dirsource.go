// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

// Package dirsource is a minimal, non-persistent pdp.PolicySource backed by
// a directory of .sapl files. It does an initial read of every matching file
// and then polls the directory on a fixed interval, diffing file contents
// against what it last delivered to emit updates and removals. It takes on
// no caching or database of its own; internal/pdp already holds the live
// compiled state.
package dirsource

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/samber/oops"

	"github.com/saplpdp/saplpdp/internal/pdp"
)

const extension = ".sapl"

// Source polls Dir for .sapl files on Interval.
type Source struct {
	Dir      string
	Interval time.Duration
	Logger   *slog.Logger
}

// New builds a Source watching dir, polling every interval. A zero interval
// defaults to five seconds.
func New(dir string, interval time.Duration) *Source {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &Source{Dir: dir, Interval: interval, Logger: slog.Default()}
}

// Documents implements pdp.PolicySource. It performs one synchronous initial
// scan (so the returned channel's first batch of updates reflects the
// directory's state at call time) before handing control to a background
// polling loop.
func (s *Source) Documents(ctx context.Context) (<-chan pdp.SourceUpdate, error) {
	out := make(chan pdp.SourceUpdate, 16)

	initial, err := s.scan()
	if err != nil {
		return nil, oops.Code("DIRSOURCE_SCAN_FAILED").With("dir", s.Dir).Wrapf(err, "initial scan of policy directory")
	}

	go func() {
		defer close(out)
		known := map[string]string{} // id -> last delivered source text
		for id, src := range initial {
			known[id] = src
			send(ctx, out, pdp.SourceUpdate{ID: id, Source: src})
		}

		ticker := time.NewTicker(s.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.poll(ctx, out, known)
			}
		}
	}()

	return out, nil
}

func (s *Source) poll(ctx context.Context, out chan<- pdp.SourceUpdate, known map[string]string) {
	current, err := s.scan()
	if err != nil {
		s.logger().ErrorContext(ctx, "dirsource poll failed", "dir", s.Dir, "error", err)
		return
	}

	for id, src := range current {
		if prev, ok := known[id]; !ok || prev != src {
			known[id] = src
			send(ctx, out, pdp.SourceUpdate{ID: id, Source: src})
		}
	}

	for id := range known {
		if _, ok := current[id]; !ok {
			delete(known, id)
			send(ctx, out, pdp.SourceUpdate{ID: id, Removed: true})
		}
	}
}

func (s *Source) scan() (map[string]string, error) {
	entries, err := os.ReadDir(s.Dir)
	if err != nil {
		return nil, err
	}
	docs := make(map[string]string, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), extension) {
			continue
		}
		id := strings.TrimSuffix(entry.Name(), extension)
		data, err := os.ReadFile(filepath.Join(s.Dir, entry.Name()))
		if err != nil {
			return nil, oops.With("file", entry.Name()).Wrapf(err, "reading policy file")
		}
		docs[id] = string(data)
	}
	return docs, nil
}

func (s *Source) logger() *slog.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return slog.Default()
}

func send(ctx context.Context, out chan<- pdp.SourceUpdate, u pdp.SourceUpdate) {
	select {
	case out <- u:
	case <-ctx.Done():
	}
}

