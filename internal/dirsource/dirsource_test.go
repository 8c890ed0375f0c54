// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package dirsource

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/saplpdp/saplpdp/internal/pdp"
)

func writeFile(t *testing.T, dir, name, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o600))
}

func TestDocumentsDeliversInitialScan(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "a.sapl", `policy "A" permit`)
	writeFile(t, dir, "ignored.txt", "not a policy")

	src := New(dir, time.Hour)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	updates, err := src.Documents(ctx)
	require.NoError(t, err)

	select {
	case u := <-updates:
		assert.Equal(t, "a", u.ID)
		assert.Contains(t, u.Source, "policy \"A\" permit")
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for initial document")
	}
}

func TestPollDetectsChangesAndRemovals(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "a.sapl", `policy "A" permit`)

	src := New(dir, 20*time.Millisecond)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	updates, err := src.Documents(ctx)
	require.NoError(t, err)

	first := <-updates
	assert.Equal(t, "a", first.ID)

	require.NoError(t, os.Remove(filepath.Join(dir, "a.sapl")))

	select {
	case u := <-updates:
		assert.Equal(t, "a", u.ID)
		assert.True(t, u.Removed)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for removal")
	}
}

func TestDocumentsErrorsOnMissingDirectory(t *testing.T) {
	src := New("/nonexistent/dir", time.Second)
	_, err := src.Documents(context.Background())
	assert.Error(t, err)
}

var _ pdp.PolicySource = (*Source)(nil)
