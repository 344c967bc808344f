package prompt

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSource_FallbackAndOverride(t *testing.T) {
	s, err := NewSource("  be concise  ", "", zerolog.Nop())
	require.NoError(t, err)

	assert.Equal(t, "be concise", s.Text())
	assert.Equal(t, "be concise", s.Resolve("   "))
	assert.Equal(t, "speak like a pirate", s.Resolve(" speak like a pirate "))
	assert.NoError(t, s.Watch(context.Background()), "nothing to watch")
}

func TestSource_LoadsFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "prompt.txt")
	require.NoError(t, os.WriteFile(path, []byte("\nfrom file\n"), 0o600))

	s, err := NewSource("fallback", path, zerolog.Nop())
	require.NoError(t, err)
	assert.Equal(t, "from file", s.Text())
}

func TestSource_MissingOrEmptyFileFallsBack(t *testing.T) {
	dir := t.TempDir()

	missing, err := NewSource("fallback", filepath.Join(dir, "nope.txt"), zerolog.Nop())
	require.NoError(t, err)
	assert.Equal(t, "fallback", missing.Text())

	empty := filepath.Join(dir, "empty.txt")
	require.NoError(t, os.WriteFile(empty, []byte("  \n"), 0o600))
	s, err := NewSource("fallback", empty, zerolog.Nop())
	require.NoError(t, err)
	assert.Equal(t, "fallback", s.Text())
}

func TestSource_WatchReloads(t *testing.T) {
	path := filepath.Join(t.TempDir(), "prompt.txt")
	require.NoError(t, os.WriteFile(path, []byte("v1"), 0o600))

	s, err := NewSource("fallback", path, zerolog.Nop())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Watch(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	// The watcher registers asynchronously; keep rewriting until it notices.
	assert.Eventually(t, func() bool {
		_ = os.WriteFile(path, []byte("v2"), 0o600)
		return s.Text() == "v2"
	}, 3*time.Second, 20*time.Millisecond)

	require.NoError(t, os.Remove(path))
	assert.Eventually(t, func() bool { return s.Text() == "fallback" }, 3*time.Second, 20*time.Millisecond)
}
