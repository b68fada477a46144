package policy

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"plangate/internal/domain"
)

func TestDefaultPolicy(t *testing.T) {
	p := Default()
	require.NoError(t, p.Validate())
	assert.Equal(t, Auto, p.ModeFor(domain.RiskLow))
	assert.Equal(t, Manual, p.ModeFor(domain.RiskMedium))
	assert.Equal(t, Manual, p.ModeFor(domain.RiskHigh))
	assert.Equal(t, Manual, p.ModeFor("EXTREME"))
}

func TestParse(t *testing.T) {
	p, err := Parse([]byte("medium: auto\n"))
	require.NoError(t, err)
	assert.Equal(t, Policy{Low: Auto, Medium: Auto, High: Manual}, p)

	_, err = Parse([]byte("high: auto\n"))
	assert.ErrorContains(t, err, "high must be manual")

	_, err = Parse([]byte("low: sometimes\n"))
	assert.Error(t, err)

	_, err = Parse([]byte("   "))
	assert.Error(t, err)
}

func TestStatic(t *testing.T) {
	var src Source = Static(Policy{Low: Manual, Medium: Manual, High: Manual})
	assert.Equal(t, Manual, src.Current().ModeFor(domain.RiskLow))
}

func TestFileSourceReloadKeepsPreviousOnError(t *testing.T) {
	path := filepath.Join(t.TempDir(), "policy.yml")
	require.NoError(t, os.WriteFile(path, []byte("medium: auto\n"), 0o644))

	src, err := NewFileSource(path, nil)
	require.NoError(t, err)
	assert.Equal(t, Auto, src.Current().Medium)

	require.NoError(t, os.WriteFile(path, []byte("high: auto\n"), 0o644))
	assert.Error(t, src.Reload())
	assert.Equal(t, Auto, src.Current().Medium)

	require.NoError(t, os.WriteFile(path, []byte("medium: manual\n"), 0o644))
	require.NoError(t, src.Reload())
	assert.Equal(t, Manual, src.Current().Medium)
}

func TestFileSourceWatchPicksUpChanges(t *testing.T) {
	path := filepath.Join(t.TempDir(), "policy.yml")
	require.NoError(t, os.WriteFile(path, []byte("medium: manual\n"), 0o644))
	src, err := NewFileSource(path, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- src.Watch(ctx) }()

	// Give the watcher time to register before writing.
	time.Sleep(100 * time.Millisecond)
	require.NoError(t, os.WriteFile(path, []byte("medium: auto\n"), 0o644))

	assert.Eventually(t, func() bool { return src.Current().Medium == Auto }, 5*time.Second, 20*time.Millisecond)
	cancel()
	require.NoError(t, <-done)
}

func TestNewFileSourceMissingFile(t *testing.T) {
	_, err := NewFileSource(filepath.Join(t.TempDir(), "nope.yml"), nil)
	assert.Error(t, err)
}
