package dispatch

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"nexusbot/internal/domain/plugin"
	"nexusbot/pkg/logger"
)

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	r := NewRegistry(logger.SetupForTesting())
	t.Cleanup(r.Close)
	return r
}

func TestRegistryLookupCommandsAndAliases(t *testing.T) {
	r := newTestRegistry(t)

	p := &plugin.Plugin{
		ID:       "ping",
		Commands: []string{"ping"},
		Aliases:  []string{"p", "pong"},
	}
	r.Register(p)

	assert.Same(t, p, r.Lookup("ping"))
	assert.Same(t, p, r.Lookup("p"))
	assert.Same(t, p, r.Lookup("PONG"), "lookup is case-insensitive")
	assert.Nil(t, r.Lookup("missing"))
}

func TestRegistrySeparatesAntiPlugins(t *testing.T) {
	r := newTestRegistry(t)

	r.RegisterAll(
		&plugin.Plugin{ID: "ping", Commands: []string{"ping"}},
		&plugin.Plugin{
			ID:             "antilink",
			ProcessMessage: func(context.Context, *plugin.ScanEnv) error { return nil },
		},
	)

	antis := r.Antis()
	require.Len(t, antis, 1)
	assert.Equal(t, "antilink", antis[0].ID)
	assert.Len(t, r.Commands(), 1)
}

func TestOverlayDisablesPlugin(t *testing.T) {
	r := newTestRegistry(t)
	dir := t.TempDir()

	require.NoError(t, os.WriteFile(
		filepath.Join(dir, "ping.json"),
		[]byte(`{"disabled": true}`),
		0o644,
	))

	r.Register(&plugin.Plugin{ID: "ping", Commands: []string{"ping"}})
	require.NoError(t, r.loadOverlays(dir))
	r.rebuild()

	assert.Nil(t, r.Lookup("ping"))
}

func TestOverlayAddsAliases(t *testing.T) {
	r := newTestRegistry(t)
	dir := t.TempDir()

	require.NoError(t, os.WriteFile(
		filepath.Join(dir, "ping.json"),
		[]byte(`{"extraAliases": ["latency"]}`),
		0o644,
	))

	p := &plugin.Plugin{ID: "ping", Commands: []string{"ping"}}
	r.Register(p)
	require.NoError(t, r.loadOverlays(dir))
	r.rebuild()

	assert.Same(t, p, r.Lookup("latency"))
	assert.Same(t, p, r.Lookup("ping"))
}

func TestInvalidOverlayFileIsSkipped(t *testing.T) {
	r := newTestRegistry(t)
	dir := t.TempDir()

	require.NoError(t, os.WriteFile(
		filepath.Join(dir, "ping.json"),
		[]byte(`{not json`),
		0o644,
	))

	p := &plugin.Plugin{ID: "ping", Commands: []string{"ping"}}
	r.Register(p)
	require.NoError(t, r.loadOverlays(dir))
	r.rebuild()

	assert.Same(t, p, r.Lookup("ping"), "broken overlay must not disable the plugin")
}

func TestWatchReloadsOnOverlayChange(t *testing.T) {
	r := newTestRegistry(t)
	dir := t.TempDir()

	p := &plugin.Plugin{ID: "ping", Commands: []string{"ping"}}
	r.Register(p)
	require.NoError(t, r.Watch(dir))
	assert.Same(t, p, r.Lookup("ping"))

	require.NoError(t, os.WriteFile(
		filepath.Join(dir, "ping.json"),
		[]byte(`{"disabled": true}`),
		0o644,
	))

	// O reload espera a janela de debounce antes de reconstruir o índice
	require.Eventually(t, func() bool {
		return r.Lookup("ping") == nil
	}, 5*time.Second, 50*time.Millisecond)
}
