package main

import (
	"path/filepath"
	"testing"

	"attribution/config"
	"attribution/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestParseTrackArgs(t *testing.T) {
	tests := []struct {
		name      string
		args      []string
		shortLink string
		extra     map[string]string
		wantErr   bool
	}{
		{name: "nothing", extra: map[string]string{}},
		{name: "shortlink only", args: []string{"https://ih.example/a"}, shortLink: "https://ih.example/a", extra: map[string]string{}},
		{name: "shortlink with query", args: []string{"https://ih.example/a?x=1", "k=v"}, shortLink: "https://ih.example/a?x=1", extra: map[string]string{"k": "v"}},
		{name: "pairs only", args: []string{"plan=pro", "seats=3"}, extra: map[string]string{"plan": "pro", "seats": "3"}},
		{name: "empty value", args: []string{"note="}, extra: map[string]string{"note": ""}},
		{name: "bare word after shortlink", args: []string{"https://ih.example/a", "oops"}, wantErr: true},
		{name: "missing key", args: []string{"=v"}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			shortLink, extra, err := parseTrackArgs(tt.args)
			if tt.wantErr {
				assert.ErrorIs(t, err, config.ErrInvalidArgument)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.shortLink, shortLink)
			assert.Equal(t, tt.extra, extra)
		})
	}
}

func TestRunRejectsBadCommands(t *testing.T) {
	opts := options{envFile: filepath.Join(t.TempDir(), "missing.env"), store: t.TempDir(), backend: "file"}

	for _, args := range [][]string{{"nope"}, {"failed"}, {"failed", "purge"}} {
		err := run(opts, args[0], args[1:])
		assert.ErrorIs(t, err, config.ErrInvalidArgument, args)
	}
}

func TestStoreOnlyCommands(t *testing.T) {
	dir := t.TempDir()
	opts := options{envFile: filepath.Join(dir, "missing.env"), store: filepath.Join(dir, "state.db"), backend: "bolt"}

	store, err := openStore(opts, zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, store.MarkFirstInstallComplete())
	require.NoError(t, store.PushFailedEvent(models.Event{EventType: models.EventTypeAppOpen, Timestamp: 1700000000000}))
	require.NoError(t, store.Close())

	require.NoError(t, run(opts, "failed", []string{"list"}))
	require.NoError(t, run(opts, "failed", []string{"clear"}))
	require.NoError(t, run(opts, "reset", nil))
	require.NoError(t, run(opts, "info", nil))

	store, err = openStore(opts, zap.NewNop())
	require.NoError(t, err)
	defer store.Close()
	assert.Empty(t, store.FailedEvents())
	value, present := store.FirstInstallState()
	assert.True(t, value)
	assert.True(t, present)
}

func TestOpenStoreUnknownBackend(t *testing.T) {
	_, err := openStore(options{backend: "sqlite", store: t.TempDir()}, nil)
	assert.ErrorIs(t, err, config.ErrInvalidArgument)
}
