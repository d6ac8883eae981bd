package storage

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"attribution/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type backendFactory struct {
	name string
	open func(t *testing.T, dir string) Backend
}

var backends = []backendFactory{
	{
		name: "file",
		open: func(t *testing.T, dir string) Backend {
			b, err := OpenFile(dir, Namespace, nil)
			require.NoError(t, err)
			return b
		},
	},
	{
		name: "bolt",
		open: func(t *testing.T, dir string) Backend {
			b, err := OpenBolt(filepath.Join(dir, Namespace+".db"), Namespace)
			require.NoError(t, err)
			return b
		},
	},
}

func forEachBackend(t *testing.T, fn func(t *testing.T, open func() *Store)) {
	for _, bf := range backends {
		t.Run(bf.name, func(t *testing.T) {
			dir := t.TempDir()
			var current *Store
			open := func() *Store {
				if current != nil {
					require.NoError(t, current.Close())
				}
				current = New(bf.open(t, dir), nil)
				return current
			}
			t.Cleanup(func() {
				if current != nil {
					current.Close()
				}
			})
			fn(t, open)
		})
	}
}

func TestDeviceIDStableAcrossRestarts(t *testing.T) {
	forEachBackend(t, func(t *testing.T, open func() *Store) {
		s := open()
		_, found, err := s.backend.Get(KeyDeviceID)
		require.NoError(t, err)
		assert.False(t, found, "device id must be created lazily")

		first := s.DeviceID()
		require.NotEmpty(t, first)
		assert.Equal(t, first, s.DeviceID())

		restarted := open()
		assert.Equal(t, first, restarted.DeviceID())
	})
}

func TestFirstInstallFlag(t *testing.T) {
	forEachBackend(t, func(t *testing.T, open func() *Store) {
		s := open()
		value, present := s.FirstInstallState()
		assert.True(t, value)
		assert.False(t, present)

		require.NoError(t, s.MarkFirstInstallComplete())
		assert.False(t, s.IsFirstInstall())

		restarted := open()
		assert.False(t, restarted.IsFirstInstall())

		require.NoError(t, restarted.ResetFirstInstall())
		assert.True(t, restarted.IsFirstInstall())
	})
}

func TestInstallDataAndReferrer(t *testing.T) {
	forEachBackend(t, func(t *testing.T, open func() *Store) {
		s := open()
		_, ok := s.InstallData()
		assert.False(t, ok)
		_, ok = s.InstallReferrer()
		assert.False(t, ok)

		d := models.InstallData{
			ShortLink:     "https://ih.example/abc",
			KeyValuePairs: map[string]string{"campaign": "spring"},
			Timestamp:     1700000000000,
		}
		require.NoError(t, s.StoreInstallData(d))
		require.NoError(t, s.StoreInstallReferrer("https://ih.example/abc?ref=x"))

		restarted := open()
		got, ok := restarted.InstallData()
		require.True(t, ok)
		assert.Equal(t, d, got)

		ref, ok := restarted.InstallReferrer()
		require.True(t, ok)
		assert.Equal(t, "https://ih.example/abc?ref=x", ref)

		overwrite := models.InstallData{ShortLink: "https://ih.example/def", KeyValuePairs: map[string]string{}}
		require.NoError(t, restarted.StoreInstallData(overwrite))
		got, _ = restarted.InstallData()
		assert.Equal(t, "https://ih.example/def", got.ShortLink)
		assert.Empty(t, got.KeyValuePairs)
	})
}

func TestCorruptValuesReadAsAbsent(t *testing.T) {
	forEachBackend(t, func(t *testing.T, open func() *Store) {
		s := open()
		require.NoError(t, s.backend.Put(KeyInstallData, []byte("{not json")))
		require.NoError(t, s.backend.Put(KeyFailedEvents, []byte("[{]")))
		require.NoError(t, s.backend.Put(KeyFirstInstall, []byte("maybe")))

		_, ok := s.InstallData()
		assert.False(t, ok)
		assert.Empty(t, s.FailedEvents())
		assert.True(t, s.IsFirstInstall())

		// A corrupt queue is replaced on the next push.
		require.NoError(t, s.PushFailedEvent(models.Event{EventType: "app_open"}))
		assert.Len(t, s.FailedEvents(), 1)
	})
}

func TestFailedEventQueueEvictsOldest(t *testing.T) {
	forEachBackend(t, func(t *testing.T, open func() *Store) {
		s := open()
		for i := 0; i < MaxFailedEvents+1; i++ {
			require.NoError(t, s.PushFailedEvent(models.Event{
				EventType: "app_open",
				DeviceID:  fmt.Sprintf("evt-%03d", i),
			}))
		}

		queue := open().FailedEvents()
		require.Len(t, queue, MaxFailedEvents)
		assert.Equal(t, "evt-001", queue[0].DeviceID)
		assert.Equal(t, fmt.Sprintf("evt-%03d", MaxFailedEvents), queue[len(queue)-1].DeviceID)
		for i := 1; i < len(queue); i++ {
			assert.Less(t, queue[i-1].DeviceID, queue[i].DeviceID, "insertion order must be kept")
		}
	})
}

func TestClearAndDrainFailedEvents(t *testing.T) {
	forEachBackend(t, func(t *testing.T, open func() *Store) {
		s := open()
		require.NoError(t, s.PushFailedEvent(models.Event{EventType: "a"}))
		require.NoError(t, s.PushFailedEvent(models.Event{EventType: "b"}))

		drained, err := s.DrainFailedEvents()
		require.NoError(t, err)
		require.Len(t, drained, 2)
		assert.Equal(t, "a", drained[0].EventType)
		assert.Empty(t, s.FailedEvents())

		drained, err = s.DrainFailedEvents()
		require.NoError(t, err)
		assert.Empty(t, drained)

		require.NoError(t, s.PushFailedEvent(models.Event{EventType: "c"}))
		require.NoError(t, s.ClearFailedEvents())
		assert.Empty(t, open().FailedEvents())
	})
}

func TestFileBackendCorruptDocumentStartsEmpty(t *testing.T) {
	for _, doc := range []string{"garbage", "null", "  null\n", "{}"} {
		t.Run(doc, func(t *testing.T) {
			dir := t.TempDir()
			require.NoError(t, os.WriteFile(filepath.Join(dir, Namespace+".json"), []byte(doc), 0o600))

			b, err := OpenFile(dir, Namespace, nil)
			require.NoError(t, err)
			defer b.Close()

			s := New(b, nil)
			assert.True(t, s.IsFirstInstall())
			id := s.DeviceID()
			assert.NotEmpty(t, id)
			require.NoError(t, s.MarkFirstInstallComplete())
			assert.False(t, s.IsFirstInstall())
			assert.Equal(t, id, s.DeviceID())
		})
	}
}

func TestFileBackendClosed(t *testing.T) {
	b, err := OpenFile(t.TempDir(), Namespace, nil)
	require.NoError(t, err)
	require.NoError(t, b.Close())

	_, _, err = b.Get(KeyDeviceID)
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, b.Put(KeyDeviceID, []byte("x")), ErrClosed)
}
