package collector_test

import (
	"context"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"

	"attribution/collector"
	"attribution/config"
	"attribution/engine"
	"attribution/events"
	"attribution/json"
	"attribution/models"
	"attribution/storage"

	"github.com/cenkalti/backoff/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const (
	clickURL = "https://ih.example/abc"
	referrer = "https://play.example/store?shortlink=" + clickURL
)

type callbacks struct {
	mu     sync.Mutex
	bodies map[string][]string
}

func (c *callbacks) record(kind, body string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.bodies == nil {
		c.bodies = map[string][]string{}
	}
	c.bodies[kind] = append(c.bodies[kind], body)
}

func (c *callbacks) get(kind string) []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.bodies[kind]...)
}

type fixture struct {
	srv     *httptest.Server
	project *collector.Project
	dataDir string
}

func startCollector(t *testing.T) fixture {
	t.Helper()
	dir := t.TempDir()
	reg, err := collector.OpenRegistry(filepath.Join(dir, "projects.json"))
	require.NoError(t, err)
	p, err := reg.CreateProject("demo", "ih.example")
	require.NoError(t, err)
	require.NoError(t, reg.SetInstallData(p.ID, clickURL, map[string]string{"campaign": "spring"}))

	dataDir := filepath.Join(dir, "data")
	srv := httptest.NewServer(collector.NewServer(reg, dataDir, collector.WithLogger(zap.NewNop())).Handler())
	t.Cleanup(srv.Close)
	return fixture{srv: srv, project: p, dataDir: dataDir}
}

func (f fixture) sdkConfig(secret string) config.SDKConfig {
	cfg := config.Defaults()
	cfg.ServerURL = f.srv.URL
	cfg.TokenID = f.project.TokenID
	cfg.ProjectToken = secret
	cfg.ShortLinkDomain = "ih.example"
	return cfg
}

func (f fixture) records(t *testing.T) []string {
	t.Helper()
	files, err := filepath.Glob(filepath.Join(f.dataDir, f.project.ID, "*", "*.json"))
	require.NoError(t, err)
	return files
}

func openStore(t *testing.T, path string) *storage.Store {
	t.Helper()
	b, err := storage.OpenBolt(path, storage.Namespace)
	require.NoError(t, err)
	return storage.New(b, zap.NewNop())
}

func newEngine(store *storage.Store) *engine.Engine {
	return engine.New(store,
		engine.WithLogger(zap.NewNop()),
		engine.WithEnvironment(events.StaticEnvironment{OSName: "Android", Agent: "Dalvik/2.1.0"}),
		engine.WithReferrerSource(engine.StaticReferrer(referrer)),
		engine.WithBackOff(func() backoff.BackOff { return &backoff.ZeroBackOff{} }),
	)
}

func TestFirstLaunchFromShortLink(t *testing.T) {
	f := startCollector(t)
	store := openStore(t, filepath.Join(t.TempDir(), "sdk.db"))
	defer store.Close()

	cb := &callbacks{}
	e := newEngine(store)
	require.NoError(t, e.Initialize(f.sdkConfig(f.project.TokenSecret), cb.record, clickURL))
	e.Wait()

	install := cb.get(models.CallbackAppInstallFromShortLink)
	require.Len(t, install, 1)
	var resp struct {
		Matched     bool              `json:"matched"`
		ShortLink   string            `json:"shortlink"`
		InstallData map[string]string `json:"install_data"`
	}
	require.NoError(t, json.Unmarshal([]byte(install[0]), &resp))
	assert.True(t, resp.Matched)
	assert.Equal(t, clickURL, resp.ShortLink)
	assert.Equal(t, map[string]string{"campaign": "spring"}, resp.InstallData)

	assert.Len(t, cb.get(models.CallbackInitialized), 1)
	require.Len(t, cb.get(models.CallbackShortLinkClick), 1)
	assert.Contains(t, cb.get(models.CallbackShortLinkClick)[0], `"status":"success"`)
	assert.Len(t, cb.get(models.CallbackSessionStartFromShortLink), 1)

	assert.Empty(t, e.FailedEvents())
	value, present := e.FirstInstallState()
	assert.True(t, present)
	assert.False(t, value)
	stored, ok := e.InstallReferrer()
	assert.True(t, ok)
	assert.Equal(t, referrer, stored)
	assert.Len(t, f.records(t), 3)

	var got string
	require.NoError(t, e.TrackAppInstall(clickURL, "", func(body string) { got = body }))
	e.Wait()
	assert.Contains(t, got, `"matched":true`)
	data, ok := e.InstallData()
	require.True(t, ok)
	assert.Equal(t, map[string]string{"campaign": "spring"}, data.KeyValuePairs)
	assert.Len(t, f.records(t), 4)
}

func TestRejectedTokensQueueAndRetry(t *testing.T) {
	f := startCollector(t)
	path := filepath.Join(t.TempDir(), "sdk.db")

	store := openStore(t, path)
	cb := &callbacks{}
	e := newEngine(store)
	require.NoError(t, e.Initialize(f.sdkConfig("wrong-secret"), cb.record, clickURL))
	e.Wait()

	failed := e.FailedEvents()
	require.Len(t, failed, 3)
	for _, body := range cb.get(models.CallbackShortLinkClick) {
		assert.Contains(t, body, `"status":"error"`)
	}
	assert.Empty(t, f.records(t))
	require.NoError(t, store.Close())

	// Next process, fixed credentials: the queue survives and drains.
	store = openStore(t, path)
	defer store.Close()
	e = newEngine(store)
	require.NoError(t, e.Initialize(f.sdkConfig(f.project.TokenSecret), nil, ""))
	e.Wait()
	require.Len(t, e.FailedEvents(), 3)

	sent, err := e.RetryFailedEvents(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, sent)
	assert.Empty(t, e.FailedEvents())
	assert.Len(t, f.records(t), 3)
}
