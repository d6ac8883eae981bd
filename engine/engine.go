// Package engine drives attribution: it runs first-install correlation and
// shortlink-open detection on lifecycle signals, builds events and hands
// them to the delivery client, queueing whatever fails.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"attribution/config"
	"attribution/delivery"
	"attribution/events"
	"attribution/json"
	"attribution/logging"
	"attribution/metrics"
	"attribution/models"
	"attribution/shortlink"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
)

var (
	ErrNotReady           = errors.New("engine not ready")
	ErrAlreadyInitialized = errors.New("engine already initialized")
)

type State int32

const (
	StateUninitialized State = iota
	StateInitializing
	StateReady
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateInitializing:
		return "initializing"
	case StateReady:
		return "ready"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// SignalKind identifies a lifecycle signal pushed by the host.
type SignalKind int

const (
	SignalLaunch SignalKind = iota
	SignalResume
	SignalNewIntent
)

func (k SignalKind) String() string {
	switch k {
	case SignalLaunch:
		return "launch"
	case SignalResume:
		return "resume"
	case SignalNewIntent:
		return "new_intent"
	default:
		return fmt.Sprintf("SignalKind(%d)", int(k))
	}
}

// Callback receives engine-level notifications: callbackType is one of the
// models.Callback* constants and jsonData the response or error body.
type Callback func(callbackType, jsonData string)

// ResponseFunc receives the response (or error) body of one track call.
type ResponseFunc func(responseJSON string)

// Sender delivers events. *delivery.Client implements it.
type Sender interface {
	Send(ctx context.Context, ev models.Event) (string, error)
	FetchInstallData(ctx context.Context, shortLink string) (map[string]string, error)
}

// Store is the persistent state the engine reads and writes.
// *storage.Store implements it.
type Store interface {
	DeviceID() string
	IsFirstInstall() bool
	FirstInstallState() (value, present bool)
	MarkFirstInstallComplete() error
	ResetFirstInstall() error
	StoreInstallData(d models.InstallData) error
	InstallData() (models.InstallData, bool)
	StoreInstallReferrer(referrer string) error
	InstallReferrer() (string, bool)
	PushFailedEvent(ev models.Event) error
	FailedEvents() []models.Event
	ClearFailedEvents() error
	DrainFailedEvents() ([]models.Event, error)
}

// Engine is created once by the host and shared by reference. Signal and
// track methods return immediately; their work runs in the background and
// always runs to completion.
type Engine struct {
	store      Store
	state      atomic.Int32
	session    *events.Session
	env        events.Environment
	referrers  ReferrerSource
	clock      func() time.Time
	newBackOff func() backoff.BackOff
	log        *zap.Logger
	ownLog     bool
	metrics    *metrics.Pipeline

	// Set once by Initialize, before the state becomes Ready.
	cfg      config.SDKConfig
	callback Callback
	matcher  *shortlink.Matcher
	factory  *events.Factory
	sender   Sender

	mu         sync.Mutex
	currentURL string

	wg sync.WaitGroup
}

type Option func(*Engine)

// WithSender replaces the HTTP delivery client built from the config.
func WithSender(s Sender) Option {
	return func(e *Engine) { e.sender = s }
}

func WithReferrerSource(r ReferrerSource) Option {
	return func(e *Engine) { e.referrers = r }
}

func WithEnvironment(env events.Environment) Option {
	return func(e *Engine) { e.env = env }
}

func WithLogger(log *zap.Logger) Option {
	return func(e *Engine) { e.log = log }
}

func WithMetrics(m *metrics.Pipeline) Option {
	return func(e *Engine) { e.metrics = m }
}

func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.clock = now }
}

// WithBackOff sets the policy between delivery attempts of one event.
func WithBackOff(newBackOff func() backoff.BackOff) Option {
	return func(e *Engine) { e.newBackOff = newBackOff }
}

func New(store Store, opts ...Option) *Engine {
	e := &Engine{
		store:   store,
		session: events.NewSession(),
		clock:   time.Now,
		newBackOff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 500 * time.Millisecond
			b.MaxElapsedTime = 2 * time.Minute
			return b
		},
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.env == nil {
		e.env = events.DetectEnvironment()
	}
	if e.log == nil {
		// Replaced by Initialize once the debug setting is known.
		e.log = zap.NewNop()
		e.ownLog = true
	}
	return e
}

func (e *Engine) State() State {
	return State(e.state.Load())
}

func (e *Engine) ready() bool {
	return e.State() == StateReady
}

// Initialize validates cfg, wires the components, moves to Ready and runs the
// launch sequence once. launchURL is the data of the intent that started
// the process, if any.
func (e *Engine) Initialize(cfg config.SDKConfig, cb Callback, launchURL string) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	if !e.state.CompareAndSwap(int32(StateUninitialized), int32(StateInitializing)) {
		return ErrAlreadyInitialized
	}

	if e.ownLog {
		log, err := logging.New(logging.Options{Debug: cfg.EnableDebugLogging, Service: "attribution-sdk"})
		if err != nil {
			log = zap.NewNop()
		}
		e.log = log
	}
	e.cfg = cfg
	e.callback = cb
	e.matcher = shortlink.NewMatcher(cfg.ShortLinkDomain, e.log)
	e.factory = events.NewFactory(e.store, e.session, e.env,
		events.WithClock(e.clock),
		events.WithLogger(e.log),
	)
	if e.sender == nil {
		e.sender = delivery.New(cfg, delivery.WithLogger(e.log), delivery.WithMetrics(e.metrics))
	}

	e.mu.Lock()
	e.currentURL = launchURL
	e.mu.Unlock()

	e.state.Store(int32(StateReady))
	e.log.Info("engine: initialized",
		zap.String("shortlink_domain", cfg.ShortLinkDomain),
		zap.String("server_url", cfg.ServerURL),
	)

	body := e.initializedBody()
	e.spawn(func(context.Context) { e.emit(models.CallbackInitialized, body) })
	e.launch(launchURL)
	return nil
}

func (e *Engine) initializedBody() string {
	raw, err := json.Marshal(map[string]string{
		"status":     "initialized",
		"device_id":  e.store.DeviceID(),
		"session_id": e.session.ID(),
	})
	if err != nil {
		return `{"status":"initialized"}`
	}
	return string(raw)
}

// launch runs first-install correlation (when due) and shortlink-open
// detection for the launch URL.
func (e *Engine) launch(launchURL string) {
	if e.cfg.FlushFailedOnLaunch {
		e.spawn(func(ctx context.Context) {
			if _, err := e.RetryFailedEvents(ctx); err != nil {
				e.log.Warn("engine: flush failed events on launch", zap.Error(err))
			}
		})
	}
	if e.store.IsFirstInstall() {
		e.log.Debug("engine: first install detected")
		e.spawn(e.correlateFirstInstall)
	} else {
		e.log.Debug("engine: not first install")
	}
	e.detectShortLinkOpen(launchURL, false)
}

// correlateFirstInstall forwards the install referrer, cached or fetched,
// as an app_install event. The first-install flag is cleared once the
// attempt is over, whether or not it was delivered.
func (e *Engine) correlateFirstInstall(ctx context.Context) {
	defer func() {
		if err := e.store.MarkFirstInstallComplete(); err != nil {
			e.log.Error("engine: mark first install complete", zap.Error(err))
		}
	}()

	referrer, ok := e.store.InstallReferrer()
	if !ok {
		fetched, err := e.FetchInstallReferrer(ctx)
		if err != nil {
			e.log.Warn("engine: fetch install referrer", zap.Error(err))
			return
		}
		referrer = fetched
	}
	if referrer == "" {
		e.log.Debug("engine: no install referrer available")
		return
	}

	e.log.Debug("engine: install referrer found", zap.String("referrer", referrer))
	ev := e.factory.Build(models.EventTypeAppInstall, events.BuildOptions{Referrer: referrer})
	body, _ := e.deliver(ctx, ev)
	e.emit(models.CallbackAppInstallFromShortLink, body)
}

// detectShortLinkOpen tracks a click and a session start for the initial
// open from a shortlink, and only an app_open_shortlink on resume.
func (e *Engine) detectShortLinkOpen(rawURL string, resume bool) {
	if rawURL == "" || !e.matcher.IsShortLink(rawURL) {
		e.log.Debug("engine: no shortlink in signal", zap.String("url", rawURL), zap.Bool("resume", resume))
		return
	}
	e.log.Info("engine: opened from shortlink", zap.String("shortlink", rawURL), zap.Bool("resume", resume))

	if resume {
		e.dispatch(models.EventTypeAppOpenShortLink, events.BuildOptions{ShortLink: rawURL},
			e.forward(models.CallbackShortLinkClick))
		return
	}
	e.dispatch(models.EventTypeShortLinkClick, events.BuildOptions{ShortLink: rawURL, DeepLink: rawURL},
		e.forward(models.CallbackShortLinkClick))
	e.dispatch(models.EventTypeSessionStartShortLink, events.BuildOptions{ShortLink: rawURL},
		e.forward(models.CallbackSessionStartFromShortLink))
}

// OnSignal accepts a lifecycle signal. Launch is handled by Initialize and
// ignored afterwards. Resume re-checks the current URL (replaced by url when
// non-empty); NewIntent replaces the current URL. Neither re-runs
// first-install correlation.
func (e *Engine) OnSignal(kind SignalKind, url string) error {
	if !e.ready() {
		return ErrNotReady
	}
	e.log.Debug("engine: signal", zap.Stringer("kind", kind), zap.String("url", url))

	switch kind {
	case SignalLaunch:
		return nil
	case SignalResume:
		e.mu.Lock()
		if url != "" {
			e.currentURL = url
		}
		current := e.currentURL
		e.mu.Unlock()
		e.detectShortLinkOpen(current, true)
	case SignalNewIntent:
		e.mu.Lock()
		e.currentURL = url
		e.mu.Unlock()
		e.detectShortLinkOpen(url, true)
	default:
		return fmt.Errorf("%w: unknown signal %v", config.ErrInvalidArgument, kind)
	}
	return nil
}

func (e *Engine) OnAppResume() error {
	return e.OnSignal(SignalResume, "")
}

func (e *Engine) OnNewIntent(url string) error {
	return e.OnSignal(SignalNewIntent, url)
}

// CurrentURL is the last intent data the engine saw.
func (e *Engine) CurrentURL() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.currentURL
}

func (e *Engine) emit(callbackType, body string) {
	if e.callback == nil {
		return
	}
	e.callback(callbackType, body)
}

func (e *Engine) forward(callbackType string) ResponseFunc {
	return func(body string) { e.emit(callbackType, body) }
}

// spawn runs fn in the background. Work is never cancelled.
func (e *Engine) spawn(fn func(ctx context.Context)) {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		fn(context.Background())
	}()
}

// Wait blocks until all background work dispatched so far has finished.
// It must not run concurrently with signals or track calls; call it once the
// host has stopped dispatching, as the CLI and tests do.
func (e *Engine) Wait() {
	e.wg.Wait()
}

func (e *Engine) DeviceID() string {
	return e.store.DeviceID()
}

func (e *Engine) SessionID() string {
	return e.session.ID()
}

func (e *Engine) InstallReferrer() (string, bool) {
	return e.store.InstallReferrer()
}

func (e *Engine) InstallData() (models.InstallData, bool) {
	return e.store.InstallData()
}

// FetchInstallReferrer asks the referrer source and persists a non-empty result.
func (e *Engine) FetchInstallReferrer(ctx context.Context) (string, error) {
	if e.referrers == nil {
		return "", nil
	}
	referrer, err := e.referrers.FetchReferrer(ctx)
	if err != nil {
		return "", fmt.Errorf("fetch install referrer: %w", err)
	}
	if referrer == "" {
		return "", nil
	}
	if err := e.store.StoreInstallReferrer(referrer); err != nil {
		e.log.Error("engine: persist install referrer", zap.Error(err))
	}
	return referrer, nil
}

func (e *Engine) ResetFirstInstall() error {
	return e.store.ResetFirstInstall()
}

func (e *Engine) FirstInstallState() (value, present bool) {
	return e.store.FirstInstallState()
}

func (e *Engine) FailedEvents() []models.Event {
	return e.store.FailedEvents()
}

func (e *Engine) ClearFailedEvents() error {
	if err := e.store.ClearFailedEvents(); err != nil {
		return err
	}
	e.metrics.QueueSize(0)
	return nil
}
