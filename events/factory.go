// Package events builds enriched Event records from an event type, optional
// link data and a snapshot of the device environment.
package events

import (
	"sort"
	"time"

	"attribution/models"

	"go.uber.org/zap"
)

// UnknownUserAgent is reported when the environment has no user agent.
const UnknownUserAgent = "Unknown"

// SchemaKeys lists the fixed extra fields in the order they are written.
var SchemaKeys = []string{
	"device", "device_model", "device_vendor", "os", "os_version",
	"cpu_architecture", "platform", "vendor", "hardware_concurrency",
	"screen_width", "screen_height", "language", "timezone", "ua",
	"country", "city", "region", "latitude", "longitude", "continent",
	"browser", "browser_version", "engine", "engine_version",
	"bot", "referrer", "referrer_url", "identity_hash", "ip", "qr",
	"max_touch_points", "cookie_enabled", "do_not_track", "path",
}

// DeviceIDSource supplies the persisted device identifier.
type DeviceIDSource interface {
	DeviceID() string
}

type BuildOptions struct {
	ShortLink string
	DeepLink  string
	Referrer  string
	// Extra is merged after the fixed schema; its values win on collision.
	Extra map[string]string
}

type Factory struct {
	ids     DeviceIDSource
	session *Session
	env     Environment
	now     func() time.Time
	log     *zap.Logger
}

type FactoryOption func(*Factory)

// WithClock replaces time.Now as the source of event timestamps.
func WithClock(now func() time.Time) FactoryOption {
	return func(f *Factory) { f.now = now }
}

func WithLogger(log *zap.Logger) FactoryOption {
	return func(f *Factory) { f.log = log }
}

func NewFactory(ids DeviceIDSource, session *Session, env Environment, opts ...FactoryOption) *Factory {
	if env == nil {
		env = StaticEnvironment{}
	}
	if session == nil {
		session = NewSession()
	}
	f := &Factory{
		ids:     ids,
		session: session,
		env:     env,
		now:     time.Now,
		log:     zap.NewNop(),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

func (f *Factory) Session() *Session {
	return f.session
}

func (f *Factory) Build(eventType string, opts BuildOptions) models.Event {
	ua := f.userAgent()
	ip, _ := f.env.IPAddress()

	extra := f.schema(ua, ip)
	if len(opts.Extra) > 0 {
		keys := make([]string, 0, len(opts.Extra))
		for k := range opts.Extra {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			extra.Set(k, opts.Extra[k])
		}
	}

	ev := models.Event{
		EventType: eventType,
		ShortLink: opts.ShortLink,
		DeepLink:  opts.DeepLink,
		Referrer:  opts.Referrer,
		DeviceID:  f.ids.DeviceID(),
		SessionID: f.session.ID(),
		Timestamp: f.now().UnixMilli(),
		Extra:     extra,
		UserAgent: ua,
		IPAddress: ip,
	}
	f.log.Debug("events: built",
		zap.String("event_type", ev.EventType),
		zap.String("shortlink", ev.ShortLink),
		zap.Int("extra_fields", extra.Len()),
	)
	return ev
}

func (f *Factory) userAgent() string {
	if ua, ok := f.env.UserAgent(); ok {
		return ua
	}
	return UnknownUserAgent
}

// schema writes every SchemaKeys entry, using the zero value of its type
// when the environment cannot answer.
func (f *Factory) schema(ua, ip string) *models.Extra {
	str := func(v string, _ bool) string { return v }
	num := func(v int, ok bool) int {
		if !ok {
			return 0
		}
		return v
	}
	width, height, ok := f.env.ScreenSize()
	if !ok {
		width, height = 0, 0
	}

	e := models.NewExtra()
	e.Set("device", str(f.env.Device()))
	e.Set("device_model", str(f.env.DeviceModel()))
	e.Set("device_vendor", str(f.env.DeviceVendor()))
	e.Set("os", str(f.env.OS()))
	e.Set("os_version", str(f.env.OSVersion()))
	e.Set("cpu_architecture", str(f.env.CPUArchitecture()))
	e.Set("platform", str(f.env.Platform()))
	e.Set("vendor", str(f.env.Vendor()))
	e.Set("hardware_concurrency", num(f.env.HardwareConcurrency()))
	e.Set("screen_width", width)
	e.Set("screen_height", height)
	e.Set("language", str(f.env.Language()))
	e.Set("timezone", str(f.env.Timezone()))
	e.Set("ua", ua)

	// Location and browser fields are never known on device.
	for _, k := range []string{"country", "city", "region", "latitude", "longitude", "continent",
		"browser", "browser_version", "engine", "engine_version"} {
		e.Set(k, "")
	}

	e.Set("bot", false)
	e.Set("referrer", "")
	e.Set("referrer_url", "")
	e.Set("identity_hash", "")
	e.Set("ip", ip)
	e.Set("qr", false)
	e.Set("max_touch_points", 0)
	e.Set("cookie_enabled", false)
	e.Set("do_not_track", "")
	e.Set("path", "")
	return e
}
