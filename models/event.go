package models

// Event is a single lifecycle event as built on the device. It is not
// modified after construction; the wire encoders copy Extra before adding
// routing fields to it.
type Event struct {
	EventType string `json:"event_type"`
	ShortLink string `json:"shortlink,omitempty"`
	DeepLink  string `json:"deep_link,omitempty"`
	Referrer  string `json:"referrer,omitempty"`
	DeviceID  string `json:"device_id"`
	SessionID string `json:"session_id"`
	// Timestamp is epoch milliseconds.
	Timestamp int64  `json:"timestamp"`
	Extra     *Extra `json:"extra"`
	UserAgent string `json:"user_agent,omitempty"`
	IPAddress string `json:"ip_address,omitempty"`
}

// InstallData holds the key/value pairs the backend pre-computed for the
// shortlink an install came from. A later fetch overwrites it as a whole.
type InstallData struct {
	ShortLink     string            `json:"short_link"`
	KeyValuePairs map[string]string `json:"key_value_pairs"`
	Timestamp     int64             `json:"timestamp"`
}

// EventType constants
const (
	EventTypeAppInstall            = "app_install"
	EventTypeAppOpen               = "app_open"
	EventTypeAppOpenShortLink      = "app_open_shortlink"
	EventTypeSessionStart          = "session_start"
	EventTypeSessionStartShortLink = "session_start_shortlink"
	EventTypeShortLinkClick        = "short_link_click"
)

// Callback types delivered on the host callback channel.
const (
	CallbackInitialized               = "initialized"
	CallbackAppInstallFromShortLink   = "app_install_from_shortlink"
	CallbackShortLinkClick            = "shortlink_click"
	CallbackSessionStartFromShortLink = "session_start_from_shortlink"
)
