package delivery

import (
	"strings"

	"attribution/json"
	"attribution/models"
)

// InstallRequest is the body of the fingerprint endpoint.
type InstallRequest struct {
	EventType string        `json:"event_type"`
	Extra     *models.Extra `json:"extra"`
	Referrer  string        `json:"referrer,omitempty"`
}

// CaptureRequest is the body of the track endpoint.
type CaptureRequest struct {
	Batch []CaptureEvent `json:"batch"`
}

type CaptureEvent struct {
	Event       string            `json:"event"`
	Fingerprint string            `json:"fingerprint"`
	UserID      string            `json:"user_id"`
	AnonymousID string            `json:"anonymous_id"`
	Properties  CaptureProperties `json:"properties"`
	System      CaptureSystem     `json:"system"`
	Type        string            `json:"type"`
	Version     string            `json:"version"`
	WriteKey    string            `json:"writeKey"`
}

type CaptureProperties struct {
	ShortLink string `json:"shortlink"`
	DeepLink  string `json:"deep_link"`
}

type CaptureSystem struct {
	IPAddress   string `json:"ip_address"`
	UserAgent   string `json:"user_agent"`
	CollectedAt int64  `json:"collected_at"`
	SessionID   string `json:"session_id"`
}

// ErrorResponse is the envelope returned in place of a response body when
// a request could not be completed.
type ErrorResponse struct {
	Status  string `json:"status"`
	Message string `json:"message"`
}

const StatusError = "error"

// ErrorBody encodes msg as an ErrorResponse.
func ErrorBody(msg string) string {
	raw, err := json.Marshal(ErrorResponse{Status: StatusError, Message: msg})
	if err != nil {
		return `{"status":"error","message":"internal error"}`
	}
	return string(raw)
}

// IsErrorResponse reports whether body is an error envelope.
func IsErrorResponse(body string) bool {
	body = strings.TrimSpace(body)
	if !strings.HasPrefix(body, "{") {
		return false
	}
	var r ErrorResponse
	if err := json.Unmarshal([]byte(body), &r); err != nil {
		return false
	}
	return r.Status == StatusError
}

// NewInstallRequest copies the event extra and adds the routing fields the
// fingerprint endpoint reads, keeping any value the caller already set.
func NewInstallRequest(ev models.Event) InstallRequest {
	extra := ev.Extra.Clone()
	if ev.UserAgent != "" {
		extra.SetIfAbsent("user_agent", ev.UserAgent)
	}
	extra.SetIfAbsent("device_id", ev.DeviceID)
	extra.SetIfAbsent("session_id", ev.SessionID)
	extra.SetIfAbsent("timestamp", ev.Timestamp)
	if ev.ShortLink != "" {
		extra.SetIfAbsent("shortlink", ev.ShortLink)
	}
	return InstallRequest{
		EventType: ev.EventType,
		Extra:     extra,
		Referrer:  ev.Referrer,
	}
}

func NewCaptureRequest(ev models.Event) CaptureRequest {
	ua := ev.UserAgent
	if ua == "" {
		ua = UserAgent
	}
	return CaptureRequest{Batch: []CaptureEvent{{
		Event:       ev.EventType,
		AnonymousID: ev.DeviceID,
		Properties: CaptureProperties{
			ShortLink: ev.ShortLink,
			DeepLink:  ev.DeepLink,
		},
		System: CaptureSystem{
			IPAddress:   ev.IPAddress,
			UserAgent:   ua,
			CollectedAt: ev.Timestamp,
			SessionID:   ev.SessionID,
		},
		Type:    "mobile",
		Version: "1",
	}}}
}
