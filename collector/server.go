// Package collector is a reference backend for the attribution SDK. It
// accepts install fingerprints and tracked events from authenticated
// projects, archives them on disk, and serves per-shortlink install data.
package collector

import (
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"attribution/delivery"
	"attribution/json"
	"attribution/metrics"
	"attribution/shortlink"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const maxBodyBytes = 1 << 20

type Server struct {
	registry      *Registry
	recent        *Recent
	archive       *archive
	admin         *AdminAuth
	metrics       *metrics.Collector
	log           *zap.Logger
	clock         func() time.Time
	allowedOrigin string
}

type Option func(*Server)

func WithLogger(log *zap.Logger) Option { return func(s *Server) { s.log = log } }

func WithMetrics(m *metrics.Collector) Option { return func(s *Server) { s.metrics = m } }

func WithClock(clock func() time.Time) Option { return func(s *Server) { s.clock = clock } }

// WithAdmin mounts the admin API behind auth.
func WithAdmin(auth *AdminAuth) Option { return func(s *Server) { s.admin = auth } }

// WithAllowedOrigin sets the CORS origin; "*" reflects any origin.
func WithAllowedOrigin(origin string) Option { return func(s *Server) { s.allowedOrigin = origin } }

func NewServer(reg *Registry, dataDir string, opts ...Option) *Server {
	s := &Server{
		registry:      reg,
		log:           zap.NewNop(),
		clock:         time.Now,
		allowedOrigin: "*",
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.log == nil {
		s.log = zap.NewNop()
	}
	s.recent = NewRecent(s.clock)
	s.archive = &archive{dir: dataDir, log: s.log}
	return s
}

// Handler returns the collector routes wrapped in CORS handling.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	auth := func(h http.HandlerFunc) http.Handler {
		return RequireProject(s.registry, s.metrics, s.log, h)
	}
	mux.Handle("POST "+delivery.FingerprintPath, auth(s.FingerprintHandler))
	mux.Handle("POST "+delivery.TrackPath, auth(s.TrackHandler))
	mux.Handle("GET "+delivery.InstallDataPath, auth(s.InstallDataHandler))

	if s.admin != nil {
		mux.Handle("POST /admin/projects", s.admin.Middleware(http.HandlerFunc(s.CreateProjectHandler)))
		mux.Handle("GET /admin/projects", s.admin.Middleware(http.HandlerFunc(s.ListProjectsHandler)))
		mux.Handle("PUT /admin/projects/{id}/install-data", s.admin.Middleware(http.HandlerFunc(s.PutInstallDataHandler)))
		mux.Handle("GET /admin/projects/{id}/records", s.admin.Middleware(http.HandlerFunc(s.RecordsHandler)))
	}
	return s.cors(mux)
}

func (s *Server) cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin == "" {
			next.ServeHTTP(w, r)
			return
		}
		if s.allowedOrigin != "*" && s.allowedOrigin != origin {
			s.log.Info("collector: origin not allowed", zap.String("origin", origin), zap.String("client_ip", extractClientIP(r)))
			s.metrics.Rejected("origin")
			w.WriteHeader(http.StatusForbidden)
			return
		}
		h := w.Header()
		h.Set("Access-Control-Allow-Origin", origin)
		h.Set("Access-Control-Allow-Methods", "GET, POST, PUT, OPTIONS")
		h.Set("Access-Control-Allow-Headers", strings.Join([]string{
			"Content-Type", "Authorization",
			delivery.HeaderTokenID, delivery.HeaderTokenSecret, delivery.HeaderApp,
		}, ", "))
		h.Set("Vary", "Origin")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// FingerprintHandler accepts an app_install body. The install is matched
// against the project's install data by the shortlink query parameter, the
// shortlink carried in extra, and finally the shortlink found in the
// referrer.
func (s *Server) FingerprintHandler(w http.ResponseWriter, r *http.Request) {
	p, _ := ProjectFrom(r.Context())

	var req delivery.InstallRequest
	if err := decodeBody(w, r, &req); err != nil {
		s.reject(w, r, p, "bad_request", err)
		return
	}
	if req.EventType == "" {
		s.reject(w, r, p, "bad_request", fmt.Errorf("event_type is required"))
		return
	}

	now := s.clock().UTC()
	rec := Record{
		ID:         uuid.Must(uuid.NewV7()).String(),
		ProjectID:  p.ID,
		Kind:       KindInstall,
		EventType:  req.EventType,
		Referrer:   req.Referrer,
		DeviceID:   extraString(req, "device_id"),
		SessionID:  extraString(req, "session_id"),
		UserAgent:  extraString(req, "user_agent"),
		ClientIP:   extractClientIP(r),
		ReceivedAt: now,
		Install:    &req,
	}
	rec.CollectedAt = correctedTime(extraInt(req, "timestamp"), now, s.log)

	var pairs map[string]string
	for _, link := range s.installCandidates(p, r.URL.Query().Get(delivery.ShortLinkParam), req) {
		if rec.ShortLink == "" {
			rec.ShortLink = link
		}
		if found, ok := s.registry.InstallData(p.ID, link); ok {
			rec.ShortLink, pairs, rec.Matched = link, found, true
			break
		}
	}

	if err := s.accept(rec); err != nil {
		s.log.Error("collector: save install", zap.String("project", p.ID), zap.String("record_id", rec.ID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to save record")
		return
	}
	s.log.Info("collector: install received",
		zap.String("project", p.ID),
		zap.String("record_id", rec.ID),
		zap.String("shortlink", rec.ShortLink),
		zap.Bool("matched", rec.Matched),
	)

	resp := map[string]any{
		"status":    "success",
		"record_id": rec.ID,
		"matched":   rec.Matched,
		"shortlink": rec.ShortLink,
	}
	if pairs != nil {
		resp["install_data"] = pairs
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) installCandidates(p *Project, query string, req delivery.InstallRequest) []string {
	var out []string
	seen := map[string]bool{}
	add := func(link string) {
		if link != "" && !seen[link] {
			seen[link] = true
			out = append(out, link)
		}
	}
	add(query)
	add(extraString(req, "shortlink"))
	if p.ShortLinkDomain != "" && req.Referrer != "" {
		if link, ok := shortlink.NewMatcher(p.ShortLinkDomain, s.log).ExtractShortLink(req.Referrer); ok {
			add(link)
		}
	}
	return out
}

// TrackHandler accepts a capture batch; every event becomes one record.
func (s *Server) TrackHandler(w http.ResponseWriter, r *http.Request) {
	p, _ := ProjectFrom(r.Context())

	var req delivery.CaptureRequest
	if err := decodeBody(w, r, &req); err != nil {
		s.reject(w, r, p, "bad_request", err)
		return
	}
	if len(req.Batch) == 0 {
		s.reject(w, r, p, "bad_request", fmt.Errorf("batch is empty"))
		return
	}
	for i, ev := range req.Batch {
		if ev.Event == "" {
			s.reject(w, r, p, "bad_request", fmt.Errorf("batch[%d]: event is required", i))
			return
		}
	}

	now := s.clock().UTC()
	ip := extractClientIP(r)
	ids := make([]string, 0, len(req.Batch))
	for i := range req.Batch {
		ev := req.Batch[i]
		rec := Record{
			ID:          uuid.Must(uuid.NewV7()).String(),
			ProjectID:   p.ID,
			Kind:        KindTrack,
			EventType:   ev.Event,
			ShortLink:   ev.Properties.ShortLink,
			DeviceID:    ev.AnonymousID,
			SessionID:   ev.System.SessionID,
			UserAgent:   ev.System.UserAgent,
			ClientIP:    ip,
			CollectedAt: correctedTime(ev.System.CollectedAt, now, s.log),
			ReceivedAt:  now,
			Capture:     &ev,
		}
		if ev.System.IPAddress != "" {
			rec.ClientIP = ev.System.IPAddress
		}
		if err := s.accept(rec); err != nil {
			s.log.Error("collector: save event", zap.String("project", p.ID), zap.String("record_id", rec.ID), zap.Error(err))
			writeError(w, http.StatusInternalServerError, "failed to save record")
			return
		}
		ids = append(ids, rec.ID)
		s.log.Debug("collector: event received",
			zap.String("project", p.ID),
			zap.String("record_id", rec.ID),
			zap.String("event_type", rec.EventType),
			zap.String("shortlink", rec.ShortLink),
		)
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"status":     "success",
		"accepted":   len(ids),
		"record_ids": ids,
	})
}

// InstallDataHandler serves the flat key/value pairs registered for a
// shortlink.
func (s *Server) InstallDataHandler(w http.ResponseWriter, r *http.Request) {
	p, _ := ProjectFrom(r.Context())
	link := r.URL.Query().Get(delivery.ShortLinkParam)
	if link == "" {
		s.reject(w, r, p, "bad_request", fmt.Errorf("shortlink is required"))
		return
	}
	pairs, ok := s.registry.InstallData(p.ID, link)
	if !ok {
		s.metrics.Rejected("not_found")
		writeError(w, http.StatusNotFound, "no install data for shortlink")
		return
	}
	writeJSON(w, http.StatusOK, pairs)
}

func (s *Server) accept(rec Record) error {
	if err := s.archive.save(rec); err != nil {
		return err
	}
	s.recent.Add(rec)
	s.metrics.Received(rec.ProjectID, rec.EventType)
	return nil
}

func (s *Server) reject(w http.ResponseWriter, r *http.Request, p *Project, reason string, err error) {
	project := ""
	if p != nil {
		project = p.ID
	}
	s.log.Info("collector: request rejected",
		zap.String("path", r.URL.Path),
		zap.String("project", project),
		zap.String("reason", reason),
		zap.String("client_ip", extractClientIP(r)),
		zap.Error(err),
	)
	s.metrics.Rejected(reason)
	writeError(w, http.StatusBadRequest, err.Error())
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return fmt.Errorf("decode body: %w", err)
	}
	return nil
}

func extraString(req delivery.InstallRequest, key string) string {
	v, ok := req.Extra.Get(key)
	if !ok {
		return ""
	}
	s, _ := v.(string)
	return s
}

func extraInt(req delivery.InstallRequest, key string) int64 {
	v, ok := req.Extra.Get(key)
	if !ok {
		return 0
	}
	switch n := v.(type) {
	case int64:
		return n
	case int:
		return int64(n)
	case float64:
		return int64(n)
	}
	return 0
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(delivery.ErrorBody(msg)))
}

func extractClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		return strings.TrimSpace(strings.Split(xff, ",")[0])
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return xri
	}
	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return ip
}
