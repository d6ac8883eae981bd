package collector

import (
	"errors"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
)

// projectView is a project without its token secret.
type projectView struct {
	ID              string    `json:"id"`
	Name            string    `json:"name"`
	TokenID         string    `json:"token_id"`
	ShortLinkDomain string    `json:"shortlink_domain,omitempty"`
	ShortLinks      []string  `json:"shortlinks"`
	CreatedAt       time.Time `json:"created_at"`
}

func viewOf(p *Project) projectView {
	links := make([]string, 0, len(p.InstallData))
	for link := range p.InstallData {
		links = append(links, link)
	}
	sort.Strings(links)
	return projectView{
		ID:              p.ID,
		Name:            p.Name,
		TokenID:         p.TokenID,
		ShortLinkDomain: p.ShortLinkDomain,
		ShortLinks:      links,
		CreatedAt:       p.CreatedAt,
	}
}

// CreateProjectHandler registers a project and returns its token pair. The
// secret is only ever returned here.
func (s *Server) CreateProjectHandler(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name            string `json:"name"`
		ShortLinkDomain string `json:"shortlink_domain"`
	}
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if strings.TrimSpace(req.Name) == "" {
		writeError(w, http.StatusBadRequest, "name is required")
		return
	}

	p, err := s.registry.CreateProject(req.Name, req.ShortLinkDomain)
	if errors.Is(err, ErrProjectExists) {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	if err != nil {
		s.log.Error("collector: create project", zap.String("name", req.Name), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to create project")
		return
	}
	admin, _ := AdminFrom(r.Context())
	s.log.Info("collector: project created", zap.String("project", p.ID), zap.String("admin", admin))

	writeJSON(w, http.StatusCreated, struct {
		ID          string    `json:"id"`
		Name        string    `json:"name"`
		TokenID     string    `json:"token_id"`
		TokenSecret string    `json:"token_secret"`
		CreatedAt   time.Time `json:"created_at"`
	}{p.ID, p.Name, p.TokenID, p.TokenSecret, p.CreatedAt})
}

func (s *Server) ListProjectsHandler(w http.ResponseWriter, r *http.Request) {
	projects := s.registry.Projects()
	out := make([]projectView, 0, len(projects))
	for _, p := range projects {
		out = append(out, viewOf(p))
	}
	writeJSON(w, http.StatusOK, out)
}

// PutInstallDataHandler sets the pairs served for one shortlink.
func (s *Server) PutInstallDataHandler(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var req struct {
		ShortLink string            `json:"shortlink"`
		Pairs     map[string]string `json:"pairs"`
	}
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.ShortLink == "" {
		writeError(w, http.StatusBadRequest, "shortlink is required")
		return
	}

	err := s.registry.SetInstallData(id, req.ShortLink, req.Pairs)
	if errors.Is(err, ErrUnknownProject) {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	if err != nil {
		s.log.Error("collector: set install data", zap.String("project", id), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to save install data")
		return
	}
	s.log.Info("collector: install data updated",
		zap.String("project", id),
		zap.String("shortlink", req.ShortLink),
		zap.Int("pairs", len(req.Pairs)),
	)
	w.WriteHeader(http.StatusNoContent)
}

// RecordsHandler lists records since start-minutes-since-epoch, defaulting
// to the recent window. The in-memory ring answers when it covers the
// range; older ranges are read from the archive.
func (s *Server) RecordsHandler(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := s.registry.Project(id); err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}

	now := s.clock().UTC()
	start := toMinutesSinceEpoch(now) - (WindowMinutes - 1)
	if raw := r.URL.Query().Get("start-minutes-since-epoch"); raw != "" {
		parsed, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid start-minutes-since-epoch format")
			return
		}
		start = parsed
	}

	if recs, ok := s.recent.Since(id, start); ok {
		s.log.Debug("collector: records from ring", zap.String("project", id), zap.Int("count", len(recs)))
		writeJSON(w, http.StatusOK, recs)
		return
	}
	recs, err := s.archive.since(id, start, now)
	if err != nil {
		s.log.Error("collector: read archive", zap.String("project", id), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to read records")
		return
	}
	writeJSON(w, http.StatusOK, recs)
}
