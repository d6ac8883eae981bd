package collector

import (
	"crypto/sha256"
	"crypto/subtle"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"attribution/json"

	"github.com/google/uuid"
)

var (
	ErrUnauthorized   = errors.New("unauthorized")
	ErrUnknownProject = errors.New("unknown project")
	ErrProjectExists  = errors.New("project already exists")
)

// Registry is the JSON file of projects the collector accepts events for.
// Each project owns a token pair and the install data served per shortlink.
type Registry struct {
	path string
	mu   sync.RWMutex
	data registryData
}

type registryData struct {
	Projects map[string]*Project `json:"projects"`
}

type Project struct {
	ID              string    `json:"id"`
	Name            string    `json:"name"`
	TokenID         string    `json:"token_id"`
	TokenSecret     string    `json:"token_secret"`
	ShortLinkDomain string    `json:"shortlink_domain,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
	// InstallData maps a shortlink to the pairs returned by /install-data.
	InstallData map[string]map[string]string `json:"install_data,omitempty"`
}

func (p *Project) clone() *Project {
	c := *p
	if p.InstallData != nil {
		c.InstallData = make(map[string]map[string]string, len(p.InstallData))
		for link, pairs := range p.InstallData {
			c.InstallData[link] = copyPairs(pairs)
		}
	}
	return &c
}

func copyPairs(pairs map[string]string) map[string]string {
	out := make(map[string]string, len(pairs))
	for k, v := range pairs {
		out[k] = v
	}
	return out
}

// OpenRegistry loads the registry at path, creating an empty one when the
// file does not exist.
func OpenRegistry(path string) (*Registry, error) {
	r := &Registry{
		path: path,
		data: registryData{Projects: make(map[string]*Project)},
	}
	if err := r.load(); err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("load project registry: %w", err)
		}
		if err := r.save(); err != nil {
			return nil, fmt.Errorf("create project registry: %w", err)
		}
	}
	return r, nil
}

func (r *Registry) load() error {
	raw, err := os.ReadFile(r.path)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(raw, &r.data); err != nil {
		return err
	}
	if r.data.Projects == nil {
		r.data.Projects = make(map[string]*Project)
	}
	return nil
}

// save must be called with mu held for writing.
func (r *Registry) save() error {
	raw, err := json.MarshalIndent(r.data, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal registry: %w", err)
	}
	if dir := filepath.Dir(r.path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create registry dir: %w", err)
		}
	}
	tmp := r.path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o600); err != nil {
		return fmt.Errorf("write registry: %w", err)
	}
	if err := os.Rename(tmp, r.path); err != nil {
		return fmt.Errorf("replace registry: %w", err)
	}
	return nil
}

// CreateProject registers name with a fresh token pair. The project id is
// derived from the name so the same name cannot be registered twice.
func (r *Registry) CreateProject(name, shortLinkDomain string) (*Project, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, errors.New("project name is required")
	}
	sum := sha256.Sum256([]byte(name))
	id := fmt.Sprintf("%x", sum[:8])

	tokenID, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("generate token id: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.data.Projects[id]; ok {
		return nil, fmt.Errorf("%w: %s", ErrProjectExists, name)
	}
	p := &Project{
		ID:              id,
		Name:            name,
		TokenID:         tokenID.String(),
		TokenSecret:     uuid.NewString(),
		ShortLinkDomain: strings.ToLower(strings.TrimSpace(shortLinkDomain)),
		CreatedAt:       time.Now().UTC(),
	}
	r.data.Projects[id] = p
	if err := r.save(); err != nil {
		delete(r.data.Projects, id)
		return nil, err
	}
	return p.clone(), nil
}

// Authenticate returns the project owning the token pair.
func (r *Registry) Authenticate(tokenID, secret string) (*Project, error) {
	if tokenID == "" || secret == "" {
		return nil, ErrUnauthorized
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, p := range r.data.Projects {
		if p.TokenID != tokenID {
			continue
		}
		if subtle.ConstantTimeCompare([]byte(p.TokenSecret), []byte(secret)) != 1 {
			return nil, ErrUnauthorized
		}
		return p.clone(), nil
	}
	return nil, ErrUnauthorized
}

func (r *Registry) Project(id string) (*Project, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.data.Projects[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownProject, id)
	}
	return p.clone(), nil
}

// Projects lists every project ordered by name.
func (r *Registry) Projects() []*Project {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Project, 0, len(r.data.Projects))
	for _, p := range r.data.Projects {
		out = append(out, p.clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// SetInstallData replaces the pairs served for shortLink.
func (r *Registry) SetInstallData(projectID, shortLink string, pairs map[string]string) error {
	if shortLink == "" {
		return errors.New("shortlink is required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.data.Projects[projectID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownProject, projectID)
	}
	prev, hadPrev := p.InstallData[shortLink]
	if p.InstallData == nil {
		p.InstallData = make(map[string]map[string]string)
	}
	p.InstallData[shortLink] = copyPairs(pairs)
	if err := r.save(); err != nil {
		if hadPrev {
			p.InstallData[shortLink] = prev
		} else {
			delete(p.InstallData, shortLink)
		}
		return err
	}
	return nil
}

// InstallData returns a copy of the pairs registered for shortLink.
func (r *Registry) InstallData(projectID, shortLink string) (map[string]string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.data.Projects[projectID]
	if !ok {
		return nil, false
	}
	pairs, ok := p.InstallData[shortLink]
	if !ok {
		return nil, false
	}
	return copyPairs(pairs), true
}
