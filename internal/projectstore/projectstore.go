// Package projectstore is the minimal project registry collaborator: an
// in-memory record of known projects, keyed by ID. Business-logic concerns
// like remote cloning and on-disk persistence across restarts are out of
// scope — this exists only so the mission pipeline has something concrete
// to resolve a project ID against.
package projectstore

import (
	"sync"

	"github.com/google/uuid"

	"github.com/alchemistral/missiond/internal/apperr"
)

// Project is a named working copy the mission pipeline operates on.
type Project struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	LocalPath   string `json:"local_path"`
	CLIAdapter  string `json:"cli_adapter"`
}

// Store is an in-memory project registry, matching the teacher's
// MockTaskRepository idiom: a mutex-guarded map, no persistence.
type Store struct {
	mu       sync.RWMutex
	projects map[string]*Project
}

// New constructs an empty Store.
func New() *Store {
	return &Store{projects: make(map[string]*Project)}
}

// Create registers a new project, defaulting CLIAdapter to "vibe" if unset.
func (s *Store) Create(name, localPath, cliAdapter string) *Project {
	if cliAdapter == "" {
		cliAdapter = "vibe"
	}
	p := &Project{
		ID:         uuid.New().String(),
		Name:       name,
		LocalPath:  localPath,
		CLIAdapter: cliAdapter,
	}
	s.mu.Lock()
	s.projects[p.ID] = p
	s.mu.Unlock()
	return p
}

// Get resolves a project by ID, returning apperr.NotFound if absent.
func (s *Store) Get(id string) (*Project, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.projects[id]
	if !ok {
		return nil, apperr.NotFound("project", id)
	}
	return p, nil
}

// List returns every registered project in no particular order.
func (s *Store) List() []*Project {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Project, 0, len(s.projects))
	for _, p := range s.projects {
		out = append(out, p)
	}
	return out
}

// Delete removes a project from the registry. It is not an error to delete
// an unknown ID.
func (s *Store) Delete(id string) {
	s.mu.Lock()
	delete(s.projects, id)
	s.mu.Unlock()
}
