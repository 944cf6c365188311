// Package search finds projects by name. Meilisearch serves queries
// when it is reachable; otherwise the database answers with a plain
// substring match.
package search

import (
	"context"
	"log"
)

// ProjectRecord is the data indexed per project. Project keys may
// contain spaces, so the primary key is a hex digest of the key.
type ProjectRecord struct {
	ID  string `json:"id"`
	Key string `json:"key"`
}

// keySearcher is the database fallback.
type keySearcher interface {
	SearchProjects(ctx context.Context, query string) ([]string, error)
}

// Service is the facade that tries Meilisearch first and falls back to
// the database.
type Service struct {
	meili    *Meili
	fallback keySearcher
}

// NewService creates a search service. meili may be nil if Meilisearch
// is not configured.
func NewService(meili *Meili, fallback keySearcher) *Service {
	return &Service{meili: meili, fallback: fallback}
}

// Search returns matching project keys.
func (s *Service) Search(ctx context.Context, query string) []string {
	if s.meili != nil && s.meili.Healthy() {
		keys, err := s.meili.Search(query)
		if err == nil {
			return nonNil(keys)
		}
		log.Printf("search: meilisearch error, falling back to database: %v", err)
	}

	keys, err := s.fallback.SearchProjects(ctx, query)
	if err != nil {
		log.Printf("search: database fallback error: %v", err)
		return []string{}
	}
	return nonNil(keys)
}

// IndexProject pushes a project into the index (fire-and-forget).
func (s *Service) IndexProject(key string) {
	if s.meili == nil || !s.meili.Healthy() {
		return
	}
	go func() {
		if err := s.meili.IndexProject(key); err != nil {
			log.Printf("search: index project %s: %v", key, err)
		}
	}()
}

// DeleteProject removes a project from the index (fire-and-forget).
func (s *Service) DeleteProject(key string) {
	if s.meili == nil || !s.meili.Healthy() {
		return
	}
	go func() {
		if err := s.meili.DeleteProject(key); err != nil {
			log.Printf("search: delete project %s: %v", key, err)
		}
	}()
}

// RenameProject swaps the indexed key (fire-and-forget).
func (s *Service) RenameProject(oldKey, newKey string) {
	if s.meili == nil || !s.meili.Healthy() {
		return
	}
	go func() {
		if err := s.meili.DeleteProject(oldKey); err != nil {
			log.Printf("search: delete project %s: %v", oldKey, err)
		}
		if err := s.meili.IndexProject(newKey); err != nil {
			log.Printf("search: index project %s: %v", newKey, err)
		}
	}()
}

// ReindexAll bulk-indexes every known project, called at startup.
func (s *Service) ReindexAll(keys []string) {
	if s.meili == nil || !s.meili.Healthy() || len(keys) == 0 {
		return
	}
	if err := s.meili.IndexProjects(keys); err != nil {
		log.Printf("search: reindex projects: %v", err)
	}
}

func nonNil(keys []string) []string {
	if keys == nil {
		return []string{}
	}
	return keys
}
