package search

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log"
	"sync/atomic"
	"time"

	meili "github.com/meilisearch/meilisearch-go"
)

const idxProjects = "atelier_projects"

// Meili serves project search via Meilisearch.
type Meili struct {
	client  meili.ServiceManager
	healthy atomic.Bool
	done    chan struct{}
}

// NewMeili creates a Meilisearch client and configures the project
// index. The client starts unhealthy if the initial connection fails
// and recovers through the background health loop.
func NewMeili(url, apiKey string) *Meili {
	client := meili.New(url, meili.WithAPIKey(apiKey))

	m := &Meili{
		client: client,
		done:   make(chan struct{}),
	}

	if _, err := client.Health(); err != nil {
		log.Printf("search: meilisearch unavailable at %s: %v", url, err)
		m.healthy.Store(false)
	} else {
		m.healthy.Store(true)
		m.configureIndex()
	}

	go m.healthLoop()
	return m
}

func (m *Meili) configureIndex() {
	if _, err := m.client.CreateIndex(&meili.IndexConfig{
		Uid:        idxProjects,
		PrimaryKey: "id",
	}); err != nil {
		log.Printf("search: create index %s (may already exist): %v", idxProjects, err)
	}

	searchable := []string{"key"}
	if _, err := m.client.Index(idxProjects).UpdateSearchableAttributes(&searchable); err != nil {
		log.Printf("search: update searchable attrs for %s: %v", idxProjects, err)
	}
}

func (m *Meili) healthLoop() {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
			_, err := m.client.Health()
			wasHealthy := m.healthy.Load()
			m.healthy.Store(err == nil)
			if err == nil && !wasHealthy {
				log.Println("search: meilisearch recovered, reconfiguring index")
				m.configureIndex()
			}
		}
	}
}

// Close stops the background health monitor.
func (m *Meili) Close() {
	close(m.done)
}

// Healthy reports whether Meilisearch is reachable.
func (m *Meili) Healthy() bool {
	return m.healthy.Load()
}

// Search returns matching project keys.
func (m *Meili) Search(query string) ([]string, error) {
	if !m.healthy.Load() {
		return nil, fmt.Errorf("meilisearch unhealthy")
	}

	resp, err := m.client.Index(idxProjects).Search(query, &meili.SearchRequest{
		Limit: 50,
	})
	if err != nil {
		m.healthy.Store(false)
		return nil, fmt.Errorf("meilisearch search: %w", err)
	}

	keys := make([]string, 0, len(resp.Hits))
	for _, hit := range resp.Hits {
		if key := decodeString(hit, "key"); key != "" {
			keys = append(keys, key)
		}
	}
	return keys, nil
}

// IndexProject adds or updates a project in the index.
func (m *Meili) IndexProject(key string) error {
	_, err := m.client.Index(idxProjects).AddDocuments([]ProjectRecord{toRecord(key)}, nil)
	return err
}

// IndexProjects bulk-indexes projects.
func (m *Meili) IndexProjects(keys []string) error {
	if len(keys) == 0 {
		return nil
	}
	records := make([]ProjectRecord, len(keys))
	for i, key := range keys {
		records[i] = toRecord(key)
	}
	_, err := m.client.Index(idxProjects).AddDocuments(records, nil)
	return err
}

// DeleteProject removes a project from the index.
func (m *Meili) DeleteProject(key string) error {
	_, err := m.client.Index(idxProjects).DeleteDocument(projectID(key), nil)
	return err
}

func toRecord(key string) ProjectRecord {
	return ProjectRecord{ID: projectID(key), Key: key}
}

// projectID derives a Meilisearch-safe primary key; raw project keys
// can hold characters Meilisearch rejects in document IDs.
func projectID(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:16])
}

func decodeString(hit meili.Hit, key string) string {
	raw, ok := hit[key]
	if !ok {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return ""
}
