// Package ingest turns batch manifests into queued batches. Manifests are
// YAML or JSON files, either handed to the CLI or dropped into a watched
// directory.
package ingest

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/turnstile-dev/turnstile/internal/domain"
	"github.com/turnstile-dev/turnstile/internal/statestore"
)

// ManifestTask is one task entry in a manifest
type ManifestTask struct {
	Title   string      `yaml:"title" json:"title"`
	Payload interface{} `yaml:"payload" json:"payload"`
}

// Manifest is the on-disk description of a batch
type Manifest struct {
	Name  string         `yaml:"name" json:"name"`
	Tasks []ManifestTask `yaml:"tasks" json:"tasks"`
}

// ParseManifest decodes a manifest. YAML is a superset of JSON, so one
// decoder covers both file types.
func ParseManifest(data []byte) (*Manifest, error) {
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parsing manifest: %w", err)
	}
	return &m, nil
}

// ToBatch converts a manifest into a queued batch and its task list.
// An empty task list is allowed; the orchestrator skips such batches with
// a warning rather than refusing them at the door.
func (m *Manifest) ToBatch(now time.Time) (*domain.Batch, []domain.Task, error) {
	if m.Name == "" {
		return nil, nil, fmt.Errorf("manifest has no name")
	}

	tasks := make([]domain.Task, len(m.Tasks))
	for i, mt := range m.Tasks {
		payload, err := json.Marshal(mt.Payload)
		if err != nil {
			return nil, nil, fmt.Errorf("task %d payload: %w", i, err)
		}
		tasks[i] = domain.Task{
			Index:        i,
			Payload:      payload,
			DisplayTitle: mt.Title,
		}
	}

	batch := &domain.Batch{
		ID:         domain.NewBatchID(now),
		Name:       m.Name,
		TotalCount: len(tasks),
		Status:     domain.BatchPending,
		CreatedAt:  now,
	}
	return batch, tasks, nil
}

// ImportFile parses one manifest file and queues it as a batch. A manifest
// without a name takes the file's base name.
func ImportFile(store *statestore.Store, path string) (*domain.Batch, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	m, err := ParseManifest(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	if m.Name == "" {
		m.Name = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	}

	batch, tasks, err := m.ToBatch(time.Now())
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}

	if err := store.AddBatch(batch, tasks); err != nil {
		return nil, err
	}
	return batch, nil
}

// IsManifestPath reports whether a file name looks like a manifest
func IsManifestPath(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml", ".json":
		return true
	}
	return false
}
