package duplicatedetection

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"

	"sidequest/pkg/models"
)

// FileRepositoryStore persists the managed repository set as a single JSON
// file. This is the worker's own config store (per the worker contract's
// note that RepositoryConfig ownership is external to the runtime), not
// part of the Job Repository.
type FileRepositoryStore struct {
	mu   sync.Mutex
	path string
}

func NewFileRepositoryStore(path string) *FileRepositoryStore {
	return &FileRepositoryStore{path: path}
}

func (s *FileRepositoryStore) ListRepositories(ctx context.Context) ([]models.RepositoryConfig, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.load()
}

func (s *FileRepositoryStore) RecordScan(ctx context.Context, repoName string, entry models.ScanHistoryEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	repos, err := s.load()
	if err != nil {
		return err
	}
	for i := range repos {
		if repos[i].Name != repoName {
			continue
		}
		scannedAt := entry.ScannedAt
		repos[i].LastScannedAt = &scannedAt
		repos[i].ScanHistory = append(repos[i].ScanHistory, entry)
		break
	}
	return s.save(repos)
}

func (s *FileRepositoryStore) load() ([]models.RepositoryConfig, error) {
	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("duplicatedetection: read repository store: %w", err)
	}
	var repos []models.RepositoryConfig
	if err := json.Unmarshal(data, &repos); err != nil {
		return nil, fmt.Errorf("duplicatedetection: parse repository store: %w", err)
	}
	return repos, nil
}

func (s *FileRepositoryStore) save(repos []models.RepositoryConfig) error {
	data, err := json.MarshalIndent(repos, "", "  ")
	if err != nil {
		return fmt.Errorf("duplicatedetection: marshal repository store: %w", err)
	}
	if err := os.WriteFile(s.path, data, 0644); err != nil {
		return fmt.Errorf("duplicatedetection: write repository store: %w", err)
	}
	return nil
}

var _ RepositoryStore = (*FileRepositoryStore)(nil)
