package storage

import (
	"context"
	"crypto/sha256"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"

	"dispersal/pkg/types"
)

// Store is a filesystem-backed fragment holder, one directory per
// jurisdiction. It stands in for the per-jurisdiction storage endpoints in
// single-host deployments and in tests; the engine only ever hands it opaque
// content references.
//
// Layout under the root:
//
//	<root>/origin/<ref-key>            seeded fragment payloads
//	<root>/<jurisdiction>/<ref-key>    fragments currently held there
type Store struct {
	root   string
	logger *zap.Logger

	mu sync.RWMutex
}

const originDir = "origin"

func NewStore(root string, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := os.MkdirAll(filepath.Join(root, originDir), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create store root: %w", err)
	}
	return &Store{root: root, logger: logger}, nil
}

// Put seeds the payload for a content reference. Registration expects the
// payload to be present before the first placement writes it out.
func (s *Store) Put(ref types.ContentRef, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return writeAtomic(filepath.Join(s.root, originDir, refKey(ref)), data)
}

// WriteFragment copies the referenced payload into the jurisdiction's
// directory. The write is atomic: a torn copy never becomes visible.
func (s *Store) WriteFragment(_ context.Context, ref types.ContentRef, jur types.JurisdictionID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(filepath.Join(s.root, originDir, refKey(ref)))
	if err != nil {
		return fmt.Errorf("unknown content ref %s: %w", ref, err)
	}

	dir := filepath.Join(s.root, jurDir(jur))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create jurisdiction dir: %w", err)
	}
	if err := writeAtomic(filepath.Join(dir, refKey(ref)), data); err != nil {
		return err
	}

	s.logger.Debug("fragment written",
		zap.String("content_ref", string(ref)),
		zap.String("jurisdiction_id", string(jur)),
		zap.Int("bytes", len(data)))
	return nil
}

// DeleteFragment removes the fragment copy from the jurisdiction's
// directory. Deleting a copy that is already gone is not an error: the
// delete phase of a move must be retryable.
func (s *Store) DeleteFragment(_ context.Context, ref types.ContentRef, jur types.JurisdictionID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	err := os.Remove(filepath.Join(s.root, jurDir(jur), refKey(ref)))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete fragment: %w", err)
	}

	s.logger.Debug("fragment deleted",
		zap.String("content_ref", string(ref)),
		zap.String("jurisdiction_id", string(jur)))
	return nil
}

// Holdings lists the content references currently held in a jurisdiction,
// sorted. Used by operator tooling to audit where fragments physically sit.
func (s *Store) Holdings(jur types.JurisdictionID) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entries, err := os.ReadDir(filepath.Join(s.root, jurDir(jur)))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	refs := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() {
			refs = append(refs, e.Name())
		}
	}
	sort.Strings(refs)
	return refs, nil
}

// writeAtomic writes via a temp file and rename so readers never observe a
// partial payload.
func writeAtomic(path string, data []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("failed to write fragment: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to commit fragment: %w", err)
	}
	return nil
}

// refKey makes a content reference safe to use as a file name. References
// are opaque and may contain path separators, so the name is the reference's
// digest with a readable prefix.
func refKey(ref types.ContentRef) string {
	sum := sha256.Sum256([]byte(ref))
	safe := strings.ReplaceAll(string(ref), "/", "_")
	if len(safe) > 32 {
		safe = safe[:32]
	}
	return fmt.Sprintf("%s-%x", safe, sum[:8])
}

// jurDir keeps jurisdiction directories flat even if an id ever carries a
// separator.
func jurDir(jur types.JurisdictionID) string {
	return strings.ReplaceAll(string(jur), "/", "_")
}
