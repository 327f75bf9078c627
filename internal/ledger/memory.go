package ledger

import "sync"

// MemoryStore is an in-process ledger for tests and dry runs. It implements
// the same latest-per-hash semantics as the persistent stores.
type MemoryStore struct {
	mu      sync.Mutex
	entries []Entry
}

// NewMemoryStore returns an empty in-memory ledger.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) Lookup(contentHash string) (*Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var found *Entry
	for i := range s.entries {
		e := s.entries[i]
		if e.ContentHash != contentHash {
			continue
		}
		if found == nil || !e.UpdateTime.Before(found.UpdateTime) {
			found = &e
		}
	}
	if found == nil {
		return nil, nil
	}
	cp := *found
	return &cp, nil
}

func (s *MemoryStore) Append(e Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, e)
	return nil
}

func (s *MemoryStore) CleanupDuplicates() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	kept := dedupeLatest(s.entries)
	removed := len(s.entries) - len(kept)
	s.entries = kept
	return removed, nil
}

func (s *MemoryStore) Entries() ([]Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Entry, len(s.entries))
	copy(out, s.entries)
	return out, nil
}

func (s *MemoryStore) Close() error {
	return nil
}
