package codec

import (
	"sort"
	"sync"

	"github.com/vecmap-tiles/server/internal/metadata"
)

// TimestampColumns is the process-wide set of column names, without the user
// prefix, that have been seen with a timestamp type in any decoded tile.
var TimestampColumns = &ColumnSet{names: make(map[string]struct{})}

// ColumnSet is a concurrency-safe set of column names.
type ColumnSet struct {
	mu    sync.RWMutex
	names map[string]struct{}
}

// Add records a column name, stripping the user prefix.
func (s *ColumnSet) Add(name string) {
	name = metadata.DisplayName(name)
	s.mu.RLock()
	_, ok := s.names[name]
	s.mu.RUnlock()
	if ok {
		return
	}
	s.mu.Lock()
	s.names[name] = struct{}{}
	s.mu.Unlock()
}

// Has reports whether name (with or without the user prefix) is recorded.
func (s *ColumnSet) Has(name string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.names[metadata.DisplayName(name)]
	return ok
}

// Names returns the recorded names in sorted order.
func (s *ColumnSet) Names() []string {
	s.mu.RLock()
	out := make([]string, 0, len(s.names))
	for n := range s.names {
		out = append(out, n)
	}
	s.mu.RUnlock()
	sort.Strings(out)
	return out
}
