// Package credentials implements the SOCKS5 username/password credential
// store: a read-mostly set of (username, password) pairs checked during
// the USERNAME_PASSWORD subnegotiation.
package credentials

import (
	"sort"
	"sync"
)

type pair struct {
	username string
	password string
}

// Store is a set of (username, password) tuples. It is safe to add
// credentials concurrently, but the design in spec §4.4/§5 only ever
// mutates it at startup, before Serve begins; Validate is the hot path
// and is lock-free aside from the read lock needed for the rare case of
// a late Add.
type Store struct {
	mu    sync.RWMutex
	pairs []pair // kept sorted by (username, password) for binary search
}

// New builds an empty store; pairs are inserted with Add.
func New() *Store {
	return &Store{}
}

// Add inserts a credential pair. Confined to startup in normal operation.
func (s *Store) Add(username, password string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p := pair{username, password}
	i := sort.Search(len(s.pairs), func(i int) bool { return !less(s.pairs[i], p) })
	if i < len(s.pairs) && s.pairs[i] == p {
		return
	}
	s.pairs = append(s.pairs, pair{})
	copy(s.pairs[i+1:], s.pairs[i:])
	s.pairs[i] = p
}

// Len reports the number of distinct credential pairs held.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.pairs)
}

// Validate reports whether (username, password) is a member of the store,
// in O(log n) via binary search over the sorted slice.
func (s *Store) Validate(username, password string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p := pair{username, password}
	i := sort.Search(len(s.pairs), func(i int) bool { return !less(s.pairs[i], p) })
	return i < len(s.pairs) && s.pairs[i] == p
}

func less(a, b pair) bool {
	if a.username != b.username {
		return a.username < b.username
	}
	return a.password < b.password
}
