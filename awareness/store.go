package awareness

import (
	"sort"
	"time"

	"github.com/DavinciDreams/ai-notes-sub000/common"
)

// StoreOptions configures an awareness store.
type StoreOptions struct {
	// Timeout is how long an entry may go unrefreshed before Sweep removes
	// it and the client is presumed disconnected.
	Timeout time.Duration
	// DebounceInterval bounds how often SetLocal emits a broadcast under
	// rapid cursor movement. State set inside the interval is held back and
	// released by the next Flush.
	DebounceInterval time.Duration
}

// DefaultStoreOptions returns the default awareness store configuration.
func DefaultStoreOptions() StoreOptions {
	return StoreOptions{
		Timeout:          30 * time.Second,
		DebounceInterval: 100 * time.Millisecond,
	}
}

// Store holds the awareness entries of one room or one client subscription.
//
// Like the document, a Store is owned by a single task and is not safe for
// concurrent use.
type Store struct {
	opts    StoreOptions
	entries map[common.ClientID]*Entry

	// Debounce state for the local client.
	local    common.ClientID
	lastEmit time.Time
	dirty    bool
}

// NewStore creates an awareness store. The local client ID may be
// NilClientID on the server side, where no local entry exists.
func NewStore(local common.ClientID, opts StoreOptions) *Store {
	return &Store{
		opts:    opts,
		entries: make(map[common.ClientID]*Entry),
		local:   local,
	}
}

// SetLocal replaces the local client's entry and returns the record to
// broadcast. Inside the debounce interval the state is recorded but held
// back, and ok is false; the suppressed broadcast is released by Flush.
func (s *Store) SetLocal(e Entry, now time.Time) (*Record, bool) {
	e.ClientID = s.local
	e.LastSeen = now
	s.entries[s.local] = e.clone()

	if now.Sub(s.lastEmit) < s.opts.DebounceInterval {
		s.dirty = true
		return nil, false
	}
	s.lastEmit = now
	s.dirty = false
	return &Record{Kind: RecordUpsert, Entry: e.clone()}, true
}

// Flush releases a broadcast suppressed by the debounce interval, if one is
// pending and the interval has passed.
func (s *Store) Flush(now time.Time) (*Record, bool) {
	if !s.dirty || now.Sub(s.lastEmit) < s.opts.DebounceInterval {
		return nil, false
	}
	e, ok := s.entries[s.local]
	if !ok {
		s.dirty = false
		return nil, false
	}
	s.lastEmit = now
	s.dirty = false
	return &Record{Kind: RecordUpsert, Entry: e.clone()}, true
}

// ApplyRemote incorporates a peer's awareness record: upserts replace the
// entry wholesale, removals drop it. The record's freshness is judged by the
// local clock, not the sender's.
func (s *Store) ApplyRemote(r *Record, now time.Time) {
	switch r.Kind {
	case RecordUpsert:
		e := r.Entry.clone()
		e.LastSeen = now
		s.entries[e.ClientID] = e
	case RecordRemove:
		delete(s.entries, r.ClientID)
	}
}

// Remove drops a client's entry, returning the removal record to broadcast
// and whether the client was present.
func (s *Store) Remove(client common.ClientID) (*Record, bool) {
	if _, ok := s.entries[client]; !ok {
		return nil, false
	}
	delete(s.entries, client)
	return &Record{Kind: RecordRemove, ClientID: client}, true
}

// Sweep removes every entry that has not been refreshed within the timeout
// and returns the removal records to broadcast. The local entry is refreshed
// implicitly by the owner and never swept here.
func (s *Store) Sweep(now time.Time) []*Record {
	var removed []*Record
	for id, e := range s.entries {
		if id == s.local {
			continue
		}
		if now.Sub(e.LastSeen) > s.opts.Timeout {
			delete(s.entries, id)
			removed = append(removed, &Record{Kind: RecordRemove, ClientID: id})
		}
	}
	sort.Slice(removed, func(i, j int) bool {
		return removed[i].ClientID < removed[j].ClientID
	})
	return removed
}

// Get returns a copy of one client's entry.
func (s *Store) Get(client common.ClientID) (Entry, bool) {
	e, ok := s.entries[client]
	if !ok {
		return Entry{}, false
	}
	return *e.clone(), true
}

// Entries returns copies of all current entries in ascending client order,
// used to bring late joiners up to date.
func (s *Store) Entries() []Entry {
	out := make([]Entry, 0, len(s.entries))
	for _, e := range s.entries {
		out = append(out, *e.clone())
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].ClientID < out[j].ClientID
	})
	return out
}

// Len returns the number of tracked clients.
func (s *Store) Len() int {
	return len(s.entries)
}
