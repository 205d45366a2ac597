package partition

import (
	"github.com/couchcryptid/festival-events-etl/internal/domain"
)

// Entry is one stored record together with the keys derived from it.
type Entry struct {
	Key         string
	Record      domain.Record
	Fingerprint string
}

// Partition is the in-memory form of one day's file: an ordered mapping from
// identity key to entry. Order follows the file, with new keys appended, so
// rewriting a partition leaves untouched lines where they were.
type Partition struct {
	ID string

	// Corrupt counts lines skipped during Load because they did not parse.
	Corrupt int

	entries []Entry
	index   map[string]int
}

// New returns an empty partition for the given day.
func New(id string) *Partition {
	return &Partition{ID: id, index: make(map[string]int)}
}

// Len returns the number of distinct identity keys held.
func (p *Partition) Len() int { return len(p.entries) }

// Get looks up the entry for an identity key.
func (p *Partition) Get(key string) (Entry, bool) {
	i, ok := p.index[key]
	if !ok {
		return Entry{}, false
	}
	return p.entries[i], true
}

// Put stores e, replacing any entry with the same key in place. It reports
// whether an existing entry was replaced.
func (p *Partition) Put(e Entry) bool {
	if i, ok := p.index[e.Key]; ok {
		p.entries[i] = e
		return true
	}
	p.index[e.Key] = len(p.entries)
	p.entries = append(p.entries, e)
	return false
}

// Entries returns the entries in file order.
func (p *Partition) Entries() []Entry {
	out := make([]Entry, len(p.entries))
	copy(out, p.entries)
	return out
}
