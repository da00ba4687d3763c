package go_otdoa

import "github.com/samber/lo"

type blacklistEntry struct {
	cellID uint32
	age    int
}

// Blacklist is a small fixed table of cells the server refused to serve.
// A cell stays banned for timeout download attempts. Slot 0 cellID means empty.
//
// Blacklist is not safe for concurrent use; the engine touches it only from
// the transport-queue worker.
type Blacklist struct {
	entries [BLACKLIST_SIZE]blacklistEntry
	timeout int
}

// NewBlacklist creates an empty blacklist whose entries live for timeout ticks.
func NewBlacklist(timeout int) *Blacklist {
	if timeout <= 0 {
		timeout = DEFAULT_BLACKLIST_TIMEOUT
	}
	return &Blacklist{timeout: timeout}
}

// Check returns the remaining age of id, or 0 when it is not banned.
func (b *Blacklist) Check(id uint32) (int, error) {
	if id == 0 {
		return 0, ErrInvalidCellID
	}
	for _, e := range b.entries {
		if e.cellID == id {
			return e.age, nil
		}
	}
	return 0, nil
}

// Tick ages every entry by one and frees the ones that expire.
// It returns the number of entries freed.
func (b *Blacklist) Tick() int {
	freed := 0
	for i := range b.entries {
		if b.entries[i].cellID == 0 {
			continue
		}
		b.entries[i].age--
		if b.entries[i].age <= 0 {
			b.entries[i] = blacklistEntry{}
			freed++
		}
	}
	return freed
}

// Add bans id for timeout ticks. An existing entry for id is refreshed;
// otherwise the entry with the least age left is replaced, lowest index
// first, which always picks an empty slot when one exists.
func (b *Blacklist) Add(id uint32) error {
	if id == 0 {
		return ErrInvalidCellID
	}
	slot := 0
	for i, e := range b.entries {
		if e.cellID == id {
			slot = i
			break
		}
		if e.age < b.entries[slot].age {
			slot = i
		}
	}
	b.entries[slot] = blacklistEntry{cellID: id, age: b.timeout}
	return nil
}

// Clear removes id and returns the age it had left.
func (b *Blacklist) Clear(id uint32) (int, error) {
	if id == 0 {
		return 0, ErrInvalidCellID
	}
	for i, e := range b.entries {
		if e.cellID == id {
			b.entries[i] = blacklistEntry{}
			return e.age, nil
		}
	}
	return 0, ErrCellNotFound
}

// Reset empties the table.
func (b *Blacklist) Reset() {
	b.entries = [BLACKLIST_SIZE]blacklistEntry{}
}

// Len returns the number of banned cells.
func (b *Blacklist) Len() int {
	return lo.CountBy(b.entries[:], func(e blacklistEntry) bool {
		return e.cellID != 0
	})
}
