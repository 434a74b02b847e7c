package ticketsync

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"
)

// LedgerNamespace is the fixed key the read-state ledger is stored under.
const LedgerNamespace = "ticketsync.notifications.read"

// ledgerVersion is written with every document. Readers accept newer
// versions as long as the reads map still decodes.
const ledgerVersion = 1

type ledgerDocument struct {
	Version int                  `json:"version"`
	Reads   map[string]time.Time `json:"reads"`
}

// MergeResult is the read-state view of a freshly fetched feed.
type MergeResult struct {
	Unread    []Notification
	HasUnread bool
}

// Ledger persists notification read-state locally across restarts. It is
// never synchronized with the server: it records what this installation
// has seen. Every write reaches the KVStore before the call returns.
type Ledger struct {
	mu        sync.Mutex
	kv        KVStore
	namespace string
	reads     map[string]time.Time
	now       func() time.Time
}

// LedgerOption configures OpenLedger.
type LedgerOption func(*Ledger)

// WithLedgerNamespace overrides LedgerNamespace, e.g. one ledger per user.
func WithLedgerNamespace(ns string) LedgerOption {
	return func(l *Ledger) { l.namespace = ns }
}

// WithLedgerClock overrides the clock used for readAt.
func WithLedgerClock(now func() time.Time) LedgerOption {
	return func(l *Ledger) { l.now = now }
}

// OpenLedger loads the ledger stored in kv.
func OpenLedger(kv KVStore, opts ...LedgerOption) (*Ledger, error) {
	l := &Ledger{
		kv:        kv,
		namespace: LedgerNamespace,
		reads:     make(map[string]time.Time),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	if err := l.Reload(); err != nil {
		return nil, err
	}
	return l, nil
}

// Namespace returns the KVStore key the ledger is stored under.
func (l *Ledger) Namespace() string { return l.namespace }

// Reload re-reads the stored document, picking up writes made by another
// process sharing the same store. Marks are only ever added: a mark known
// locally survives even if the stored document lacks it.
func (l *Ledger) Reload() error {
	stored, err := l.load()
	if err != nil {
		return err
	}
	l.mu.Lock()
	mergeReads(l.reads, stored)
	l.mu.Unlock()
	return nil
}

// MarkRead records id as read. Marking an id twice, from this ledger or
// from another one sharing the store, keeps the first readAt and reports
// false.
func (l *Ledger) MarkRead(id string) (bool, error) {
	if id == "" {
		return false, fmt.Errorf("mark read: empty notification id")
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.reads[id]; ok {
		return false, nil
	}
	n, err := l.commit(map[string]time.Time{id: l.now().UTC()})
	return n == 1, err
}

// ClearAll marks every given notification read in one write and returns
// how many were newly marked.
func (l *Ledger) ClearAll(notifications []Notification) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	at := l.now().UTC()
	added := make(map[string]time.Time)
	for _, n := range notifications {
		if n.ID == "" {
			continue
		}
		if _, ok := l.reads[n.ID]; ok {
			continue
		}
		added[n.ID] = at
	}
	if len(added) == 0 {
		return 0, nil
	}
	return l.commit(added)
}

// Merge combines a fetched feed with the local marks. A nil Ledger treats
// everything as unread.
func (l *Ledger) Merge(notifications []Notification) MergeResult {
	var res MergeResult
	for _, n := range notifications {
		if !l.IsRead(n.ID) {
			res.Unread = append(res.Unread, n)
		}
	}
	res.HasUnread = len(res.Unread) > 0
	return res
}

// IsRead reports whether id has a read mark.
func (l *Ledger) IsRead(id string) bool {
	_, ok := l.ReadAt(id)
	return ok
}

// ReadAt returns when id was marked read.
func (l *Ledger) ReadAt(id string) (time.Time, bool) {
	if l == nil {
		return time.Time{}, false
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	at, ok := l.reads[id]
	return at, ok
}

// Marks returns every read mark ordered by readAt.
func (l *Ledger) Marks() []ReadMark {
	if l == nil {
		return nil
	}
	l.mu.Lock()
	out := make([]ReadMark, 0, len(l.reads))
	for id, at := range l.reads {
		out = append(out, ReadMark{NotificationID: id, ReadAt: at})
	}
	l.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if !out[i].ReadAt.Equal(out[j].ReadAt) {
			return out[i].ReadAt.Before(out[j].ReadAt)
		}
		return out[i].NotificationID < out[j].NotificationID
	})
	return out
}

// commit unions the stored document, the local marks and added, writes the
// result and adopts it. It returns how many of added were not already read
// in either. Local state is untouched when the write fails. Callers hold
// l.mu.
func (l *Ledger) commit(added map[string]time.Time) (int, error) {
	merged, err := l.load()
	if err != nil {
		return 0, err
	}
	mergeReads(merged, l.reads)
	fresh := 0
	for id, at := range added {
		if _, ok := merged[id]; ok {
			continue
		}
		merged[id] = at
		fresh++
	}
	if fresh > 0 {
		if err := l.persist(merged); err != nil {
			return 0, err
		}
	}
	l.reads = merged
	return fresh, nil
}

// load decodes the stored document. A missing document is empty.
func (l *Ledger) load() (map[string]time.Time, error) {
	data, err := l.kv.Get(l.namespace)
	if err != nil {
		return nil, fmt.Errorf("load read ledger: %w", err)
	}
	reads := make(map[string]time.Time)
	if len(data) == 0 {
		return reads, nil
	}
	var doc ledgerDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("decode read ledger: %w", err)
	}
	mergeReads(reads, doc.Reads)
	return reads, nil
}

// persist writes reads as the whole document.
func (l *Ledger) persist(reads map[string]time.Time) error {
	data, err := json.Marshal(ledgerDocument{Version: ledgerVersion, Reads: reads})
	if err != nil {
		return fmt.Errorf("encode read ledger: %w", err)
	}
	if err := l.kv.Put(l.namespace, data); err != nil {
		return fmt.Errorf("save read ledger: %w", err)
	}
	return nil
}

// mergeReads adds src into dst. The earliest readAt wins.
func mergeReads(dst, src map[string]time.Time) {
	for id, at := range src {
		if cur, ok := dst[id]; ok && !at.Before(cur) {
			continue
		}
		dst[id] = at
	}
}
