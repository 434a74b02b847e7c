package ticketsync

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ============================================================================
// Test Helpers
// ============================================================================

// failingKV refuses writes once armed.
type failingKV struct {
	*MemoryKV
	fail atomic.Bool
}

func (f *failingKV) Put(key string, value []byte) error {
	if f.fail.Load() {
		return errors.New("disk full")
	}
	return f.MemoryKV.Put(key, value)
}

func fixedClock(ts time.Time) LedgerOption {
	return WithLedgerClock(func() time.Time { return ts })
}

// ============================================================================
// Ledger
// ============================================================================

func TestLedger(t *testing.T) {
	n1 := Notification{ID: "n1"}
	n2 := Notification{ID: "n2"}

	t.Run("read state survives a reload", func(t *testing.T) {
		kv := NewMemoryKV()
		l, err := OpenLedger(kv, fixedClock(t0))
		require.NoError(t, err)
		changed, err := l.MarkRead("n1")
		require.NoError(t, err)
		assert.True(t, changed)

		reloaded, err := OpenLedger(kv)
		require.NoError(t, err)
		res := reloaded.Merge([]Notification{n1, n2})
		assert.True(t, res.HasUnread)
		assert.Equal(t, []Notification{n2}, res.Unread)

		at, ok := reloaded.ReadAt("n1")
		require.True(t, ok)
		assert.Equal(t, t0, at)
	})

	t.Run("mark read is idempotent", func(t *testing.T) {
		l, err := OpenLedger(NewMemoryKV(), fixedClock(t0))
		require.NoError(t, err)
		_, err = l.MarkRead("n1")
		require.NoError(t, err)

		l.now = func() time.Time { return t0.Add(time.Hour) }
		changed, err := l.MarkRead("n1")
		require.NoError(t, err)
		assert.False(t, changed)
		at, _ := l.ReadAt("n1")
		assert.Equal(t, t0, at, "first readAt is kept")
	})

	t.Run("clear all marks everything in one write", func(t *testing.T) {
		l, err := OpenLedger(NewMemoryKV())
		require.NoError(t, err)
		_, err = l.MarkRead("n1")
		require.NoError(t, err)

		n, err := l.ClearAll([]Notification{n1, n2, {ID: "n3"}, {}})
		require.NoError(t, err)
		assert.Equal(t, 2, n)
		assert.False(t, l.Merge([]Notification{n1, n2}).HasUnread)
		assert.Len(t, l.Marks(), 3)
	})

	t.Run("failed write is rolled back", func(t *testing.T) {
		kv := &failingKV{MemoryKV: NewMemoryKV()}
		l, err := OpenLedger(kv)
		require.NoError(t, err)
		kv.fail.Store(true)

		_, err = l.MarkRead("n1")
		require.Error(t, err)
		assert.False(t, l.IsRead("n1"))

		_, err = l.ClearAll([]Notification{n1, n2})
		require.Error(t, err)
		assert.Empty(t, l.Marks())
	})

	t.Run("document carries a version", func(t *testing.T) {
		kv := NewMemoryKV()
		l, err := OpenLedger(kv, WithLedgerNamespace("custom.ns"))
		require.NoError(t, err)
		_, err = l.MarkRead("n1")
		require.NoError(t, err)

		data, err := kv.Get("custom.ns")
		require.NoError(t, err)
		var doc ledgerDocument
		require.NoError(t, json.Unmarshal(data, &doc))
		assert.Equal(t, ledgerVersion, doc.Version)
		assert.Contains(t, doc.Reads, "n1")
		assert.Equal(t, "custom.ns", l.Namespace())
	})

	t.Run("corrupt document is an error", func(t *testing.T) {
		kv := NewMemoryKV()
		require.NoError(t, kv.Put(LedgerNamespace, []byte("{nope")))
		_, err := OpenLedger(kv)
		assert.Error(t, err)
	})

	t.Run("empty id", func(t *testing.T) {
		l, err := OpenLedger(NewMemoryKV())
		require.NoError(t, err)
		_, err = l.MarkRead("")
		assert.Error(t, err)
	})

	t.Run("nil ledger treats everything as unread", func(t *testing.T) {
		var l *Ledger
		res := l.Merge([]Notification{n1})
		assert.True(t, res.HasUnread)
		assert.False(t, l.IsRead("n1"))
		assert.Nil(t, l.Marks())
	})

	t.Run("store sees marks through the ledger", func(t *testing.T) {
		l, err := OpenLedger(NewMemoryKV())
		require.NoError(t, err)
		s := NewNotificationStore(l)
		s.insert(n1)
		s.insert(n2)
		_, err = l.MarkRead("n2")
		require.NoError(t, err)
		assert.Equal(t, []Notification{n1}, s.Unread())
		assert.True(t, s.HasUnread())
	})
}

// ============================================================================
// KV stores
// ============================================================================

func TestFileStore(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "ledger")
	fs, err := NewFileStore(dir)
	require.NoError(t, err)

	v, err := fs.Get("missing")
	require.NoError(t, err)
	assert.Nil(t, v)

	require.NoError(t, fs.Put("k", []byte(`{"a":1}`)))
	require.NoError(t, fs.Put("k", []byte(`{"a":2}`)))
	v, err = fs.Get("k")
	require.NoError(t, err)
	assert.JSONEq(t, `{"a":2}`, string(v))

	info, err := os.Stat(fs.Path("k"))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 1, "no temp files left behind")
}

func TestFileStoreLedgerReopen(t *testing.T) {
	dir := t.TempDir()
	fs, err := NewFileStore(dir)
	require.NoError(t, err)
	l, err := OpenLedger(fs)
	require.NoError(t, err)
	_, err = l.MarkRead("n1")
	require.NoError(t, err)

	fs2, err := NewFileStore(dir)
	require.NoError(t, err)
	l2, err := OpenLedger(fs2)
	require.NoError(t, err)
	assert.True(t, l2.IsRead("n1"))
}

func TestFileStoreSharedLedgers(t *testing.T) {
	dir := t.TempDir()
	open := func(at time.Time) *Ledger {
		fs, err := NewFileStore(dir)
		require.NoError(t, err)
		l, err := OpenLedger(fs, fixedClock(at))
		require.NoError(t, err)
		return l
	}
	a := open(t0)
	b := open(t0.Add(time.Minute))

	_, err := a.MarkRead("n1")
	require.NoError(t, err)
	_, err = b.MarkRead("n2")
	require.NoError(t, err)

	t.Run("neither write is lost", func(t *testing.T) {
		fresh := open(t0)
		assert.True(t, fresh.IsRead("n1"))
		assert.True(t, fresh.IsRead("n2"))
	})

	t.Run("reload picks up the other ledger", func(t *testing.T) {
		require.NoError(t, a.Reload())
		assert.True(t, a.IsRead("n1"))
		assert.True(t, a.IsRead("n2"))
	})

	t.Run("earliest readAt wins", func(t *testing.T) {
		changed, err := b.MarkRead("n1")
		require.NoError(t, err)
		assert.False(t, changed)
		at, ok := b.ReadAt("n1")
		require.True(t, ok)
		assert.Equal(t, t0, at)
	})

	t.Run("clear all counts only unseen marks", func(t *testing.T) {
		c := open(t0.Add(time.Hour))
		_, err := a.MarkRead("n3")
		require.NoError(t, err)
		n, err := c.ClearAll([]Notification{{ID: "n1"}, {ID: "n3"}, {ID: "n4"}})
		require.NoError(t, err)
		assert.Equal(t, 1, n)
		at, _ := c.ReadAt("n3")
		assert.Equal(t, t0, at)
	})
}

func TestFileStoreWatch(t *testing.T) {
	dir := t.TempDir()
	fs, err := NewFileStore(dir)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var changes atomic.Int32
	done := make(chan error, 1)
	go func() { done <- fs.Watch(ctx, "k", func() { changes.Add(1) }) }()

	// Give the watcher time to register before writing.
	time.Sleep(50 * time.Millisecond)
	require.NoError(t, fs.Put("other", []byte("x")))
	require.NoError(t, fs.Put("k", []byte("v")))

	require.Eventually(t, func() bool { return changes.Load() > 0 }, waitFor, 10*time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(waitFor):
		t.Fatal("watch did not stop")
	}
}

func TestSQLiteStore(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ledger.db")
	store, err := OpenSQLiteStore(path)
	require.NoError(t, err)

	v, err := store.Get("missing")
	require.NoError(t, err)
	assert.Nil(t, v)

	l, err := OpenLedger(store, fixedClock(t0))
	require.NoError(t, err)
	_, err = l.MarkRead("n1")
	require.NoError(t, err)
	_, err = l.ClearAll([]Notification{{ID: "n2"}})
	require.NoError(t, err)
	require.NoError(t, store.Close())

	reopened, err := OpenSQLiteStore(path)
	require.NoError(t, err)
	defer reopened.Close()
	l2, err := OpenLedger(reopened)
	require.NoError(t, err)
	assert.True(t, l2.IsRead("n1"))
	assert.True(t, l2.IsRead("n2"))
	assert.Len(t, l2.Marks(), 2)
}
