package ticketsync

import (
	"sort"
	"strings"
	"sync"
	"time"
)

// UploadStatus is the lifecycle of one upload-media request.
type UploadStatus string

const (
	UploadPending UploadStatus = "pending"
	UploadOK      UploadStatus = "ok"
	UploadFailed  UploadStatus = "failed"
)

func parseUploadStatus(s string) (UploadStatus, bool) {
	switch strings.ToLower(s) {
	case "ok", "success", "done", "uploaded":
		return UploadOK, true
	case "failed", "error", "rejected":
		return UploadFailed, true
	}
	return "", false
}

// Upload tracks one attachment sent with UploadMedia.
type Upload struct {
	ID        string       `json:"uploadId"`
	TicketID  string       `json:"ticketId"`
	Filename  string       `json:"filename"`
	MimeType  string       `json:"mimeType"`
	ByteSize  int64        `json:"byteSize"`
	Status    UploadStatus `json:"status"`
	StartedAt time.Time    `json:"startedAt"`
	AckedAt   time.Time    `json:"ackedAt,omitempty"`
}

// Uploads records outbound uploads until the server acknowledges them.
type Uploads struct {
	mu      sync.RWMutex
	items   map[string]Upload
	changes observers[Upload]
}

// NewUploads creates an empty tracker.
func NewUploads() *Uploads {
	return &Uploads{items: make(map[string]Upload)}
}

// OnChange registers a callback fired when an upload starts or resolves.
func (u *Uploads) OnChange(fn func(Upload)) { u.changes.add(fn) }

// Get returns one upload by id.
func (u *Uploads) Get(id string) (Upload, bool) {
	u.mu.RLock()
	defer u.mu.RUnlock()
	up, ok := u.items[id]
	return up, ok
}

// Pending returns the uploads still waiting for an acknowledgement.
func (u *Uploads) Pending() []Upload {
	u.mu.RLock()
	var out []Upload
	for _, up := range u.items {
		if up.Status == UploadPending {
			out = append(out, up)
		}
	}
	u.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out
}

func (u *Uploads) track(up Upload) {
	u.mu.Lock()
	u.items[up.ID] = up
	u.mu.Unlock()
	u.changes.publish(up)
}

// resolve applies an acknowledgement. Unknown ids and repeated acks are
// ignored.
func (u *Uploads) resolve(id string, status UploadStatus, at time.Time) bool {
	u.mu.Lock()
	up, ok := u.items[id]
	if !ok || up.Status != UploadPending {
		u.mu.Unlock()
		return false
	}
	up.Status = status
	up.AckedAt = at
	u.items[id] = up
	u.mu.Unlock()
	u.changes.publish(up)
	return true
}
