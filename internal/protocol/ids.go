package protocol

import (
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(rand.New(rand.NewSource(time.Now().UnixNano())), 0)
)

// newID returns prefix + "_" + a lowercase ULID. IDs from one process sort
// in creation order.
func newID(prefix string) string {
	entropyMu.Lock()
	id := ulid.MustNew(ulid.Timestamp(time.Now()), entropy)
	entropyMu.Unlock()
	return prefix + "_" + strings.ToLower(id.String())
}

// NewMessageID returns a fresh message ID.
func NewMessageID() string { return newID("msg") }

// NewRunID returns a fresh run ID.
func NewRunID() string { return newID("run") }

// NewTaskID returns a fresh task ID.
func NewTaskID() string { return newID("task") }

// NewThreadID returns a fresh thread ID.
func NewThreadID() string { return newID("thr") }
