// Package correlation implements the FIFO pending-request queue that pairs
// an outbound MQTT-triggered serial command with the asynchronous serial
// response(s) it provokes. Grounded on
// original_source/ja2mqtt/components/bridge.py's PendingRequest /
// SerialMQTTBridge.update_correlation.
package correlation

import (
	"sync"
	"time"
)

// PendingRequest is a single outstanding correlation slot, created when a
// mqtt2serial rule writes a command to the serial port.
type PendingRequest struct {
	CorrID    *string
	CreatedAt time.Time
	TTL       int
}

func (p *PendingRequest) expired(now time.Time, timeout time.Duration) bool {
	return timeout > 0 && now.Sub(p.CreatedAt) > timeout
}

// Manager is a thread-safe FIFO of PendingRequest, consulted once per
// inbound serial line before the topic/rule walk begins (spec.md §4.5,
// Open Question decided in SPEC_FULL.md: the same patch value returned by
// the single Next() call is reused across the whole rule iteration for that
// line, not redrawn per rule).
type Manager struct {
	mu      sync.Mutex
	queue   []*PendingRequest
	current *PendingRequest
	timeout time.Duration
}

// NewManager builds a Manager whose entries expire after timeout has
// elapsed since creation. timeout <= 0 disables expiry.
func NewManager(timeout time.Duration) *Manager {
	return &Manager{timeout: timeout}
}

// Push enqueues a new pending request, decrementing TTL is the caller's
// responsibility via Next; ttl is the number of serial responses this
// request is still eligible to correlate against.
func (m *Manager) Push(corrID *string, ttl int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.queue = append(m.queue, &PendingRequest{
		CorrID:    corrID,
		CreatedAt: time.Now(),
		TTL:       ttl,
	})
}

// Next implements update_correlation's "a new request always supersedes the
// previous" rule (original_source/ja2mqtt/components/bridge.py:102-118): if
// the queue is non-empty, its front entry unconditionally becomes the new
// current request, discarding whatever TTL remained on the old one. Only
// when the queue is empty does the existing current request's own TTL keep
// being consulted and decremented across calls. Next returns the current
// request's correlation ID (if any and not expired) and whether a pending
// request was consulted at all.
func (m *Manager) Next() (corrID *string, ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	for len(m.queue) > 0 && m.queue[0].expired(now, m.timeout) {
		m.queue = m.queue[1:]
	}
	if len(m.queue) > 0 {
		m.current = m.queue[0]
		m.queue = m.queue[1:]
	}

	if m.current == nil {
		return nil, false
	}
	if m.current.expired(now, m.timeout) {
		m.current = nil
		return nil, false
	}

	current := m.current
	current.TTL--
	if current.TTL <= 0 {
		m.current = nil
	}
	return current.CorrID, true
}

// Len reports the number of pending requests currently queued (the current
// slot is not counted), used by tests.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.queue)
}

// Patch builds the `write` merge-patch for a correlation ID, per spec.md's
// correlation_id field name: {<correlationIDField>: <corrID>}, or nil if
// no correlation ID is configured/available.
func Patch(field string, corrID *string) map[string]any {
	if field == "" || corrID == nil {
		return nil
	}
	return map[string]any{field: *corrID}
}
