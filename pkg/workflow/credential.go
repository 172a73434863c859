package workflow

import (
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/entrhq/waypoint/pkg/types"
)

// credentialManager holds at most one outstanding credential request per
// run. The executing step blocks on the request's channel until a user
// continues it or the run terminates; every termination path calls
// ResolveAll so no wait can hang past the end of the run.
type credentialManager struct {
	mu      sync.Mutex
	pending *pendingCredential
}

type pendingCredential struct {
	requestID string
	reason    string
	ch        chan types.CredentialResult
}

func newCredentialManager() *credentialManager {
	return &credentialManager{}
}

// Request registers a credential request and returns its id plus the
// channel the caller should block on. Only one request may be outstanding
// at a time.
func (m *credentialManager) Request(reason string) (string, <-chan types.CredentialResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.pending != nil {
		return "", nil, fmt.Errorf("credential request already pending (id %s)", m.pending.requestID)
	}

	p := &pendingCredential{
		requestID: uuid.New().String(),
		reason:    reason,
		ch:        make(chan types.CredentialResult, 1),
	}
	m.pending = p
	return p.requestID, p.ch, nil
}

// Continue resolves the pending request with continued=true. The request id
// must match the outstanding request.
func (m *credentialManager) Continue(requestID, message string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.pending == nil {
		return fmt.Errorf("no credential request pending")
	}
	if m.pending.requestID != requestID {
		return fmt.Errorf("credential request id mismatch: have %s, got %s", m.pending.requestID, requestID)
	}

	m.pending.ch <- types.CredentialResult{
		Continued: true,
		Message:   message,
		RequestID: requestID,
	}
	m.pending = nil
	return nil
}

// ResolveAll resolves any pending request with continued=false. Called from
// every run termination path (stop, completion, error, abort). Safe to call
// with nothing pending.
func (m *credentialManager) ResolveAll(reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.pending == nil {
		return
	}
	m.pending.ch <- types.CredentialResult{
		Continued: false,
		Message:   reason,
		RequestID: m.pending.requestID,
	}
	m.pending = nil
}

// PendingRequestID reports the outstanding request id, if any.
func (m *credentialManager) PendingRequestID() (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.pending == nil {
		return "", false
	}
	return m.pending.requestID, true
}
