package platform

import (
	"context"
	"sync"

	"sendgate/internal/message"
)

// MockSender is a scriptable sender for tests.
//
// Results are consumed in order; once the script is exhausted every send
// succeeds. The zero value is ready to use.
type MockSender struct {
	mu      sync.Mutex
	script  []error
	calls   []*message.Outbound
	latency func(msg *message.Outbound) error
}

// Script appends results to be returned by subsequent sends.
func (m *MockSender) Script(errs ...error) {
	m.mu.Lock()
	m.script = append(m.script, errs...)
	m.mu.Unlock()
}

// Hook installs a per-send callback; when set, it overrides the script.
func (m *MockSender) Hook(fn func(msg *message.Outbound) error) {
	m.mu.Lock()
	m.latency = fn
	m.mu.Unlock()
}

func (m *MockSender) Send(ctx context.Context, msg *message.Outbound) error {
	if err := ctx.Err(); err != nil {
		return Retryable(err)
	}

	m.mu.Lock()
	m.calls = append(m.calls, msg)
	fn := m.latency
	var next error
	if fn == nil && len(m.script) > 0 {
		next = m.script[0]
		m.script = m.script[1:]
	}
	m.mu.Unlock()

	if fn != nil {
		return fn(msg)
	}
	return next
}

// Calls returns a copy of every message passed to Send.
func (m *MockSender) Calls() []*message.Outbound {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*message.Outbound, len(m.calls))
	copy(out, m.calls)
	return out
}

// SendCount reports how many times Send was invoked.
func (m *MockSender) SendCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.calls)
}
