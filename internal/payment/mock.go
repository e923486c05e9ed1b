package payment

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// MockGateway is an in-process provider for tests and cmd/simulate. Intents
// are idempotent per order id. Failure modes are scripted, not random, so
// tests stay deterministic.
type MockGateway struct {
	mu      sync.Mutex
	intents map[string]Intent

	// when set, every call fails with the matching sentinel
	Unavailable bool
	RejectAll   bool
}

func NewMockGateway() *MockGateway {
	return &MockGateway{intents: make(map[string]Intent)}
}

func (m *MockGateway) CreateIntent(_ context.Context, orderID string, amountCents int, _ string) (Intent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.Unavailable {
		return Intent{}, fmt.Errorf("%w: simulated outage", ErrGatewayUnavailable)
	}
	if m.RejectAll || amountCents <= 0 {
		return Intent{}, fmt.Errorf("%w: amount %d", ErrGatewayRejected, amountCents)
	}
	if in, ok := m.intents[orderID]; ok {
		return in, nil
	}
	in := Intent{Reference: "pi_" + uuid.NewString()}
	m.intents[orderID] = in
	return in, nil
}

// IntentFor returns the reference previously issued for an order, if any.
func (m *MockGateway) IntentFor(orderID string) (Intent, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	in, ok := m.intents[orderID]
	return in, ok
}
