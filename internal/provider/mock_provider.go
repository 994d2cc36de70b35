package provider

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mifumohq/dispatch/internal/models"
)

// Per-message cost in micro-units charged by the simulated provider.
const (
	mockSMSCostMicro      = 15000
	mockWhatsAppCostMicro = 5000
)

// ErrProviderUnavailable is the transient failure the mock provider returns
// when a simulated send does not go through.
var ErrProviderUnavailable = errors.New("provider temporarily unavailable")

// MockProvider simulates a messaging gateway for development and tests.
// Each send succeeds with the configured probability and returns a
// synthetic provider message id.
type MockProvider struct {
	senderID    string
	successRate float64

	mu  sync.Mutex
	rng *rand.Rand
}

// NewMockProvider creates a simulated provider. successRate is clamped to
// [0, 1].
func NewMockProvider(senderID string, successRate float64) *MockProvider {
	if successRate < 0 {
		successRate = 0
	}
	if successRate > 1 {
		successRate = 1
	}
	return &MockProvider{
		senderID:    senderID,
		successRate: successRate,
		rng:         rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Name implements Provider.
func (p *MockProvider) Name() string {
	return "mock"
}

// Send implements Provider.
func (p *MockProvider) Send(ctx context.Context, req SendRequest) SendResult {
	if err := ctx.Err(); err != nil {
		return SendResult{Retryable: true, Err: err}
	}

	p.mu.Lock()
	roll := p.rng.Float64()
	p.mu.Unlock()

	if roll >= p.successRate {
		return SendResult{Retryable: true, Err: ErrProviderUnavailable}
	}

	cost := int64(mockSMSCostMicro)
	if req.Channel == models.ChannelWhatsApp {
		cost = mockWhatsAppCostMicro
	}
	return SendResult{
		Success:           true,
		ProviderMessageID: "mock-" + uuid.NewString(),
		CostMicro:         cost,
	}
}
