package provider

import "context"

// SendRequest carries everything a provider needs to deliver one message.
type SendRequest struct {
	Channel        string
	RecipientPhone string
	Body           string
	SenderID       string
}

// SendResult is the provider's verdict on a single send attempt. On success
// ProviderMessageID and CostMicro are set; on failure Err describes the
// problem and Retryable says whether another attempt can succeed.
type SendResult struct {
	Success           bool
	ProviderMessageID string
	CostMicro         int64
	Retryable         bool
	Err               error
}

// Provider sends a single message over an external messaging channel.
// Implementations must be safe for concurrent use.
type Provider interface {
	Send(ctx context.Context, req SendRequest) SendResult
	Name() string
}
