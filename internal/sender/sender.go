// Package sender defines the outbound delivery backends. Inbound ingestion
// never depends on this package; it serves the send API only.
package sender

import (
	"context"

	"github.com/haneul/mail-intake/internal/email"
)

// Sender delivers a composed message through a backing service.
type Sender interface {
	// Send delivers the message. It returns an error if delivery fails
	// after the backend's own retry policy is exhausted.
	Send(ctx context.Context, msg *email.OutboundMessage) error

	// Name returns the human-readable name of this backend.
	Name() string
}
