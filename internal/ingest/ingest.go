// Package ingest is the pipeline both ingress paths converge on: idempotent
// persistence first, advisory classification after.
package ingest

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/haneul/mail-intake/internal/classifier"
	"github.com/haneul/mail-intake/internal/email"
)

// classifyTimeout bounds the background classification of one message.
const classifyTimeout = 30 * time.Second

// Store is the subset of the ingest store the pipeline needs.
type Store interface {
	UpsertMessage(ctx context.Context, msg *email.InboundMessage) (string, error)
	SetDisposition(ctx context.Context, id string, d email.Disposition) error
}

// Pipeline persists normalized messages and classifies them in the
// background so a slow classifier never delays a protocol reply.
type Pipeline struct {
	store      Store
	classifier classifier.Classifier

	wg sync.WaitGroup
}

// New creates a Pipeline. classifier may be classifier.Noop{} but not nil.
func New(store Store, cls classifier.Classifier) *Pipeline {
	return &Pipeline{store: store, classifier: cls}
}

// Ingest durably stores the message and returns the stored row id. The
// classifier runs afterwards in a background goroutine; its failure leaves
// the disposition unset and never surfaces to the caller.
func (p *Pipeline) Ingest(ctx context.Context, msg *email.InboundMessage) (string, error) {
	id, err := p.store.UpsertMessage(ctx, msg)
	if err != nil {
		return "", err
	}

	if msg.Disposition == "" {
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			p.classify(id, msg)
		}()
	}

	return id, nil
}

// classify runs on its own context: the triggering request may already be
// answered by the time it completes.
func (p *Pipeline) classify(id string, msg *email.InboundMessage) {
	ctx, cancel := context.WithTimeout(context.Background(), classifyTimeout)
	defer cancel()

	d, err := p.classifier.Classify(ctx, msg)
	if err != nil {
		slog.Warn("classification failed, leaving message unclassified",
			"classifier", p.classifier.Name(),
			"provider_message_id", msg.ProviderMessageID,
			"error", err,
		)
		return
	}
	if d == "" {
		return
	}

	if err := p.store.SetDisposition(ctx, id, d); err != nil {
		slog.Warn("failed to record disposition",
			"message_id", id,
			"disposition", d,
			"error", err,
		)
	}
}

// Wait blocks until all in-flight classifications finish. Called during
// shutdown and by tests.
func (p *Pipeline) Wait() {
	p.wg.Wait()
}

// DeriveMessageID synthesizes a deterministic provider message id for
// SMTP-origin mail, which carries no natural external identifier. The hash
// covers the envelope sender, the sorted recipient set, and the raw DATA
// bytes, so a retried delivery of the identical message dedups even across
// restarts.
func DeriveMessageID(env *email.Envelope, raw []byte) string {
	h := sha256.New()
	h.Write([]byte(env.MailFrom))
	h.Write([]byte{0})

	rcpts := make([]string, len(env.RcptTo))
	copy(rcpts, env.RcptTo)
	sort.Strings(rcpts)
	for _, r := range rcpts {
		h.Write([]byte(r))
		h.Write([]byte{0})
	}

	h.Write(raw)
	return "smtp-" + hex.EncodeToString(h.Sum(nil))
}
