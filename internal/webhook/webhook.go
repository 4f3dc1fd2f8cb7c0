// Package webhook processes AWS SNS envelopes for SES inbound mail: the
// one-time subscription handshake and at-least-once delivery notifications.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/haneul/mail-intake/internal/email"
	"github.com/haneul/mail-intake/internal/parser"
)

// maxBodySize caps the webhook request body (raw MIME arrives inline).
const maxBodySize = 50 * 1024 * 1024

// Ingestor accepts a normalized message for durable storage.
type Ingestor interface {
	Ingest(ctx context.Context, msg *email.InboundMessage) (string, error)
}

// RawFetcher retrieves externally stored raw message content. Nil means no
// fetch path is configured.
type RawFetcher interface {
	Fetch(ctx context.Context, bucket, key string) ([]byte, error)
}

// snsEnvelope is the outer SNS message. SNS posts it as text/plain, and the
// payload is sometimes a JSON string wrapping the JSON object.
type snsEnvelope struct {
	Type         string `json:"Type"`
	MessageID    string `json:"MessageId"`
	Token        string `json:"Token"`
	TopicArn     string `json:"TopicArn"`
	SubscribeURL string `json:"SubscribeURL"`
	Message      string `json:"Message"`
}

// sesNotification is the inner SES receipt payload carried in a Notification
// envelope.
type sesNotification struct {
	NotificationType string     `json:"notificationType"`
	Mail             sesMail    `json:"mail"`
	Receipt          sesReceipt `json:"receipt"`

	// Content holds the raw MIME message when the receipt rule is
	// configured to include it inline.
	Content string `json:"content"`
}

type sesMail struct {
	MessageID     string    `json:"messageId"`
	Source        string    `json:"source"`
	Timestamp     time.Time `json:"timestamp"`
	CommonHeaders struct {
		From    []string `json:"from"`
		To      []string `json:"to"`
		Subject string   `json:"subject"`
	} `json:"commonHeaders"`
}

type sesReceipt struct {
	RuleName   string   `json:"ruleName"`
	Recipients []string `json:"recipients"`
	Action     struct {
		Type       string `json:"type"`
		BucketName string `json:"bucketName"`
		ObjectKey  string `json:"objectKey"`
	} `json:"action"`
}

// Processor handles SNS envelopes. Every path through it is idempotent:
// the upstream delivers at least once and retries on anything but 200.
type Processor struct {
	ingestor   Ingestor
	fetcher    RawFetcher
	httpClient *http.Client

	// confirmed tracks subscription tokens already fetched, so a
	// redelivered confirmation envelope does not fetch twice.
	mu        sync.Mutex
	confirmed map[string]struct{}
}

// New creates a Processor. fetcher may be nil when raw content is always
// expected inline.
func New(ing Ingestor, fetcher RawFetcher) *Processor {
	return &Processor{
		ingestor:   ing,
		fetcher:    fetcher,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		confirmed:  make(map[string]struct{}),
	}
}

// ServeHTTP processes one SNS envelope. It answers 200 for everything that
// retrying cannot fix, and 500 only for decode failures that plausibly
// reflect a transient delivery glitch.
func (p *Processor) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize))
	if err != nil {
		slog.Error("failed to read webhook body", "error", err)
		http.Error(w, "failed to read body", http.StatusInternalServerError)
		return
	}

	env, err := decodeEnvelope(body)
	if err != nil {
		slog.Error("undecodable SNS envelope", "error", err)
		http.Error(w, "invalid envelope", http.StatusInternalServerError)
		return
	}

	switch env.Type {
	case "SubscriptionConfirmation":
		p.confirmSubscription(r.Context(), env)
		respond(w, "subscription confirmed")
	case "Notification":
		p.handleNotification(r.Context(), w, env)
	default:
		slog.Info("ignoring SNS envelope", "type", env.Type)
		respond(w, "ignored")
	}
}

// decodeEnvelope unmarshals the outer SNS payload, unwrapping the extra
// string layer SNS sometimes adds.
func decodeEnvelope(body []byte) (*snsEnvelope, error) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return nil, fmt.Errorf("empty body")
	}

	if trimmed[0] == '"' {
		var inner string
		if err := json.Unmarshal(trimmed, &inner); err != nil {
			return nil, fmt.Errorf("unwrapping string payload: %w", err)
		}
		trimmed = []byte(inner)
	}

	var env snsEnvelope
	if err := json.Unmarshal(trimmed, &env); err != nil {
		return nil, fmt.Errorf("decoding envelope: %w", err)
	}
	return &env, nil
}

// confirmSubscription fetches the confirmation URL exactly once per distinct
// token. The upstream retries the handshake itself on failure, so the fetch
// outcome never changes the response.
func (p *Processor) confirmSubscription(ctx context.Context, env *snsEnvelope) {
	if env.SubscribeURL == "" {
		slog.Warn("subscription confirmation without SubscribeURL")
		return
	}

	token := env.Token
	if token == "" {
		token = env.SubscribeURL
	}

	p.mu.Lock()
	if _, seen := p.confirmed[token]; seen {
		p.mu.Unlock()
		slog.Info("subscription token already confirmed, skipping fetch")
		return
	}
	p.confirmed[token] = struct{}{}
	p.mu.Unlock()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, env.SubscribeURL, nil)
	if err != nil {
		slog.Warn("invalid SubscribeURL", "error", err)
		return
	}

	resp, err := p.httpClient.Do(req)
	if err != nil {
		slog.Warn("subscription confirmation fetch failed", "error", err)
		return
	}
	defer resp.Body.Close()

	slog.Info("SNS subscription confirmed",
		"topic_arn", env.TopicArn,
		"status", resp.StatusCode,
	)
}

// handleNotification processes a delivery notification. Unparseable inner
// JSON is the one retryable failure (500); everything else stores what it
// can and answers 200 so the upstream stops redelivering.
func (p *Processor) handleNotification(ctx context.Context, w http.ResponseWriter, env *snsEnvelope) {
	if env.Message == "" {
		slog.Error("notification envelope without inner message")
		http.Error(w, "missing inner message", http.StatusInternalServerError)
		return
	}

	var note sesNotification
	if err := json.Unmarshal([]byte(env.Message), &note); err != nil {
		slog.Error("undecodable SES notification", "error", err)
		http.Error(w, "invalid notification", http.StatusInternalServerError)
		return
	}
	if note.Mail.MessageID == "" {
		slog.Error("SES notification without mail.messageId")
		http.Error(w, "missing message id", http.StatusInternalServerError)
		return
	}

	raw, fetchErr := p.rawContent(ctx, &note)

	msg := p.normalizeOrStub(raw, fetchErr, &note)
	if _, err := p.ingestor.Ingest(ctx, msg); err != nil {
		// Redelivery will not fix a storage fault; 200 stops the
		// retry loop and the failure stays in the logs.
		slog.Error("failed to store webhook message",
			"ses_message_id", note.Mail.MessageID,
			"error", err,
		)
	} else {
		slog.Info("email stored",
			"ses_message_id", note.Mail.MessageID,
			"stub", msg.RawSource == nil,
		)
	}

	respond(w, "email processed")
}

// rawContent returns the raw MIME bytes: inline content when present, an S3
// fetch when the receipt stored it externally and a fetch path exists.
func (p *Processor) rawContent(ctx context.Context, note *sesNotification) ([]byte, error) {
	if note.Content != "" {
		return []byte(note.Content), nil
	}

	action := note.Receipt.Action
	if p.fetcher == nil || action.BucketName == "" || action.ObjectKey == "" {
		return nil, nil
	}

	raw, err := p.fetcher.Fetch(ctx, action.BucketName, action.ObjectKey)
	if err != nil {
		return nil, fmt.Errorf("fetching stored content s3://%s/%s: %w", action.BucketName, action.ObjectKey, err)
	}
	return raw, nil
}

// normalizeOrStub normalizes the raw content, falling back to a metadata
// stub when the content is missing or unusable. The stub keeps the message
// discoverable and records why it is incomplete.
func (p *Processor) normalizeOrStub(raw []byte, fetchErr error, note *sesNotification) *email.InboundMessage {
	if len(raw) > 0 {
		msg, err := parser.Normalize(raw, metadataEnvelope(note))
		if err == nil {
			p.applyMetadata(msg, note)
			return msg
		}
		slog.Warn("failed to normalize webhook content, storing stub",
			"ses_message_id", note.Mail.MessageID,
			"error", err,
		)
		return p.stub(note, fmt.Sprintf("normalization failed: %v", err))
	}

	reason := "raw content not included in notification"
	if fetchErr != nil {
		reason = fetchErr.Error()
		slog.Warn("failed to fetch stored content, storing stub",
			"ses_message_id", note.Mail.MessageID,
			"error", fetchErr,
		)
	}
	return p.stub(note, reason)
}

// metadataEnvelope rebuilds the delivery envelope from SES metadata: the
// receipt recipients are the actual RCPT TO set and override the To header,
// mirroring the SMTP path.
func metadataEnvelope(note *sesNotification) *email.Envelope {
	env := &email.Envelope{
		MailFrom: note.Mail.Source,
		RcptTo:   note.Receipt.Recipients,
	}
	if env.MailFrom == "" && len(env.RcptTo) == 0 {
		return nil
	}
	return env
}

func (p *Processor) applyMetadata(msg *email.InboundMessage, note *sesNotification) {
	msg.Source = email.SourceSES
	msg.ProviderMessageID = note.Mail.MessageID
	msg.ReceiptRule = note.Receipt.RuleName
	if !note.Mail.Timestamp.IsZero() {
		msg.ReceivedAt = note.Mail.Timestamp
	}
}

// stub builds a metadata-only record with a nil raw source.
func (p *Processor) stub(note *sesNotification, reason string) *email.InboundMessage {
	from := note.Mail.Source
	if len(note.Mail.CommonHeaders.From) > 0 {
		from = bareAddress(note.Mail.CommonHeaders.From[0])
	}

	to := note.Receipt.Recipients
	if len(to) == 0 {
		to = note.Mail.CommonHeaders.To
	}

	return &email.InboundMessage{
		ProviderMessageID: note.Mail.MessageID,
		Source:            email.SourceSES,
		From:              from,
		To:                to,
		Subject:           note.Mail.CommonHeaders.Subject,
		Attachments:       []email.Attachment{},
		ReceiptRule:       note.Receipt.RuleName,
		ReceivedAt:        time.Now().UTC(),
		ProcessingError:   reason,
	}
}

// bareAddress strips a display name from a "Name <addr>" header value.
func bareAddress(s string) string {
	if start := strings.IndexByte(s, '<'); start >= 0 {
		if end := strings.IndexByte(s[start:], '>'); end > 0 {
			return s[start+1 : start+end]
		}
	}
	return strings.TrimSpace(s)
}

func respond(w http.ResponseWriter, msg string) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(msg))
}
