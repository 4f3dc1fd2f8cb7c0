// Package email defines the canonical message model shared by every
// ingestion path and by the outbound sender.
package email

import "time"

// Source identifies which ingress path admitted a message.
type Source string

const (
	SourceSMTP Source = "smtp"
	SourceSES  Source = "ses"
)

// Disposition is the advisory classifier label attached after ingestion.
type Disposition string

const (
	DispositionSpam Disposition = "spam"
	DispositionHam  Disposition = "ham"
)

// InboundMessage is the normalized form of a received email, identical in
// shape regardless of whether it arrived over SMTP or the SES webhook.
type InboundMessage struct {
	// ProviderMessageID is the globally unique identifier used for
	// idempotent storage. SES assigns it; for SMTP-origin mail it is
	// derived from the message content.
	ProviderMessageID string

	Source  Source
	From    string
	To      []string
	Subject string

	TextBody string
	HTMLBody string

	// RawSource is the original MIME byte stream, kept for audit.
	// Nil when the provider stored the content externally and no
	// fetch path was configured.
	RawSource []byte

	Headers     map[string][]string
	Attachments []Attachment

	// ReceiptRule is the SES receipt rule that matched, if any.
	ReceiptRule string

	// ReceivedAt is assigned at ingestion time, never taken from the
	// Date header.
	ReceivedAt time.Time

	Disposition     Disposition
	ProcessingError string
}

// Attachment holds extracted attachment metadata plus a transient content
// buffer. Durable content storage belongs to the blob collaborator; only
// metadata and an optional URL reach the database.
type Attachment struct {
	Filename    string
	ContentType string
	SizeBytes   int64
	Content     []byte
	FileURL     string
}

// Envelope is the SMTP-level sender/recipient pair. Envelope recipients are
// authoritative over the header To line, which can be blind-copied or forged.
type Envelope struct {
	MailFrom string
	RcptTo   []string
}

// OutboundMessage is a user-composed message handed to the sender
// collaborator.
type OutboundMessage struct {
	From        string
	To          []string
	Cc          []string
	Bcc         []string
	Subject     string
	TextBody    string
	HTMLBody    string
	Attachments []Attachment
}
