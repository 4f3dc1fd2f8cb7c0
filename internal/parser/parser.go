// Package parser normalizes raw RFC 5322 byte streams into InboundMessage
// values, tolerating the malformed and partial MIME that untrusted senders
// produce.
package parser

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"mime/multipart"
	"mime/quotedprintable"
	"net/mail"
	"strings"
	"time"

	"github.com/haneul/mail-intake/internal/email"
)

// ParseErrorKind distinguishes the terminal normalization failures.
type ParseErrorKind int

const (
	// Malformed means the stream was broken enough that no fields could
	// be extracted.
	Malformed ParseErrorKind = iota
	// MissingSender means no usable sender was found in the headers or
	// the envelope.
	MissingSender
	// MissingRecipient means neither the To header nor the envelope
	// supplied a recipient.
	MissingRecipient
)

// ParseError is returned for messages that cannot be normalized. Callers
// translate it to their protocol's native failure signal; it never escapes
// to the network as-is.
type ParseError struct {
	Kind ParseErrorKind
	err  error
}

func (e *ParseError) Error() string {
	switch e.Kind {
	case MissingSender:
		return "no sender address"
	case MissingRecipient:
		return "no recipient address"
	default:
		if e.err != nil {
			return fmt.Sprintf("malformed message: %v", e.err)
		}
		return "malformed message"
	}
}

func (e *ParseError) Unwrap() error { return e.err }

// Normalize parses a complete raw message into the canonical form. env, when
// non-nil, carries the SMTP envelope: envelope recipients override the To
// header, and the envelope sender backstops a missing From header. The
// webhook path passes nil.
//
// Partially broken content degrades: an undecodable part is dropped with a
// warning and the rest of the message still normalizes. Only a stream that
// yields no headers at all is rejected as malformed.
func Normalize(raw []byte, env *email.Envelope) (*email.InboundMessage, error) {
	src, err := mail.ReadMessage(bytes.NewReader(raw))
	if err != nil {
		return nil, &ParseError{Kind: Malformed, err: err}
	}

	msg := &email.InboundMessage{
		RawSource:   raw,
		Headers:     map[string][]string(src.Header),
		Subject:     decodeWord(src.Header.Get("Subject")),
		Attachments: []email.Attachment{},
		ReceivedAt:  time.Now().UTC(),
	}

	msg.From = senderAddress(src.Header, env)
	if msg.From == "" {
		return nil, &ParseError{Kind: MissingSender}
	}

	msg.To = recipientAddresses(src.Header, env)
	if len(msg.To) == 0 {
		return nil, &ParseError{Kind: MissingRecipient}
	}

	extractBody(src, msg)
	return msg, nil
}

// senderAddress resolves the message sender from the From header, falling
// back to the envelope MAIL FROM address.
func senderAddress(hdr mail.Header, env *email.Envelope) string {
	if raw := hdr.Get("From"); raw != "" {
		if addr, err := mail.ParseAddress(raw); err == nil {
			return addr.Address
		}
		// Unparseable but present; keep the raw value rather than
		// dropping the message.
		return strings.TrimSpace(raw)
	}
	if env != nil {
		return env.MailFrom
	}
	return ""
}

// recipientAddresses resolves recipients. Envelope RCPT TO entries are
// authoritative when present.
func recipientAddresses(hdr mail.Header, env *email.Envelope) []string {
	if env != nil && len(env.RcptTo) > 0 {
		out := make([]string, len(env.RcptTo))
		copy(out, env.RcptTo)
		return out
	}
	return parseAddressList(hdr.Get("To"))
}

// extractBody walks the message body, filling text/HTML bodies and the
// attachment list. Failures here never fail the message.
func extractBody(src *mail.Message, msg *email.InboundMessage) {
	contentType := src.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "text/plain"
	}

	mediaType, params, err := mime.ParseMediaType(contentType)
	if err != nil {
		slog.Warn("unparseable content type, treating body as plain text",
			"content_type", contentType,
			"error", err,
		)
		mediaType = "text/plain"
	}

	if strings.HasPrefix(mediaType, "multipart/") {
		boundary := params["boundary"]
		if boundary == "" {
			slog.Warn("multipart message missing boundary, body dropped")
			return
		}
		walkMultipart(src.Body, boundary, msg)
		return
	}

	body, err := decodeBody(src.Body, src.Header.Get("Content-Transfer-Encoding"))
	if err != nil {
		slog.Warn("failed to decode message body", "error", err)
		return
	}

	switch mediaType {
	case "text/html":
		msg.HTMLBody = string(body)
	default:
		msg.TextBody = string(body)
	}
}

// walkMultipart processes one multipart level, recursing into nested
// multipart parts.
func walkMultipart(body io.Reader, boundary string, msg *email.InboundMessage) {
	reader := multipart.NewReader(body, boundary)

	for {
		part, err := reader.NextPart()
		if err == io.EOF {
			return
		}
		if err != nil {
			slog.Warn("truncated multipart body, keeping parts read so far",
				"error", err,
			)
			return
		}

		partType := part.Header.Get("Content-Type")
		if partType == "" {
			partType = "text/plain"
		}

		mediaType, params, err := mime.ParseMediaType(partType)
		if err != nil {
			slog.Warn("skipping part with unparseable content type",
				"content_type", partType,
				"error", err,
			)
			continue
		}

		if strings.HasPrefix(mediaType, "multipart/") {
			nested := params["boundary"]
			if nested == "" {
				slog.Warn("nested multipart missing boundary, skipped")
				continue
			}
			walkMultipart(part, nested, msg)
			continue
		}

		content, err := readPartContent(part)
		if err != nil {
			slog.Warn("dropping unreadable part",
				"content_type", mediaType,
				"error", err,
			)
			continue
		}

		// Standard MIME disposition semantics: an explicit attachment
		// disposition or any filename parameter marks an attachment.
		filename := partFilename(part, params)
		disposition := part.Header.Get("Content-Disposition")
		if strings.HasPrefix(strings.ToLower(disposition), "attachment") || filename != "" {
			if filename == "" {
				filename = "unnamed"
			}
			msg.Attachments = append(msg.Attachments, email.Attachment{
				Filename:    filename,
				ContentType: mediaType,
				SizeBytes:   int64(len(content)),
				Content:     content,
			})
			continue
		}

		switch mediaType {
		case "text/plain":
			if msg.TextBody == "" {
				msg.TextBody = string(content)
			}
		case "text/html":
			if msg.HTMLBody == "" {
				msg.HTMLBody = string(content)
			}
		default:
			slog.Warn("skipping inline part with unrecognized type",
				"content_type", mediaType,
				"disposition", disposition,
			)
		}
	}
}

// readPartContent reads a MIME part, applying its Content-Transfer-Encoding.
// Go's multipart reader already decodes quoted-printable transparently.
func readPartContent(part *multipart.Part) ([]byte, error) {
	encoding := strings.ToLower(strings.TrimSpace(part.Header.Get("Content-Transfer-Encoding")))

	raw, err := io.ReadAll(part)
	if err != nil {
		return nil, err
	}

	if encoding == "base64" {
		return decodeBase64(raw)
	}
	return raw, nil
}

// decodeBody decodes a non-multipart top-level body per its transfer
// encoding.
func decodeBody(r io.Reader, encoding string) ([]byte, error) {
	switch strings.ToLower(strings.TrimSpace(encoding)) {
	case "base64":
		raw, err := io.ReadAll(r)
		if err != nil {
			return nil, err
		}
		return decodeBase64(raw)
	case "quoted-printable":
		return io.ReadAll(quotedprintable.NewReader(r))
	default:
		return io.ReadAll(r)
	}
}

// decodeBase64 decodes base64 content, tolerating line breaks and missing
// padding.
func decodeBase64(raw []byte) ([]byte, error) {
	cleaned := strings.NewReplacer("\r", "", "\n", "").Replace(string(raw))
	decoded, err := base64.StdEncoding.DecodeString(cleaned)
	if err == nil {
		return decoded, nil
	}
	decoded, rawErr := base64.RawStdEncoding.DecodeString(cleaned)
	if rawErr != nil {
		return nil, fmt.Errorf("decoding base64 content: %w", err)
	}
	return decoded, nil
}

// partFilename extracts a filename from the part's disposition or its
// Content-Type name parameter.
func partFilename(part *multipart.Part, params map[string]string) string {
	if fn := part.FileName(); fn != "" {
		return decodeWord(fn)
	}
	if name := params["name"]; name != "" {
		return decodeWord(name)
	}
	return ""
}

// decodeWord decodes RFC 2047 encoded words, returning the input unchanged
// when decoding fails.
func decodeWord(s string) string {
	dec := mime.WordDecoder{}
	decoded, err := dec.DecodeHeader(s)
	if err != nil {
		return s
	}
	return decoded
}

// parseAddressList splits an address header into bare addresses, falling
// back to a comma split when RFC 5322 parsing fails.
func parseAddressList(raw string) []string {
	if raw == "" {
		return nil
	}

	addresses, err := mail.ParseAddressList(raw)
	if err != nil {
		var out []string
		for _, p := range strings.Split(raw, ",") {
			if trimmed := strings.TrimSpace(p); trimmed != "" {
				out = append(out, trimmed)
			}
		}
		return out
	}

	out := make([]string, 0, len(addresses))
	for _, addr := range addresses {
		out = append(out, addr.Address)
	}
	return out
}
