package smtp

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/mail"
	"strings"
	"time"

	"github.com/haneul/mail-intake/internal/email"
	"github.com/haneul/mail-intake/internal/ingest"
	"github.com/haneul/mail-intake/internal/parser"
)

// Session states for the SMTP state machine.
const (
	stateConnected = iota
	stateGreeted
	stateMailFrom
	stateRcptTo
)

// idleTimeout is the maximum time a session can remain idle before being closed.
const idleTimeout = 60 * time.Second

// Ingestor accepts a normalized message for durable storage. The session
// never talks to the store directly.
type Ingestor interface {
	Ingest(ctx context.Context, msg *email.InboundMessage) (string, error)
}

// Session manages the protocol state machine for one inbound SMTP
// connection. All state is private to the connection; sessions share nothing
// but the ingestor.
type Session struct {
	conn     net.Conn
	reader   *bufio.Reader
	writer   *bufio.Writer
	state    int
	auth     *Authenticator
	ingestor Ingestor
	hostname string
	maxSize  int64

	tlsConfig *tls.Config
	tlsActive bool

	// Pending envelope. Discarded on RSET or connection close; nothing
	// is persisted before the end-of-data marker.
	mailFrom string
	rcptTo   []string
}

// NewSession creates a new SMTP session for the given connection.
func NewSession(conn net.Conn, auth *Authenticator, ing Ingestor, hostname string, maxSize int64, tlsConfig *tls.Config) *Session {
	return &Session{
		conn:      conn,
		reader:    bufio.NewReader(conn),
		writer:    bufio.NewWriter(conn),
		state:     stateConnected,
		auth:      auth,
		ingestor:  ing,
		hostname:  hostname,
		maxSize:   maxSize,
		tlsConfig: tlsConfig,
	}
}

// Handle runs the SMTP session, processing commands in arrival order until
// the client disconnects or an error occurs.
func (s *Session) Handle(ctx context.Context) {
	defer s.conn.Close()

	s.writeLine("220 %s ESMTP mail-intake ready", s.hostname)

	for {
		select {
		case <-ctx.Done():
			s.writeLine("421 Service shutting down")
			return
		default:
		}

		if err := s.conn.SetDeadline(time.Now().Add(idleTimeout)); err != nil {
			slog.Error("failed to set connection deadline", "error", err)
			return
		}

		line, err := s.reader.ReadString('\n')
		if err != nil {
			if err != io.EOF {
				slog.Debug("connection read error", "error", err)
			}
			return
		}

		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			continue
		}

		cmd, arg := parseCommand(line)
		if s.handleCommand(ctx, cmd, arg) {
			return
		}
	}
}

// handleCommand processes a single SMTP command and returns true if the
// session should end.
func (s *Session) handleCommand(ctx context.Context, cmd, arg string) bool {
	switch cmd {
	case "EHLO", "HELO":
		s.handleEHLO(cmd, arg)
	case "STARTTLS":
		s.handleSTARTTLS()
	case "AUTH":
		s.handleAUTH(arg)
	case "MAIL":
		s.handleMAIL(arg)
	case "RCPT":
		s.handleRCPT(arg)
	case "DATA":
		s.handleDATA(ctx)
	case "RSET":
		s.handleRSET()
	case "NOOP":
		s.writeLine("250 OK")
	case "QUIT":
		s.writeLine("221 Bye")
		return true
	default:
		s.writeLine("500 Unrecognized command")
	}
	return false
}

// handleEHLO processes EHLO/HELO. The greeting is courtesy, not a gate:
// MAIL FROM is accepted without it.
func (s *Session) handleEHLO(cmd, arg string) {
	if arg == "" {
		s.writeLine("501 Syntax: %s hostname", cmd)
		return
	}

	if s.state == stateConnected {
		s.state = stateGreeted
	}

	if cmd == "HELO" {
		s.writeLine("250 %s Hello %s", s.hostname, arg)
		return
	}

	s.writeLine("250-%s Hello %s", s.hostname, arg)
	if s.tlsConfig != nil && !s.tlsActive {
		s.writeLine("250-STARTTLS")
	}
	if s.auth.Enabled() {
		s.writeLine("250-AUTH PLAIN LOGIN")
	}
	s.writeLine("250-SIZE %d", s.maxSize)
	s.writeLine("250 OK")
}

// handleSTARTTLS upgrades the connection to TLS.
func (s *Session) handleSTARTTLS() {
	if s.tlsConfig == nil {
		s.writeLine("454 TLS not available")
		return
	}
	if s.tlsActive {
		s.writeLine("454 TLS already active")
		return
	}

	s.writeLine("220 Ready to start TLS")

	tlsConn := tls.Server(s.conn, s.tlsConfig)
	if err := tlsConn.Handshake(); err != nil {
		slog.Error("TLS handshake failed", "error", err)
		return
	}

	s.conn = tlsConn
	s.reader = bufio.NewReader(tlsConn)
	s.writer = bufio.NewWriter(tlsConn)
	s.tlsActive = true
	s.state = stateConnected
	s.resetEnvelope()
}

// handleAUTH verifies credentials when they are configured. Authentication
// is never required to submit a message; this server receives mail from
// arbitrary senders.
func (s *Session) handleAUTH(arg string) {
	if !s.auth.Enabled() {
		s.writeLine("503 AUTH not available")
		return
	}

	parts := strings.SplitN(arg, " ", 2)
	switch strings.ToUpper(parts[0]) {
	case "PLAIN":
		s.handleAuthPlain(parts)
	case "LOGIN":
		s.handleAuthLogin()
	default:
		s.writeLine("504 Unrecognized authentication type")
	}
}

// handleAuthPlain processes AUTH PLAIN authentication.
func (s *Session) handleAuthPlain(parts []string) {
	var encoded string

	if len(parts) > 1 && parts[1] != "" {
		encoded = parts[1]
	} else {
		s.writeLine("334")
		line, err := s.reader.ReadString('\n')
		if err != nil {
			slog.Error("failed to read AUTH PLAIN response", "error", err)
			return
		}
		encoded = strings.TrimRight(line, "\r\n")
	}

	if encoded == "*" {
		s.writeLine("501 Authentication cancelled")
		return
	}

	if err := s.auth.VerifyPlain(encoded); err != nil {
		s.writeLine("535 Authentication failed")
		return
	}

	s.writeLine("235 Authentication successful")
}

// handleAuthLogin processes AUTH LOGIN via challenge-response.
func (s *Session) handleAuthLogin() {
	s.writeLine("334 VXNlcm5hbWU6")
	userLine, err := s.reader.ReadString('\n')
	if err != nil {
		slog.Error("failed to read AUTH LOGIN username", "error", err)
		return
	}
	encodedUser := strings.TrimRight(userLine, "\r\n")
	if encodedUser == "*" {
		s.writeLine("501 Authentication cancelled")
		return
	}

	s.writeLine("334 UGFzc3dvcmQ6")
	passLine, err := s.reader.ReadString('\n')
	if err != nil {
		slog.Error("failed to read AUTH LOGIN password", "error", err)
		return
	}
	encodedPass := strings.TrimRight(passLine, "\r\n")
	if encodedPass == "*" {
		s.writeLine("501 Authentication cancelled")
		return
	}

	if err := s.auth.VerifyLogin(encodedUser, encodedPass); err != nil {
		s.writeLine("535 Authentication failed")
		return
	}

	s.writeLine("235 Authentication successful")
}

// handleMAIL processes the MAIL FROM command, opening a new envelope.
func (s *Session) handleMAIL(arg string) {
	upper := strings.ToUpper(arg)
	if !strings.HasPrefix(upper, "FROM:") {
		s.writeLine("501 Syntax: MAIL FROM:<address>")
		return
	}

	addr := extractAddress(arg[5:])
	if addr == "" {
		s.writeLine("501 Syntax: MAIL FROM:<address>")
		return
	}

	s.mailFrom = addr
	s.rcptTo = nil
	s.state = stateMailFrom
	s.writeLine("250 OK")
}

// handleRCPT appends a recipient to the pending envelope. An invalid address
// is rejected without aborting the session; the sender may retry.
func (s *Session) handleRCPT(arg string) {
	if s.state < stateMailFrom {
		s.writeLine("503 Send MAIL FROM first")
		return
	}

	upper := strings.ToUpper(arg)
	if !strings.HasPrefix(upper, "TO:") {
		s.writeLine("501 Syntax: RCPT TO:<address>")
		return
	}

	addr := extractAddress(arg[3:])
	if addr == "" {
		s.writeLine("501 Syntax: RCPT TO:<address>")
		return
	}

	s.rcptTo = append(s.rcptTo, addr)
	s.state = stateRcptTo
	s.writeLine("250 OK")
}

// handleDATA streams the message body, normalizes it, and hands it to the
// ingestor. A parse failure is a permanent 554 and nothing is persisted; a
// storage failure is a transient 451.
func (s *Session) handleDATA(ctx context.Context) {
	if s.state < stateRcptTo {
		s.writeLine("503 Send RCPT TO first")
		return
	}

	s.writeLine("354 Start mail input; end with <CRLF>.<CRLF>")

	raw, err := s.readData()
	if err != nil {
		if errors.Is(err, errMessageTooLarge) {
			s.writeLine("552 Message exceeds maximum size")
			s.resetEnvelope()
			return
		}
		slog.Error("error reading DATA", "error", err)
		return
	}

	env := &email.Envelope{MailFrom: s.mailFrom, RcptTo: s.rcptTo}
	msg, err := parser.Normalize(raw, env)
	if err != nil {
		slog.Warn("rejecting unparseable message",
			"mail_from", s.mailFrom,
			"error", err,
		)
		s.writeLine("554 Transaction failed: %v", err)
		s.resetEnvelope()
		return
	}

	msg.Source = email.SourceSMTP
	msg.ProviderMessageID = ingest.DeriveMessageID(env, raw)

	id, err := s.ingestor.Ingest(ctx, msg)
	if err != nil {
		slog.Error("failed to store message",
			"provider_message_id", msg.ProviderMessageID,
			"error", err,
		)
		s.writeLine("451 Temporary failure, please try again later")
		s.resetEnvelope()
		return
	}

	slog.Info("message accepted",
		"provider_message_id", msg.ProviderMessageID,
		"stored_id", id,
		"from", msg.From,
		"recipients", len(msg.To),
	)
	s.writeLine("250 OK: queued as %s", msg.ProviderMessageID)
	s.resetEnvelope()
}

// errMessageTooLarge signals a DATA payload over the configured limit.
var errMessageTooLarge = errors.New("message too large")

// readData reads the dot-stuffed message body up to the end-of-data marker.
func (s *Session) readData() ([]byte, error) {
	var data strings.Builder
	for {
		line, err := s.reader.ReadString('\n')
		if err != nil {
			return nil, err
		}

		trimmed := strings.TrimRight(line, "\r\n")
		if trimmed == "." {
			break
		}

		// Dot-stuffing: strip one leading dot from ".." lines.
		if strings.HasPrefix(trimmed, "..") {
			line = line[1:]
		}

		if s.maxSize > 0 && int64(data.Len()+len(line)) > s.maxSize {
			// Drain until the terminator so the 552 lands on the
			// right command boundary.
			for {
				next, err := s.reader.ReadString('\n')
				if err != nil {
					return nil, err
				}
				if strings.TrimRight(next, "\r\n") == "." {
					return nil, errMessageTooLarge
				}
			}
		}

		data.WriteString(line)
	}
	return []byte(data.String()), nil
}

// handleRSET discards the pending envelope.
func (s *Session) handleRSET() {
	s.resetEnvelope()
	s.writeLine("250 OK")
}

// resetEnvelope clears the pending mail transaction without touching the
// greeting state.
func (s *Session) resetEnvelope() {
	s.mailFrom = ""
	s.rcptTo = nil
	if s.state > stateGreeted {
		s.state = stateGreeted
	}
}

// writeLine writes a formatted line to the client, followed by \r\n.
func (s *Session) writeLine(format string, args ...interface{}) {
	line := fmt.Sprintf(format, args...)
	if _, err := s.writer.WriteString(line + "\r\n"); err != nil {
		slog.Error("failed to write to client", "error", err)
		return
	}
	if err := s.writer.Flush(); err != nil {
		slog.Error("failed to flush to client", "error", err)
	}
}

// parseCommand splits an SMTP command line into the verb and its argument.
func parseCommand(line string) (string, string) {
	parts := strings.SplitN(line, " ", 2)
	cmd := strings.ToUpper(parts[0])
	arg := ""
	if len(parts) > 1 {
		arg = parts[1]
	}
	return cmd, arg
}

// extractAddress extracts an email address from an SMTP parameter, handling
// both angle-bracket and bare formats. Returns "" for anything that is not a
// valid address, including stray bracket fragments like "not-an-address>".
func extractAddress(s string) string {
	s = strings.TrimSpace(s)

	if strings.HasPrefix(s, "<") {
		end := strings.Index(s, ">")
		if end < 0 {
			return ""
		}
		s = s[1:end]
	} else if i := strings.IndexByte(s, ' '); i >= 0 {
		// Trailing ESMTP parameters (SIZE=..., BODY=...) after a bare address.
		s = s[:i]
	}

	if strings.ContainsAny(s, "<>") {
		return ""
	}
	if _, err := mail.ParseAddress(s); err != nil {
		return ""
	}
	return s
}
