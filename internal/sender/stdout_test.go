package sender

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/haneul/mail-intake/internal/email"
)

func TestStdoutName(t *testing.T) {
	t.Parallel()
	if got := NewStdout().Name(); got != "stdout" {
		t.Errorf("Name(): got %q, want %q", got, "stdout")
	}
}

func TestStdoutSend(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	s := NewStdoutWithWriter(&buf)

	msg := &email.OutboundMessage{
		From:     "from@example.com",
		To:       []string{"to@example.com"},
		Cc:       []string{"cc@example.com"},
		Subject:  "Printed",
		TextBody: "hello from stdout",
		Attachments: []email.Attachment{
			{Filename: "doc.pdf", ContentType: "application/pdf", Content: make([]byte, 2048)},
		},
	}

	if err := s.Send(context.Background(), msg); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	out := buf.String()
	for _, want := range []string{
		"From: from@example.com",
		"To: to@example.com",
		"Cc: cc@example.com",
		"Subject: Printed",
		"hello from stdout",
		"doc.pdf (2.0 KB)",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q\n%s", want, out)
		}
	}
}

func TestStdoutSend_HTMLFallback(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	s := NewStdoutWithWriter(&buf)

	msg := &email.OutboundMessage{
		From:     "from@example.com",
		To:       []string{"to@example.com"},
		Subject:  "HTML only",
		HTMLBody: "<p>rendered</p>",
	}

	if err := s.Send(context.Background(), msg); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(buf.String(), "<p>rendered</p>") {
		t.Error("expected HTML body in output when text body is empty")
	}
}

func TestFormatSize(t *testing.T) {
	t.Parallel()

	tests := []struct {
		bytes int
		want  string
	}{
		{512, "512 B"},
		{2048, "2.0 KB"},
		{3 * 1024 * 1024, "3.0 MB"},
	}

	for _, tt := range tests {
		if got := formatSize(tt.bytes); got != tt.want {
			t.Errorf("formatSize(%d): got %q, want %q", tt.bytes, got, tt.want)
		}
	}
}
