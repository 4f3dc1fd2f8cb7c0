package classifier

import (
	"context"
	"strings"
	"testing"

	"github.com/haneul/mail-intake/internal/email"
)

func TestParseLabel(t *testing.T) {
	t.Parallel()

	tests := []struct {
		answer  string
		want    email.Disposition
		wantErr bool
	}{
		{"spam", email.DispositionSpam, false},
		{"ham", email.DispositionHam, false},
		{"Spam", email.DispositionSpam, false},
		{" HAM ", email.DispositionHam, false},
		{"spam.", email.DispositionSpam, false},
		{"\"ham\"", email.DispositionHam, false},
		{"maybe spam", "", true},
		{"", "", true},
		{"legitimate", "", true},
	}

	for _, tt := range tests {
		got, err := ParseLabel(tt.answer)
		if tt.wantErr {
			if err == nil {
				t.Errorf("ParseLabel(%q): expected error, got %q", tt.answer, got)
			}
			continue
		}
		if err != nil {
			t.Errorf("ParseLabel(%q): unexpected error: %v", tt.answer, err)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseLabel(%q): got %q, want %q", tt.answer, got, tt.want)
		}
	}
}

func TestInputTextPrefersPlainBody(t *testing.T) {
	t.Parallel()

	msg := &email.InboundMessage{
		Subject:  "Hello",
		TextBody: "plain body",
		HTMLBody: "<p>html body</p>",
	}

	text := InputText(msg)
	if !strings.Contains(text, "Subject: Hello") {
		t.Errorf("input should include subject, got %q", text)
	}
	if !strings.Contains(text, "plain body") {
		t.Errorf("input should include plain body, got %q", text)
	}
	if strings.Contains(text, "<p>") {
		t.Errorf("input should not contain raw HTML, got %q", text)
	}
}

func TestInputTextConvertsHTMLOnlyBody(t *testing.T) {
	t.Parallel()

	msg := &email.InboundMessage{
		Subject:  "Offer",
		HTMLBody: "<html><body><p>Click <b>here</b> now</p></body></html>",
	}

	text := InputText(msg)
	if strings.Contains(text, "<") {
		t.Errorf("HTML tags should be stripped, got %q", text)
	}
	if !strings.Contains(text, "Click") {
		t.Errorf("converted text should survive, got %q", text)
	}
}

func TestInputTextEmptyMessage(t *testing.T) {
	t.Parallel()

	if got := InputText(&email.InboundMessage{}); got != "" {
		t.Errorf("empty message input: got %q, want empty", got)
	}
}

func TestNoopClassifier(t *testing.T) {
	t.Parallel()

	d, err := Noop{}.Classify(context.Background(), &email.InboundMessage{TextBody: "hi"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if d != "" {
		t.Errorf("disposition: got %q, want empty", d)
	}
}
