// Package classifier assigns an advisory spam/ham disposition to ingested
// messages. Classification is best-effort: callers swallow errors and leave
// the disposition unset.
package classifier

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jaytaylor/html2text"
	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/haneul/mail-intake/internal/email"
)

const systemPrompt = "You are a mail analyzer. Analyze the mail and answer in just one word: spam or ham."

// defaultTimeout bounds a single classification call so a slow upstream can
// never hold an ingestion goroutine indefinitely.
const defaultTimeout = 15 * time.Second

// Classifier labels a normalized message. Implementations are external
// black boxes with their own timeouts.
type Classifier interface {
	Classify(ctx context.Context, msg *email.InboundMessage) (email.Disposition, error)
	Name() string
}

// OpenAI classifies messages with a chat-completion model.
type OpenAI struct {
	client  openai.Client
	model   openai.ChatModel
	timeout time.Duration
}

// NewOpenAI creates an OpenAI classifier. model defaults to gpt-4o-mini when
// empty.
func NewOpenAI(apiKey, model string) *OpenAI {
	if model == "" {
		model = openai.ChatModelGPT4oMini
	}
	return &OpenAI{
		client:  openai.NewClient(option.WithAPIKey(apiKey)),
		model:   openai.ChatModel(model),
		timeout: defaultTimeout,
	}
}

// Classify sends the message text to the model and maps its one-word answer
// to a disposition. Any other answer is an error, which the caller treats as
// "unclassified".
func (c *OpenAI) Classify(ctx context.Context, msg *email.InboundMessage) (email.Disposition, error) {
	text := InputText(msg)
	if text == "" {
		return "", fmt.Errorf("message has no classifiable text")
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	completion, err := c.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model: c.model,
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(systemPrompt),
			openai.UserMessage(text),
		},
	})
	if err != nil {
		return "", fmt.Errorf("classification request: %w", err)
	}
	if len(completion.Choices) == 0 {
		return "", fmt.Errorf("classifier returned no choices")
	}

	return ParseLabel(completion.Choices[0].Message.Content)
}

// Name returns the classifier name.
func (c *OpenAI) Name() string { return "openai" }

// Noop is used when no classifier is configured; everything stays
// unclassified.
type Noop struct{}

func (Noop) Classify(context.Context, *email.InboundMessage) (email.Disposition, error) {
	return "", nil
}

func (Noop) Name() string { return "noop" }

// InputText builds the classifier input from the subject and text body,
// converting the HTML body to text when no plain-text part exists.
func InputText(msg *email.InboundMessage) string {
	body := msg.TextBody
	if body == "" && msg.HTMLBody != "" {
		converted, err := html2text.FromString(msg.HTMLBody, html2text.Options{TextOnly: true})
		if err == nil {
			body = converted
		}
	}

	parts := make([]string, 0, 2)
	if msg.Subject != "" {
		parts = append(parts, "Subject: "+msg.Subject)
	}
	if body != "" {
		parts = append(parts, body)
	}
	return strings.TrimSpace(strings.Join(parts, "\n\n"))
}

// ParseLabel normalizes a model answer to a disposition. Answers are
// expected to be a single word but punctuation and casing vary.
func ParseLabel(answer string) (email.Disposition, error) {
	normalized := strings.ToLower(strings.TrimSpace(answer))
	normalized = strings.Trim(normalized, ".!\"'")

	switch normalized {
	case "spam":
		return email.DispositionSpam, nil
	case "ham":
		return email.DispositionHam, nil
	default:
		return "", fmt.Errorf("unexpected classifier answer %q", answer)
	}
}
