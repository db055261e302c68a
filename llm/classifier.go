package llm

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/onnwee/chat-magnifier/telemetry"
)

const (
	questionSystem = "You are an assistant that analyzes messages to determine if they are questions. Answer only with 'YES' or 'NO'."
	questionPrompt = "Determine if the following message is a question. Answer only with 'YES' or 'NO'.\n\nMessage: "

	moderationSystem = "You are a content moderator for a live stream chat. Answer only with 'YES' if the message is appropriate for a general audience or 'NO' if it is not."
	moderationPrompt = "Is the following chat message appropriate? Answer only with 'YES' or 'NO'.\n\nMessage: "

	rewriteSystem = "You correct spelling, grammar and punctuation of live chat messages. Keep the meaning, language and tone. " +
		"Tokens of the form ⟦PH0⟧ are placeholders: copy each one unchanged. Reply with the corrected message only."

	genderSystem = "You are an assistant that analyzes usernames to determine if they likely belong to male users. Answer only with 'YES' or 'NO'."
	genderPrompt = "Analyze the following username and determine if it likely belongs to a male user. " +
		"Consider common male names, masculine words, and typical male identifiers. Answer only with 'YES' or 'NO'.\n\nUsername: "
)

// ErrUnexpectedAnswer is returned when a YES/NO prompt gets anything else.
var ErrUnexpectedAnswer = errors.New("llm: unexpected answer")

// Classifier implements the chat engine's message classification on top of a
// Provider. It returns errors as they happen; callers decide the fallback.
type Classifier struct {
	provider Provider
	timeout  time.Duration
	limiter  *rate.Limiter
}

// NewClassifier wraps p. A zero timeout leaves deadlines to the caller.
func NewClassifier(p Provider, timeout time.Duration) *Classifier {
	return &Classifier{provider: p, timeout: timeout}
}

// WithRequestsPerMinute paces provider calls. Waiting for a slot counts
// against the call timeout. n <= 0 removes the limit.
func (c *Classifier) WithRequestsPerMinute(n int) *Classifier {
	if n <= 0 {
		c.limiter = nil
		return c
	}
	c.limiter = rate.NewLimiter(rate.Limit(float64(n)/60), max(1, n/60))
	return c
}

func (c *Classifier) IsQuestion(ctx context.Context, text string) (bool, error) {
	return c.yesNo(ctx, "question", questionSystem, questionPrompt+text)
}

// IsAppropriate uses the provider's moderation endpoint when it has one and a
// YES/NO prompt otherwise.
func (c *Classifier) IsAppropriate(ctx context.Context, text string) (bool, error) {
	if m, ok := c.provider.(Moderator); ok {
		var flagged bool
		err := c.observe(ctx, "moderation", func(ctx context.Context) error {
			var err error
			flagged, err = m.Flagged(ctx, text)
			return err
		})
		if err != nil {
			return false, err
		}
		return !flagged, nil
	}
	return c.yesNo(ctx, "moderation", moderationSystem, moderationPrompt+text)
}

func (c *Classifier) Rewrite(ctx context.Context, text string) (string, error) {
	var out string
	err := c.observe(ctx, "rewrite", func(ctx context.Context) error {
		var err error
		out, err = c.provider.Chat(ctx, []Message{
			{Role: "system", Content: rewriteSystem},
			{Role: "user", Content: text},
		})
		return err
	})
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

func (c *Classifier) IsMaleAuthor(ctx context.Context, name string) (bool, error) {
	return c.yesNo(ctx, "gender", genderSystem, genderPrompt+name)
}

func (c *Classifier) yesNo(ctx context.Context, capability, system, prompt string) (bool, error) {
	var answer string
	err := c.observe(ctx, capability, func(ctx context.Context) error {
		var err error
		answer, err = c.provider.Chat(ctx, []Message{
			{Role: "system", Content: system},
			{Role: "user", Content: prompt},
		})
		return err
	})
	if err != nil {
		return false, err
	}
	yes, err := ParseYesNo(answer)
	if err != nil {
		return false, err
	}
	telemetry.LoggerWithCorr(ctx).Debug("classified", slog.String("capability", capability), slog.Bool("yes", yes))
	return yes, nil
}

func (c *Classifier) observe(ctx context.Context, capability string, fn func(context.Context) error) error {
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return err
		}
	}
	var err error
	telemetry.TimeFunc(telemetry.ClassifyObserver(capability), func() { err = fn(ctx) })
	return err
}

// ParseYesNo reads a YES/NO answer, tolerating case, whitespace and trailing
// punctuation.
func ParseYesNo(answer string) (bool, error) {
	a := strings.ToUpper(strings.TrimSpace(answer))
	a = strings.TrimRight(a, ".!")
	switch a {
	case "YES":
		return true, nil
	case "NO":
		return false, nil
	}
	return false, ErrUnexpectedAnswer
}
