// Package broadcast delivers rendered messages to chat recipients over Slack.
package broadcast

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/slack-go/slack"
)

// Button is an interactive action attached to a message
type Button struct {
	Text  string
	Value string
}

// HideButton returns the standard action that dismisses a notification
func HideButton(text string) Button {
	return Button{Text: text, Value: "hide"}
}

// Slack sends direct messages and operator documents through a bot token
type Slack struct {
	client     *slack.Client
	maxRetries int
	sleep      func(ctx context.Context, d time.Duration) error
}

// NewSlack creates a broadcaster. Options are passed to slack.New.
func NewSlack(token string, options ...slack.Option) *Slack {
	options = append([]slack.Option{slack.OptionDebug(false)}, options...)
	return &Slack{
		client:     slack.New(token, options...),
		maxRetries: 3,
		sleep:      sleepContext,
	}
}

// Notify posts text to chatID with optional buttons, waiting out rate limits
func (s *Slack) Notify(ctx context.Context, chatID, text string, buttons []Button) error {
	opts := []slack.MsgOption{
		slack.MsgOptionText(text, false),
	}
	if len(buttons) > 0 {
		opts = append(opts, slack.MsgOptionBlocks(buildBlocks(text, buttons)...))
	}
	return s.post(ctx, chatID, opts...)
}

// SendDocument posts a text document, used for operator error reports
func (s *Slack) SendDocument(ctx context.Context, chatID, filename, content, caption string) error {
	attachment := slack.Attachment{
		Title:    filename,
		Text:     "```" + content + "```",
		Fallback: caption,
		Color:    "danger",
	}
	return s.post(ctx, chatID,
		slack.MsgOptionText(caption, false),
		slack.MsgOptionAttachments(attachment),
	)
}

func (s *Slack) post(ctx context.Context, chatID string, opts ...slack.MsgOption) error {
	if chatID == "" {
		return errors.New("empty chat id")
	}
	for attempt := 0; ; attempt++ {
		_, _, err := s.client.PostMessageContext(ctx, chatID, opts...)
		if err == nil {
			return nil
		}

		var rl *slack.RateLimitedError
		if !errors.As(err, &rl) || attempt >= s.maxRetries {
			return fmt.Errorf("slack post to %s: %w", chatID, err)
		}
		log.Debug().Str("chat_id", chatID).Dur("retry_after", rl.RetryAfter).Msg("Slack rate limited, waiting")
		if err := s.sleep(ctx, rl.RetryAfter); err != nil {
			return err
		}
	}
}

func buildBlocks(text string, buttons []Button) []slack.Block {
	section := slack.NewSectionBlock(slack.NewTextBlockObject(slack.MarkdownType, text, false, false), nil, nil)

	elements := make([]slack.BlockElement, 0, len(buttons))
	for i, b := range buttons {
		label := slack.NewTextBlockObject(slack.PlainTextType, b.Text, false, false)
		elements = append(elements, slack.NewButtonBlockElement(fmt.Sprintf("action_%d", i), b.Value, label))
	}
	return []slack.Block{section, slack.NewActionBlock("", elements...)}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
