package dispatch

import (
	"context"
	"fmt"

	"github.com/slack-go/slack"
)

// SlackTransport delivers digests as Slack messages. The subscription
// recipient is a channel or user id.
type SlackTransport struct {
	client *slack.Client
}

// NewSlackTransport creates a transport from a bot token.
func NewSlackTransport(token string) *SlackTransport {
	return &SlackTransport{client: slack.New(token)}
}

func (t *SlackTransport) Send(ctx context.Context, recipient, subject, body string) (string, error) {
	channel, ts, err := t.client.PostMessageContext(ctx, recipient,
		slack.MsgOptionText(fmt.Sprintf("*%s*\n```%s```", subject, body), false),
		slack.MsgOptionDisableLinkUnfurl(),
	)
	if err != nil {
		return "", fmt.Errorf("slack post: %w", err)
	}
	return channel + "/" + ts, nil
}
