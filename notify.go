package main

import (
	"fmt"
	"log"

	"github.com/slack-go/slack"
)

// Notifier posts discovery digests to a Slack channel. A nil Notifier is a
// no-op so callers never need to branch on configuration.
type Notifier struct {
	api       *slack.Client
	channelID string
}

func NewNotifier(cfg Config) *Notifier {
	if !cfg.SlackConfigured() {
		log.Println("Slack notifications disabled (slack_bot_token/slack_channel_id not set)")
		return nil
	}
	return &Notifier{
		api:       slack.New(cfg.SlackBotToken),
		channelID: cfg.SlackChannelID,
	}
}

// NotifyNewDiscoveries posts a digest when a run inserted anything new.
func (n *Notifier) NotifyNewDiscoveries(project Project, inserted int, summary string) {
	if n == nil || inserted == 0 {
		return
	}
	text := fmt.Sprintf("*%s*: %d new discoveries\n%s", project.Name, inserted, summary)
	_, _, err := n.api.PostMessage(n.channelID, slack.MsgOptionText(text, false))
	if err != nil {
		log.Printf("notify post error project=%s err=%v", project.ID, err)
	}
}
