package notify

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// DiscordSender posts notifications to a Discord webhook as one embed. The
// "Key: value" lines of a message body become inline embed fields.
type DiscordSender struct {
	webhookURL string
	client     *http.Client
	now        func() time.Time
}

// NewDiscordSender creates a DiscordSender for webhookURL.
func NewDiscordSender(webhookURL string) *DiscordSender {
	return &DiscordSender{
		webhookURL: webhookURL,
		client:     &http.Client{Timeout: sendTimeout},
		now:        time.Now,
	}
}

type discordField struct {
	Name   string `json:"name"`
	Value  string `json:"value"`
	Inline bool   `json:"inline"`
}

type discordEmbed struct {
	Title       string         `json:"title"`
	Description string         `json:"description,omitempty"`
	Color       int            `json:"color"`
	Fields      []discordField `json:"fields,omitempty"`
	Timestamp   string         `json:"timestamp"`
}

var severityColor = map[Severity]int{
	SeverityInfo:    0x3498db,
	SeveritySuccess: 0x2ecc71,
	SeverityWarning: 0xf1c40f,
	SeverityError:   0xe74c3c,
}

// embed converts msg. Body lines that are not "Key: value" pairs stay in
// the description.
func (d *DiscordSender) embed(msg Message) discordEmbed {
	e := discordEmbed{
		Title:     msg.Title,
		Color:     severityColor[msg.Severity],
		Timestamp: d.now().UTC().Format(time.RFC3339),
	}
	var rest []string
	for _, line := range strings.Split(msg.Body, "\n") {
		k, v, ok := strings.Cut(line, ": ")
		if !ok || k == "" || strings.ContainsAny(k, " \t") {
			if line != "" {
				rest = append(rest, line)
			}
			continue
		}
		e.Fields = append(e.Fields, discordField{Name: k, Value: v, Inline: true})
	}
	e.Description = strings.Join(rest, "\n")
	return e
}

// Send posts msg. Discord answers 204 on success.
func (d *DiscordSender) Send(ctx context.Context, msg Message) error {
	payload := map[string]any{"embeds": []discordEmbed{d.embed(msg)}}
	if err := postJSON(ctx, d.client, d.webhookURL, payload); err != nil {
		return fmt.Errorf("discord: %w", err)
	}
	return nil
}

// Name identifies the sender in logs.
func (d *DiscordSender) Name() string { return "discord" }
