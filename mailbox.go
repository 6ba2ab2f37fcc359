package main

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/mail"
	"net/url"
	"strings"
	"time"
)

// RawMessage is one fetched mailbox message. The body is available as HTML
// or plain text depending on what the sender provided.
type RawMessage struct {
	ID       string
	Sender   string
	Subject  string
	Date     time.Time
	HTMLBody string
	TextBody string
}

// Body prefers HTML; structured newsletters carry their links there.
func (m RawMessage) Body() string {
	if m.HTMLBody != "" {
		return m.HTMLBody
	}
	return m.TextBody
}

// MailboxClient talks to a Gmail-style REST message API. Connection-level
// timeout is its own budget, separate from per-item classification.
type MailboxClient struct {
	baseURL string
	token   string
	client  *http.Client
}

func NewMailboxClient(cfg Config) *MailboxClient {
	return &MailboxClient{
		baseURL: strings.TrimRight(cfg.MailboxBaseURL, "/"),
		token:   cfg.MailboxToken,
		client:  &http.Client{Timeout: cfg.MailboxTimeout()},
	}
}

type messageListResponse struct {
	Messages []struct {
		ID string `json:"id"`
	} `json:"messages"`
}

type messagePart struct {
	MimeType string `json:"mimeType"`
	Body     struct {
		Data string `json:"data"`
	} `json:"body"`
	Parts []messagePart `json:"parts"`
}

type messageResponse struct {
	ID      string `json:"id"`
	Payload struct {
		Headers []struct {
			Name  string `json:"name"`
			Value string `json:"value"`
		} `json:"headers"`
		messagePart
	} `json:"payload"`
}

// FetchUnreadFrom returns unread messages from the given sender addresses.
// A single message failing to load is logged and skipped; the rest of the
// batch still comes back.
func (c *MailboxClient) FetchUnreadFrom(ctx context.Context, senders []string) ([]RawMessage, error) {
	if len(senders) == 0 {
		return nil, nil
	}

	query := fmt.Sprintf("is:unread from:(%s)", strings.Join(senders, " OR "))
	listURL := fmt.Sprintf("%s/messages?q=%s&maxResults=50", c.baseURL, url.QueryEscape(query))

	var list messageListResponse
	if err := c.getJSON(ctx, listURL, &list); err != nil {
		return nil, fmt.Errorf("listing messages: %w", err)
	}

	var messages []RawMessage
	for _, ref := range list.Messages {
		msgURL := fmt.Sprintf("%s/messages/%s?format=full", c.baseURL, url.PathEscape(ref.ID))
		var msg messageResponse
		if err := c.getJSON(ctx, msgURL, &msg); err != nil {
			log.Printf("mailbox message fetch failed id=%s err=%v", ref.ID, err)
			continue
		}
		messages = append(messages, convertMessage(msg))
	}

	log.Printf("mailbox fetch done senders=%d listed=%d loaded=%d", len(senders), len(list.Messages), len(messages))
	return messages, nil
}

func (c *MailboxClient) getJSON(ctx context.Context, apiURL string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, apiURL, nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("mailbox request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("mailbox http %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("reading response: %w", err)
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("parsing mailbox response: %w", err)
	}
	return nil
}

func convertMessage(msg messageResponse) RawMessage {
	out := RawMessage{ID: msg.ID}
	for _, h := range msg.Payload.Headers {
		switch strings.ToLower(h.Name) {
		case "from":
			out.Sender = h.Value
		case "subject":
			out.Subject = h.Value
		case "date":
			if t, err := mail.ParseDate(h.Value); err == nil {
				out.Date = t
			}
		}
	}
	collectBodies(msg.Payload.messagePart, &out)
	return out
}

// collectBodies walks the MIME part tree, decoding the first text/html and
// text/plain bodies it finds.
func collectBodies(part messagePart, out *RawMessage) {
	if part.Body.Data != "" {
		decoded := decodeBase64URL(part.Body.Data)
		switch {
		case strings.HasPrefix(part.MimeType, "text/html") && out.HTMLBody == "":
			out.HTMLBody = decoded
		case strings.HasPrefix(part.MimeType, "text/plain") && out.TextBody == "":
			out.TextBody = decoded
		}
	}
	for _, p := range part.Parts {
		collectBodies(p, out)
	}
}

// decodeBase64URL tolerates both padded and unpadded url-safe base64; an
// undecodable body comes back verbatim rather than dropping the message.
func decodeBase64URL(data string) string {
	if b, err := base64.RawURLEncoding.DecodeString(data); err == nil {
		return string(b)
	}
	if b, err := base64.URLEncoding.DecodeString(data); err == nil {
		return string(b)
	}
	return data
}
