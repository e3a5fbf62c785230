package mailbox

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"
)

const defaultGmailURL = "https://gmail.googleapis.com"

// gmailPageLimit bounds how many listing pages one call follows.
const gmailPageLimit = 5

type gmail struct {
	api *apiClient
}

func newGmail(api *apiClient) *gmail { return &gmail{api: api} }

type gmailList struct {
	Messages []struct {
		ID string `json:"id"`
	} `json:"messages"`
	NextPageToken string `json:"nextPageToken"`
}

type gmailPart struct {
	MimeType string `json:"mimeType"`
	Headers  []struct {
		Name  string `json:"name"`
		Value string `json:"value"`
	} `json:"headers"`
	Body struct {
		Data string `json:"data"`
	} `json:"body"`
	Parts []gmailPart `json:"parts"`
}

type gmailMessage struct {
	ID           string    `json:"id"`
	InternalDate string    `json:"internalDate"`
	Payload      gmailPart `json:"payload"`
}

func (p gmailPart) header(name string) string {
	for _, h := range p.Headers {
		if strings.EqualFold(h.Name, name) {
			return h.Value
		}
	}
	return ""
}

func (m gmailMessage) received() time.Time {
	ms, err := strconv.ParseInt(m.InternalDate, 10, 64)
	if err != nil {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

func (g *gmail) ListMessagesFrom(ctx context.Context, sender string, after time.Time) ([]MessageRef, error) {
	q := url.Values{}
	// Gmail's after: operator has second granularity; the exact bound is applied below.
	q.Set("q", fmt.Sprintf("from:%s after:%d", sender, after.Unix()))
	q.Set("maxResults", "50")
	var refs []MessageRef
	for page := 0; page < gmailPageLimit; page++ {
		var list gmailList
		if err := g.api.getJSON(ctx, "/gmail/v1/users/me/messages", q, nil, &list); err != nil {
			return nil, fmt.Errorf("gmail list: %w", err)
		}
		for _, item := range list.Messages {
			meta := url.Values{}
			meta.Set("format", "metadata")
			meta.Add("metadataHeaders", "Subject")
			meta.Add("metadataHeaders", "From")
			var msg gmailMessage
			if err := g.api.getJSON(ctx, "/gmail/v1/users/me/messages/"+url.PathEscape(item.ID), meta, nil, &msg); err != nil {
				return nil, fmt.Errorf("gmail metadata %s: %w", item.ID, err)
			}
			received := msg.received()
			if !received.After(after) {
				continue
			}
			refs = append(refs, MessageRef{
				ID:         msg.ID,
				Subject:    msg.Payload.header("Subject"),
				From:       msg.Payload.header("From"),
				ReceivedAt: received,
			})
		}
		if list.NextPageToken == "" {
			break
		}
		q.Set("pageToken", list.NextPageToken)
	}
	return refs, nil
}

func (g *gmail) FetchBody(ctx context.Context, id string) (Message, error) {
	q := url.Values{}
	q.Set("format", "full")
	var msg gmailMessage
	if err := g.api.getJSON(ctx, "/gmail/v1/users/me/messages/"+url.PathEscape(id), q, nil, &msg); err != nil {
		return Message{}, fmt.Errorf("gmail fetch %s: %w", id, err)
	}
	body := findPart(msg.Payload, "text/plain")
	if body == "" {
		body = stripHTML(findPart(msg.Payload, "text/html"))
	}
	return Message{
		ID:      msg.ID,
		Subject: msg.Payload.header("Subject"),
		From:    msg.Payload.header("From"),
		Body:    body,
	}, nil
}

// findPart returns the decoded body of the first part with the given mime type, depth first.
func findPart(p gmailPart, mimeType string) string {
	if strings.HasPrefix(strings.ToLower(p.MimeType), mimeType) && p.Body.Data != "" {
		return decodeBase64URL(p.Body.Data)
	}
	for _, child := range p.Parts {
		if s := findPart(child, mimeType); s != "" {
			return s
		}
	}
	return ""
}

func decodeBase64URL(data string) string {
	data = strings.TrimRight(data, "=")
	raw, err := base64.RawURLEncoding.DecodeString(data)
	if err != nil {
		return ""
	}
	return string(raw)
}
