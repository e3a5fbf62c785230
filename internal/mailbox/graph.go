package mailbox

import (
	"context"
	"fmt"
	"html"
	"net/url"
	"regexp"
	"strings"
	"time"
)

const defaultGraphURL = "https://graph.microsoft.com"

const graphPageLimit = 5

type graph struct {
	api *apiClient
}

func newGraph(api *apiClient) *graph { return &graph{api: api} }

type graphAddress struct {
	EmailAddress struct {
		Name    string `json:"name"`
		Address string `json:"address"`
	} `json:"emailAddress"`
}

func (a graphAddress) String() string {
	if a.EmailAddress.Name == "" {
		return a.EmailAddress.Address
	}
	return fmt.Sprintf("%s <%s>", a.EmailAddress.Name, a.EmailAddress.Address)
}

type graphMessage struct {
	ID               string       `json:"id"`
	Subject          string       `json:"subject"`
	From             graphAddress `json:"from"`
	ReceivedDateTime time.Time    `json:"receivedDateTime"`
	Body             struct {
		ContentType string `json:"contentType"`
		Content     string `json:"content"`
	} `json:"body"`
}

type graphList struct {
	Value    []graphMessage `json:"value"`
	NextLink string         `json:"@odata.nextLink"`
}

func (g *graph) ListMessagesFrom(ctx context.Context, sender string, after time.Time) ([]MessageRef, error) {
	q := url.Values{}
	q.Set("$filter", fmt.Sprintf("from/emailAddress/address eq '%s' and receivedDateTime ge %s",
		strings.ReplaceAll(sender, "'", "''"), after.UTC().Format(time.RFC3339)))
	q.Set("$select", "id,subject,from,receivedDateTime")
	q.Set("$top", "50")
	path := "/v1.0/me/messages"
	var refs []MessageRef
	for page := 0; page < graphPageLimit && path != ""; page++ {
		var list graphList
		if err := g.api.getJSON(ctx, path, q, nil, &list); err != nil {
			return nil, fmt.Errorf("graph list: %w", err)
		}
		for _, m := range list.Value {
			if !m.ReceivedDateTime.After(after) {
				continue
			}
			refs = append(refs, MessageRef{ID: m.ID, Subject: m.Subject, From: m.From.String(), ReceivedAt: m.ReceivedDateTime.UTC()})
		}
		// nextLink already carries the query.
		path, q = list.NextLink, nil
	}
	return refs, nil
}

func (g *graph) FetchBody(ctx context.Context, id string) (Message, error) {
	var m graphMessage
	headers := map[string]string{"Prefer": `outlook.body-content-type="text"`}
	if err := g.api.getJSON(ctx, "/v1.0/me/messages/"+url.PathEscape(id), nil, headers, &m); err != nil {
		return Message{}, fmt.Errorf("graph fetch %s: %w", id, err)
	}
	body := m.Body.Content
	if strings.EqualFold(m.Body.ContentType, "html") {
		body = stripHTML(body)
	}
	return Message{ID: m.ID, Subject: m.Subject, From: m.From.String(), Body: body}, nil
}

var (
	blockTags  = regexp.MustCompile(`(?i)<\s*(br|/p|/div|/li|/tr|/h[1-6])\s*/?>`)
	dropBlocks = regexp.MustCompile(`(?is)<(style|script)[^>]*>.*?</(style|script)>`)
	anyTag     = regexp.MustCompile(`(?s)<[^>]+>`)
	blankRuns  = regexp.MustCompile(`\n{3,}`)
)

// stripHTML reduces an HTML body to text, keeping line breaks at block boundaries.
func stripHTML(s string) string {
	if s == "" {
		return ""
	}
	s = dropBlocks.ReplaceAllString(s, "")
	s = blockTags.ReplaceAllString(s, "\n")
	s = anyTag.ReplaceAllString(s, "")
	s = html.UnescapeString(s)
	s = strings.ReplaceAll(s, "\r\n", "\n")
	s = blankRuns.ReplaceAllString(s, "\n\n")
	return strings.TrimSpace(s)
}
