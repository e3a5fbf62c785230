package formlinesdk

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal Formline HTTP API client. Public form calls need no
// credentials; staff calls send BearerToken or APIKey.
type Client struct {
	BaseURL     string
	BasePath    string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL:  baseURL,
		BasePath: "/v1",
		Timeout:  10 * time.Second,
	}
}

type Field struct {
	ID       string   `json:"id"`
	Label    string   `json:"label"`
	Type     string   `json:"type"`
	Required bool     `json:"required,omitempty"`
	Options  []string `json:"options,omitempty"`
}

// PublicForm is what a candidate sees when opening a form link.
type PublicForm struct {
	Token         string    `json:"token"`
	CandidateName string    `json:"candidate_name,omitempty"`
	Subject       string    `json:"subject"`
	Fields        []Field   `json:"fields"`
	Status        string    `json:"status"`
	ExpiresAt     time.Time `json:"expires_at"`
}

type Template struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	Subject     string    `json:"subject,omitempty"`
	Fields      []Field   `json:"fields"`
	Active      bool      `json:"active"`
	UsageCount  int       `json:"usage_count"`
	CreatedAt   time.Time `json:"created_at"`
}

type Form struct {
	Token          string     `json:"token"`
	TemplateID     string     `json:"template_id"`
	CandidateEmail string     `json:"candidate_email"`
	CandidateName  string     `json:"candidate_name,omitempty"`
	IssuerEmail    string     `json:"issuer_email"`
	Provider       string     `json:"provider,omitempty"`
	Subject        string     `json:"subject"`
	Status         string     `json:"status"`
	CreatedAt      time.Time  `json:"created_at"`
	ExpiresAt      time.Time  `json:"expires_at"`
	CompletedAt    *time.Time `json:"completed_at,omitempty"`
}

// IssueForm is the request body for Issue.
type IssueForm struct {
	TemplateID     string `json:"template_id"`
	CandidateEmail string `json:"candidate_email"`
	CandidateName  string `json:"candidate_name,omitempty"`
	IssuerEmail    string `json:"issuer_email"`
	Provider       string `json:"provider,omitempty"`
	Subject        string `json:"subject,omitempty"`
}

type Response struct {
	ID          string         `json:"id"`
	FormToken   string         `json:"form_token"`
	Answers     map[string]any `json:"answers"`
	Origin      string         `json:"origin"`
	SubmittedAt time.Time      `json:"submitted_at"`
	CaseID      *string        `json:"case_id,omitempty"`
}

type Case struct {
	ID                 string    `json:"id"`
	CandidateName      string    `json:"candidate_name,omitempty"`
	CandidateEmail     string    `json:"candidate_email,omitempty"`
	FormToken          *string   `json:"form_token,omitempty"`
	Status             string    `json:"status"`
	Priority           string    `json:"priority"`
	SLADeadline        time.Time `json:"sla_deadline"`
	Breached           bool      `json:"breached"`
	AllowedTransitions []string  `json:"allowed_transitions"`
}

// Event represents a log entry.
type Event struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts"`
	Type       string         `json:"type"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload"`
}

// PaginatedEvents wraps list responses with cursors.
type PaginatedEvents struct {
	Items      []Event `json:"items"`
	NextCursor string  `json:"next_cursor"`
}

// APIError wraps non-2xx responses. Code and Message come from the error
// envelope when the body carries one.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Details    map[string]any
	Body       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error: status=%d code=%s message=%s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// IsCode reports whether err is an APIError with the given code.
func IsCode(err error, code string) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Code == code
}

// GetForm opens a form link. It marks the form opened on the server.
func (c *Client) GetForm(ctx context.Context, token string) (PublicForm, error) {
	var resp PublicForm
	err := c.do(ctx, http.MethodGet, "public/forms/"+url.PathEscape(token), nil, &resp)
	return resp, err
}

// Submit posts answers for a form and returns the new response id.
func (c *Client) Submit(ctx context.Context, token string, answers map[string]any) (string, error) {
	var resp struct {
		ResponseID string `json:"response_id"`
	}
	body := map[string]any{"answers": answers}
	err := c.do(ctx, http.MethodPost, "public/forms/"+url.PathEscape(token)+"/responses", body, &resp)
	return resp.ResponseID, err
}

// CreateTemplate creates a template.
func (c *Client) CreateTemplate(ctx context.Context, name, subject string, fields []Field) (Template, error) {
	body := map[string]any{
		"name":    name,
		"subject": subject,
		"fields":  fields,
	}
	var resp Template
	err := c.do(ctx, http.MethodPost, "templates", body, &resp)
	return resp, err
}

// Issue creates a form from a template.
func (c *Client) Issue(ctx context.Context, req IssueForm) (Form, error) {
	var resp Form
	err := c.do(ctx, http.MethodPost, "forms", req, &resp)
	return resp, err
}

// Send emails the form link to the candidate.
func (c *Client) Send(ctx context.Context, token string) (Form, error) {
	var resp Form
	err := c.do(ctx, http.MethodPost, "forms/"+url.PathEscape(token)+"/send", map[string]any{}, &resp)
	return resp, err
}

// Form returns a form with its derived status.
func (c *Client) Form(ctx context.Context, token string) (Form, error) {
	var resp Form
	err := c.do(ctx, http.MethodGet, "forms/"+url.PathEscape(token), nil, &resp)
	return resp, err
}

// FormResponse returns the answers recorded for a completed form.
func (c *Client) FormResponse(ctx context.Context, token string) (Response, error) {
	var resp Response
	err := c.do(ctx, http.MethodGet, "forms/"+url.PathEscape(token)+"/response", nil, &resp)
	return resp, err
}

// Cases lists cases, optionally filtered by status.
func (c *Client) Cases(ctx context.Context, status string) ([]Case, error) {
	endpoint := "cases"
	if status != "" {
		endpoint += "?status=" + url.QueryEscape(status)
	}
	var resp []Case
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// TransitionCase moves a case to another status.
func (c *Client) TransitionCase(ctx context.Context, id, to, reason string) (Case, error) {
	body := map[string]any{"to": to, "reason": reason}
	var resp Case
	err := c.do(ctx, http.MethodPost, "cases/"+url.PathEscape(id)+"/transitions", body, &resp)
	return resp, err
}

// Verify records a verification check on a case.
func (c *Client) Verify(ctx context.Context, id, check string, verified bool, notes string) (Case, error) {
	body := map[string]any{"verified": verified, "notes": notes}
	var resp Case
	err := c.do(ctx, http.MethodPut, "cases/"+url.PathEscape(id)+"/verification/"+url.PathEscape(check), body, &resp)
	return resp, err
}

// Events returns recent events.
func (c *Client) Events(ctx context.Context, limit int) ([]Event, error) {
	page, err := c.EventsPage(ctx, limit, "")
	return page.Items, err
}

// EventsPage returns a paginated event listing.
func (c *Client) EventsPage(ctx context.Context, limit int, cursor string) (PaginatedEvents, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", fmt.Sprintf("%d", limit))
	}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	endpoint := "events"
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp PaginatedEvents
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	var reader io.Reader
	if body != nil {
		var buf bytes.Buffer
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
		reader = &buf
	}
	req, err := http.NewRequestWithContext(ctx, method, c.url(endpoint), reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return decodeAPIError(resp)
	}
	if out != nil && resp.StatusCode != http.StatusNoContent {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func decodeAPIError(resp *http.Response) error {
	b, _ := io.ReadAll(resp.Body)
	apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	var env struct {
		Error struct {
			Code    string         `json:"code"`
			Message string         `json:"message"`
			Details map[string]any `json:"details"`
		} `json:"error"`
	}
	if json.Unmarshal(b, &env) == nil {
		apiErr.Code = env.Error.Code
		apiErr.Message = env.Error.Message
		apiErr.Details = env.Error.Details
	}
	return apiErr
}

func (c *Client) url(endpoint string) string {
	base := strings.TrimRight(c.BaseURL, "/")
	if p := strings.Trim(c.BasePath, "/"); p != "" {
		base += "/" + p
	}
	return base + "/" + strings.TrimLeft(endpoint, "/")
}
