// Package mailbox reads candidate replies from the issuer's mailbox. Each
// provider implements the same two calls; callers pick one by the form's
// recorded provider.
package mailbox

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"formline/internal/config"
	"formline/internal/domain"
)

// MessageRef is a message header as returned by a listing.
type MessageRef struct {
	ID         string    `json:"id"`
	Subject    string    `json:"subject"`
	From       string    `json:"from"`
	ReceivedAt time.Time `json:"received_at"`
}

// Message is a fetched message reduced to plain text.
type Message struct {
	ID      string `json:"id"`
	Subject string `json:"subject"`
	From    string `json:"from"`
	Body    string `json:"body"`
}

type Mailbox interface {
	// ListMessagesFrom returns messages sent by sender and received after the given instant.
	ListMessagesFrom(ctx context.Context, sender string, after time.Time) ([]MessageRef, error)
	FetchBody(ctx context.Context, id string) (Message, error)
}

// Gateway opens a provider mailbox for an access token.
type Gateway struct {
	GmailBaseURL string
	GraphBaseURL string
	HTTPClient   *http.Client
	Retry        RetryOptions
}

func NewGateway(cfg *config.Config) *Gateway {
	return &Gateway{
		GmailBaseURL: cfg.Providers.Gmail.APIBaseURL,
		GraphBaseURL: cfg.Providers.Microsoft.APIBaseURL,
		HTTPClient:   &http.Client{Timeout: 20 * time.Second},
	}
}

func (g *Gateway) Open(provider domain.Provider, accessToken string) (Mailbox, error) {
	switch provider {
	case domain.ProviderGmail:
		return newGmail(newAPIClient(g.GmailBaseURL, defaultGmailURL, accessToken, g.HTTPClient, g.Retry)), nil
	case domain.ProviderMicrosoft:
		return newGraph(newAPIClient(g.GraphBaseURL, defaultGraphURL, accessToken, g.HTTPClient, g.Retry)), nil
	default:
		return nil, fmt.Errorf("unknown mail provider %q", provider)
	}
}
