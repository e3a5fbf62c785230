package mailbox

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"formline/internal/domain"
)

func b64(s string) string { return base64.RawURLEncoding.EncodeToString([]byte(s)) }

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func fastRetry() RetryOptions {
	return RetryOptions{MaxRetries: 2, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond}
}

func TestGmailListAndFetch(t *testing.T) {
	after := time.Date(2024, 1, 2, 10, 0, 0, 0, time.UTC)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		switch {
		case r.URL.Path == "/gmail/v1/users/me/messages":
			assert.Equal(t, "from:ada@example.com after:1704189600", r.URL.Query().Get("q"))
			writeJSON(w, map[string]any{"messages": []map[string]string{{"id": "m1"}, {"id": "m0"}}})
		case r.URL.Path == "/gmail/v1/users/me/messages/m1" && r.URL.Query().Get("format") == "metadata":
			writeJSON(w, map[string]any{
				"id": "m1", "internalDate": "1704193200000",
				"payload": map[string]any{"headers": []map[string]string{
					{"name": "Subject", "value": "Re: Candidate information request"},
					{"name": "From", "value": "Ada <ada@example.com>"},
				}},
			})
		case r.URL.Path == "/gmail/v1/users/me/messages/m0":
			// received before the bound
			writeJSON(w, map[string]any{"id": "m0", "internalDate": "1704189600000", "payload": map[string]any{}})
		case r.URL.Path == "/gmail/v1/users/me/messages/m1" && r.URL.Query().Get("format") == "full":
			writeJSON(w, map[string]any{
				"id": "m1",
				"payload": map[string]any{
					"mimeType": "multipart/alternative",
					"headers":  []map[string]string{{"name": "Subject", "value": "Re: Candidate information request"}, {"name": "From", "value": "ada@example.com"}},
					"parts": []map[string]any{
						{"mimeType": "text/html", "body": map[string]string{"data": b64("<p>Name: Ada</p>")}},
						{"mimeType": "text/plain", "body": map[string]string{"data": b64("Name: Ada\n")}},
					},
				},
			})
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	g := &Gateway{GmailBaseURL: srv.URL, Retry: fastRetry()}
	mb, err := g.Open(domain.ProviderGmail, "tok")
	require.NoError(t, err)

	refs, err := mb.ListMessagesFrom(context.Background(), "ada@example.com", after)
	require.NoError(t, err)
	require.Len(t, refs, 1)
	assert.Equal(t, "m1", refs[0].ID)
	assert.Equal(t, "Ada <ada@example.com>", refs[0].From)
	assert.Equal(t, time.Date(2024, 1, 2, 11, 0, 0, 0, time.UTC), refs[0].ReceivedAt)

	msg, err := mb.FetchBody(context.Background(), "m1")
	require.NoError(t, err)
	assert.Equal(t, "Name: Ada\n", msg.Body)
	assert.Equal(t, "Re: Candidate information request", msg.Subject)
}

func TestGmailFallsBackToHTML(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]any{
			"id": "m1",
			"payload": map[string]any{
				"mimeType": "text/html",
				"body":     map[string]string{"data": b64("<div>Name: Ada<br>Email: ada@example.com</div><style>p{}</style>")},
			},
		})
	}))
	defer srv.Close()
	mb, err := (&Gateway{GmailBaseURL: srv.URL}).Open(domain.ProviderGmail, "tok")
	require.NoError(t, err)
	msg, err := mb.FetchBody(context.Background(), "m1")
	require.NoError(t, err)
	assert.Equal(t, "Name: Ada\nEmail: ada@example.com", msg.Body)
}

func TestGraphListFollowsNextLinkAndFetchesText(t *testing.T) {
	after := time.Date(2024, 1, 2, 10, 0, 0, 0, time.UTC)
	var srvURL string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/v1.0/me/messages":
			if r.URL.Query().Get("page") == "2" {
				writeJSON(w, map[string]any{"value": []map[string]any{
					{"id": "g2", "subject": "Re: Intake", "receivedDateTime": "2024-01-02T12:00:00Z", "from": map[string]any{"emailAddress": map[string]string{"address": "ada@example.com"}}},
				}})
				return
			}
			filter := r.URL.Query().Get("$filter")
			assert.Contains(t, filter, "from/emailAddress/address eq 'ada@example.com'")
			assert.Contains(t, filter, "receivedDateTime ge 2024-01-02T10:00:00Z")
			writeJSON(w, map[string]any{
				"value": []map[string]any{
					{"id": "g1", "subject": "Re: Intake", "receivedDateTime": "2024-01-02T11:00:00Z", "from": map[string]any{"emailAddress": map[string]string{"name": "Ada", "address": "ada@example.com"}}},
					{"id": "g0", "subject": "old", "receivedDateTime": "2024-01-02T10:00:00Z", "from": map[string]any{"emailAddress": map[string]string{"address": "ada@example.com"}}},
				},
				"@odata.nextLink": srvURL + "/v1.0/me/messages?page=2",
			})
		case "/v1.0/me/messages/g1":
			assert.Equal(t, `outlook.body-content-type="text"`, r.Header.Get("Prefer"))
			writeJSON(w, map[string]any{"id": "g1", "subject": "Re: Intake", "body": map[string]string{"contentType": "text", "content": "Name: Ada"}})
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()
	srvURL = srv.URL

	mb, err := (&Gateway{GraphBaseURL: srv.URL, Retry: fastRetry()}).Open(domain.ProviderMicrosoft, "tok")
	require.NoError(t, err)
	refs, err := mb.ListMessagesFrom(context.Background(), "ada@example.com", after)
	require.NoError(t, err)
	require.Len(t, refs, 2)
	assert.Equal(t, "g1", refs[0].ID)
	assert.Equal(t, "Ada <ada@example.com>", refs[0].From)
	assert.Equal(t, "g2", refs[1].ID)

	msg, err := mb.FetchBody(context.Background(), "g1")
	require.NoError(t, err)
	assert.Equal(t, "Name: Ada", msg.Body)
}

func TestClientRetriesThenSucceeds(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.Header().Set("Retry-After", "0")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		writeJSON(w, map[string]any{"value": []any{}})
	}))
	defer srv.Close()
	mb, err := (&Gateway{GraphBaseURL: srv.URL, Retry: fastRetry()}).Open(domain.ProviderMicrosoft, "tok")
	require.NoError(t, err)
	refs, err := mb.ListMessagesFrom(context.Background(), "ada@example.com", time.Now())
	require.NoError(t, err)
	assert.Empty(t, refs)
	assert.EqualValues(t, 3, calls.Load())
}

func TestClientErrorsAreProviderUnavailable(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		if strings.Contains(r.URL.Path, "forbidden") {
			http.Error(w, "nope", http.StatusForbidden)
			return
		}
		http.Error(w, "boom", http.StatusBadGateway)
	}))
	defer srv.Close()
	mb, err := (&Gateway{GmailBaseURL: srv.URL, Retry: fastRetry()}).Open(domain.ProviderGmail, "tok")
	require.NoError(t, err)

	_, err = mb.ListMessagesFrom(context.Background(), "ada@example.com", time.Now())
	assert.ErrorIs(t, err, domain.ErrProviderUnavailable)
	assert.EqualValues(t, 3, calls.Load())

	calls.Store(0)
	_, err = mb.FetchBody(context.Background(), "forbidden")
	assert.ErrorIs(t, err, domain.ErrProviderUnavailable)
	assert.EqualValues(t, 1, calls.Load(), "4xx is not retried")
}

func TestClientHonorsContextDeadline(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer srv.Close()
	mb, err := (&Gateway{GraphBaseURL: srv.URL, Retry: fastRetry()}).Open(domain.ProviderMicrosoft, "tok")
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = mb.FetchBody(ctx, "g1")
	assert.ErrorIs(t, err, domain.ErrProviderUnavailable)
}

func TestOpenUnknownProvider(t *testing.T) {
	_, err := (&Gateway{}).Open("yahoo", "tok")
	assert.Error(t, err)
}

func TestRetryDelay(t *testing.T) {
	c := newAPIClient("", defaultGraphURL, "t", nil, RetryOptions{BaseDelay: 100 * time.Millisecond, MaxDelay: time.Second})
	assert.Equal(t, 100*time.Millisecond, c.retryDelay(1, ""))
	assert.Equal(t, 400*time.Millisecond, c.retryDelay(3, ""))
	assert.Equal(t, time.Second, c.retryDelay(10, ""))
	assert.Equal(t, time.Second, c.retryDelay(1, "30"))
}
