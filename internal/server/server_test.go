package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"formline/internal/config"
	"formline/internal/db"
	"formline/internal/domain"
	"formline/internal/email"
	"formline/internal/engine"
	"formline/internal/events"
	"formline/internal/migrate"
	"formline/internal/reconcile"
	"formline/internal/vault"
)

const testJWTSecret = "test-secret"

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type stubReconciler struct {
	report reconcile.CycleReport
	err    error
}

func (s *stubReconciler) RunOnce(context.Context) (reconcile.CycleReport, error) {
	return s.report, s.err
}

type recordingSender struct {
	mu   sync.Mutex
	sent []email.Message
}

func (s *recordingSender) Send(_ context.Context, m email.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, m)
	return nil
}

type testServer struct {
	URL        string
	Engine     engine.Engine
	Clock      *clock
	APIKey     string
	Reconciler *stubReconciler
	Mail       *recordingSender
	client     *http.Client
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err, "open db")
	require.NoError(t, migrate.Migrate(conn, db.SQLite), "migrate")
	clk := &clock{now: time.Now().UTC().Truncate(time.Second)}
	e := engine.New(conn, db.SQLite, config.Default()).WithClock(clk.Now)
	_, key, err := e.CreateAPIKey(context.Background(), "recruiter", "tests")
	require.NoError(t, err, "api key")

	mail := &recordingSender{}
	rec := &stubReconciler{}
	handler, err := New(Config{
		Engine:     e,
		Vault:      vault.New(e.Repo, nil, nil, vault.Options{Hub: e.Hub}),
		Sender:     engine.NewDispatcher(e, mail),
		Reconciler: rec,
		BasePath:   "/v1",
		Auth:       AuthConfig{JWTSecret: testJWTSecret},
	})
	require.NoError(t, err, "build handler")
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	require.NoError(t, err, "listen")
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	t.Cleanup(func() {
		e.Hub.Close()
		srv.Shutdown(context.Background())
		ln.Close()
		conn.Close()
	})
	return &testServer{
		URL:        "http://" + ln.Addr().String(),
		Engine:     e,
		Clock:      clk,
		APIKey:     key,
		Reconciler: rec,
		Mail:       mail,
		client:     &http.Client{Timeout: 10 * time.Second},
	}
}

func (s *testServer) staff() map[string]string {
	return map[string]string{"X-Api-Key": s.APIKey}
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader io.Reader = bytes.NewReader(nil)
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err, "marshal body")
		reader = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, url, reader)
	require.NoError(t, err, "new request")
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	require.NoError(t, err, "do request")
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	require.NoError(t, err, "read body")
	return res, data
}

type errorEnvelope struct {
	Error apiErrorBody `json:"error"`
}

func decodeError(t *testing.T, data []byte) apiErrorBody {
	t.Helper()
	var env errorEnvelope
	require.NoError(t, json.Unmarshal(data, &env), string(data))
	return env.Error
}

func createTemplate(t *testing.T, s *testServer) domain.FormTemplate {
	t.Helper()
	res, data := doJSON(t, s.client, http.MethodPost, s.URL+"/v1/templates", map[string]any{
		"name":    "Candidate intake",
		"subject": "Intake form",
		"fields": []map[string]any{
			{"id": "full_name", "label": "Full name", "type": "text", "required": true},
			{"id": "email", "label": "Email", "type": "email", "required": true},
			{"id": "role", "label": "Role", "type": "select", "options": []string{"engineer", "designer"}},
		},
	}, s.staff())
	require.Equal(t, http.StatusCreated, res.StatusCode, string(data))
	var tmpl domain.FormTemplate
	require.NoError(t, json.Unmarshal(data, &tmpl))
	return tmpl
}

func issueForm(t *testing.T, s *testServer, templateID string) domain.Form {
	t.Helper()
	res, data := doJSON(t, s.client, http.MethodPost, s.URL+"/v1/forms", map[string]any{
		"template_id":     templateID,
		"candidate_email": "ada@example.com",
		"candidate_name":  "Ada",
		"issuer_email":    "recruiter@agency.example",
		"provider":        "gmail",
	}, s.staff())
	require.Equal(t, http.StatusCreated, res.StatusCode, string(data))
	var f domain.Form
	require.NoError(t, json.Unmarshal(data, &f))
	return f
}

func TestHealthAndAuthBoundary(t *testing.T) {
	s := newTestServer(t)

	res, data := doJSON(t, s.client, http.MethodGet, s.URL+"/v1/health", nil, nil)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))

	res, data = doJSON(t, s.client, http.MethodGet, s.URL+"/v1/templates", nil, nil)
	require.Equal(t, http.StatusUnauthorized, res.StatusCode)
	assert.Equal(t, "unauthorized", decodeError(t, data).Code)

	res, data = doJSON(t, s.client, http.MethodGet, s.URL+"/v1/templates", nil, map[string]string{"X-Api-Key": "fl_wrong"})
	require.Equal(t, http.StatusUnauthorized, res.StatusCode)
	assert.Equal(t, "invalid_credentials", decodeError(t, data).Code)

	token, err := SignToken(testJWTSecret, "staff-1", nil, time.Hour)
	require.NoError(t, err)
	res, data = doJSON(t, s.client, http.MethodGet, s.URL+"/v1/templates", nil, map[string]string{"Authorization": "Bearer " + token})
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))

	forged, err := SignToken("other-secret", "staff-1", nil, time.Hour)
	require.NoError(t, err)
	res, _ = doJSON(t, s.client, http.MethodGet, s.URL+"/v1/templates", nil, map[string]string{"Authorization": "Bearer " + forged})
	require.Equal(t, http.StatusUnauthorized, res.StatusCode)
}

func TestPublicFormLifecycle(t *testing.T) {
	s := newTestServer(t)
	tmpl := createTemplate(t, s)
	f := issueForm(t, s, tmpl.ID)
	publicURL := s.URL + "/v1/public/forms/" + f.Token

	res, data := doJSON(t, s.client, http.MethodGet, s.URL+"/f/"+f.Token, nil, nil)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var pf PublicForm
	require.NoError(t, json.Unmarshal(data, &pf))
	assert.Equal(t, domain.FormOpened, pf.Status)
	assert.Len(t, pf.Fields, 3)

	res, data = doJSON(t, s.client, http.MethodPost, publicURL+"/responses", map[string]any{
		"answers": map[string]any{"email": "not-an-email", "role": "pilot"},
	}, nil)
	require.Equal(t, http.StatusUnprocessableEntity, res.StatusCode, string(data))
	apiErr := decodeError(t, data)
	assert.Equal(t, "validation_failed", apiErr.Code)
	fields, ok := apiErr.Details["fields"].(map[string]any)
	require.True(t, ok, string(data))
	assert.Equal(t, "invalid format", fields["email"])
	assert.Contains(t, fields, "full_name")
	assert.Contains(t, fields, "role")

	res, data = doJSON(t, s.client, http.MethodPost, publicURL+"/responses", map[string]any{
		"answers": map[string]any{"full_name": "Ada Lovelace", "email": "ada@example.com", "role": "engineer"},
	}, nil)
	require.Equal(t, http.StatusCreated, res.StatusCode, string(data))
	var submitted SubmitResponse
	require.NoError(t, json.Unmarshal(data, &submitted))
	assert.NotEmpty(t, submitted.ResponseID)

	res, data = doJSON(t, s.client, http.MethodPost, publicURL+"/responses", map[string]any{
		"answers": map[string]any{"full_name": "Ada", "email": "ada@example.com"},
	}, nil)
	require.Equal(t, http.StatusConflict, res.StatusCode)
	assert.Equal(t, "already_completed", decodeError(t, data).Code)

	res, data = doJSON(t, s.client, http.MethodGet, publicURL, nil, nil)
	require.Equal(t, http.StatusConflict, res.StatusCode)
	assert.Equal(t, "already_completed", decodeError(t, data).Code)

	res, data = doJSON(t, s.client, http.MethodGet, s.URL+"/v1/forms/"+f.Token+"/response", nil, s.staff())
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var resp domain.Response
	require.NoError(t, json.Unmarshal(data, &resp))
	assert.Equal(t, submitted.ResponseID, resp.ID)
	assert.Equal(t, domain.OriginWeb, resp.Origin)
	assert.Equal(t, "Ada Lovelace", resp.Answers["full_name"])
}

func TestPublicFormErrors(t *testing.T) {
	s := newTestServer(t)

	res, data := doJSON(t, s.client, http.MethodGet, s.URL+"/v1/public/forms/unknown-token", nil, nil)
	require.Equal(t, http.StatusNotFound, res.StatusCode)
	assert.Equal(t, "not_found", decodeError(t, data).Code)

	tmpl := createTemplate(t, s)
	f := issueForm(t, s, tmpl.ID)
	s.Clock.Advance(15 * 24 * time.Hour)

	res, data = doJSON(t, s.client, http.MethodGet, s.URL+"/v1/public/forms/"+f.Token, nil, nil)
	require.Equal(t, http.StatusGone, res.StatusCode)
	assert.Equal(t, "expired", decodeError(t, data).Code)

	res, data = doJSON(t, s.client, http.MethodPost, s.URL+"/v1/public/forms/"+f.Token+"/responses", map[string]any{
		"answers": map[string]any{"full_name": "Ada", "email": "ada@example.com"},
	}, nil)
	require.Equal(t, http.StatusGone, res.StatusCode)
	assert.Equal(t, "expired", decodeError(t, data).Code)

	res, data = doJSON(t, s.client, http.MethodGet, s.URL+"/v1/forms?status=expired", nil, s.staff())
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var forms []domain.Form
	require.NoError(t, json.Unmarshal(data, &forms))
	require.Len(t, forms, 1)
	assert.Equal(t, domain.FormExpired, forms[0].Status)
}

func TestIssueFromInactiveTemplate(t *testing.T) {
	s := newTestServer(t)
	tmpl := createTemplate(t, s)

	res, data := doJSON(t, s.client, http.MethodPatch, s.URL+"/v1/templates/"+tmpl.ID, map[string]any{"active": false}, s.staff())
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))

	res, data = doJSON(t, s.client, http.MethodPost, s.URL+"/v1/forms", map[string]any{
		"template_id":     tmpl.ID,
		"candidate_email": "ada@example.com",
		"issuer_email":    "recruiter@agency.example",
	}, s.staff())
	require.Equal(t, http.StatusConflict, res.StatusCode)
	assert.Equal(t, "template_inactive", decodeError(t, data).Code)
}

func TestSendForm(t *testing.T) {
	s := newTestServer(t)
	tmpl := createTemplate(t, s)
	f := issueForm(t, s, tmpl.ID)

	res, data := doJSON(t, s.client, http.MethodPost, s.URL+"/v1/forms/"+f.Token+"/send", map[string]any{}, s.staff())
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var sent domain.Form
	require.NoError(t, json.Unmarshal(data, &sent))
	assert.Equal(t, domain.FormSent, sent.Status)
	require.Len(t, s.Mail.sent, 1)
	assert.Equal(t, "ada@example.com", s.Mail.sent[0].To)
	assert.Contains(t, s.Mail.sent[0].Text, "/f/"+f.Token)

	res, data = doJSON(t, s.client, http.MethodGet, s.URL+"/v1/stats/forms", nil, s.staff())
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var counts map[string]int
	require.NoError(t, json.Unmarshal(data, &counts))
	assert.Equal(t, 1, counts["sent"])
	assert.Equal(t, 0, counts["completed"])
}

func TestCaseWorkflow(t *testing.T) {
	s := newTestServer(t)

	res, data := doJSON(t, s.client, http.MethodPost, s.URL+"/v1/cases", map[string]any{
		"candidate_name": "Grace Hopper",
		"priority":       "high",
	}, s.staff())
	require.Equal(t, http.StatusCreated, res.StatusCode, string(data))
	var c CaseResponse
	require.NoError(t, json.Unmarshal(data, &c))
	assert.Equal(t, domain.CaseIntake, c.Status)
	assert.ElementsMatch(t, []domain.CaseStatus{domain.CaseVerificationPending, domain.CaseOnHold}, c.AllowedTransitions)

	res, data = doJSON(t, s.client, http.MethodPost, s.URL+"/v1/cases/"+c.ID+"/transitions", map[string]any{"to": "Placed"}, s.staff())
	require.Equal(t, http.StatusConflict, res.StatusCode)
	assert.Equal(t, "invalid_transition", decodeError(t, data).Code)

	for _, check := range []string{"linkedin", "education", "experience"} {
		res, data = doJSON(t, s.client, http.MethodPut, s.URL+"/v1/cases/"+c.ID+"/verification/"+check, map[string]any{"verified": true}, s.staff())
		require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	}
	require.NoError(t, json.Unmarshal(data, &c))
	assert.Equal(t, domain.CaseVerified, c.Status)

	res, data = doJSON(t, s.client, http.MethodPost, s.URL+"/v1/cases/"+c.ID+"/notes", map[string]any{"body": "Strong references"}, s.staff())
	require.Equal(t, http.StatusCreated, res.StatusCode, string(data))

	res, data = doJSON(t, s.client, http.MethodGet, s.URL+"/v1/cases/"+c.ID, nil, s.staff())
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	require.NoError(t, json.Unmarshal(data, &c))
	require.Len(t, c.Notes, 1)
	assert.Equal(t, "recruiter", c.Notes[0].Author)
	assert.False(t, c.Breached)

	s.Clock.Advance(73 * time.Hour)
	res, data = doJSON(t, s.client, http.MethodGet, s.URL+"/v1/cases", nil, s.staff())
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var list []CaseResponse
	require.NoError(t, json.Unmarshal(data, &list))
	require.Len(t, list, 1)
	assert.True(t, list[0].Breached)

	res, data = doJSON(t, s.client, http.MethodGet, s.URL+"/v1/cases?status=Nowhere", nil, s.staff())
	require.Equal(t, http.StatusUnprocessableEntity, res.StatusCode, string(data))
}

func TestCredentialsNeverExposeTokens(t *testing.T) {
	s := newTestServer(t)
	url := s.URL + "/v1/credentials/gmail/Recruiter@Agency.example"

	res, data := doJSON(t, s.client, http.MethodPut, url, map[string]any{
		"access_token":  "ya29.secret",
		"refresh_token": "1//refresh",
		"expiry":        time.Now().Add(time.Hour).UTC().Format(time.RFC3339),
	}, s.staff())
	require.Equal(t, http.StatusNoContent, res.StatusCode, string(data))

	res, data = doJSON(t, s.client, http.MethodGet, s.URL+"/v1/credentials", nil, s.staff())
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	assert.NotContains(t, string(data), "ya29.secret")
	var creds []CredentialResponse
	require.NoError(t, json.Unmarshal(data, &creds))
	require.Len(t, creds, 1)
	assert.Equal(t, "recruiter@agency.example", creds[0].Identity)

	res, data = doJSON(t, s.client, http.MethodPut, s.URL+"/v1/credentials/gmail/x@example.com", map[string]any{}, s.staff())
	require.Equal(t, http.StatusUnprocessableEntity, res.StatusCode, string(data))

	res, _ = doJSON(t, s.client, http.MethodDelete, s.URL+"/v1/credentials/gmail/recruiter@agency.example", nil, s.staff())
	require.Equal(t, http.StatusNoContent, res.StatusCode)
	res, data = doJSON(t, s.client, http.MethodDelete, s.URL+"/v1/credentials/gmail/recruiter@agency.example", nil, s.staff())
	require.Equal(t, http.StatusNotFound, res.StatusCode, string(data))
}

func TestReconcileEndpoint(t *testing.T) {
	s := newTestServer(t)
	s.Reconciler.report = reconcile.CycleReport{Forms: 3, Mailboxes: 1, Matched: 2, Submitted: 1, Settled: 1, Duration: 1500 * time.Millisecond}

	res, data := doJSON(t, s.client, http.MethodPost, s.URL+"/v1/reconcile", nil, s.staff())
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var rep ReconcileResponse
	require.NoError(t, json.Unmarshal(data, &rep))
	assert.Equal(t, 3, rep.Forms)
	assert.Equal(t, 1, rep.Submitted)
	assert.Equal(t, int64(1500), rep.DurationMS)

	s.Reconciler.err = reconcile.ErrBusy
	res, data = doJSON(t, s.client, http.MethodPost, s.URL+"/v1/reconcile", nil, s.staff())
	require.Equal(t, http.StatusConflict, res.StatusCode)
	assert.Equal(t, "busy", decodeError(t, data).Code)
}

func TestEventsPagination(t *testing.T) {
	s := newTestServer(t)
	tmpl := createTemplate(t, s)
	issueForm(t, s, tmpl.ID)
	issueForm(t, s, tmpl.ID)

	res, data := doJSON(t, s.client, http.MethodGet, s.URL+"/v1/events?limit=2", nil, s.staff())
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var page paginatedEvents
	require.NoError(t, json.Unmarshal(data, &page))
	require.Len(t, page.Items, 2)
	assert.Equal(t, events.FormIssued, page.Items[0].Type)
	require.NotEmpty(t, page.NextCursor)

	res, data = doJSON(t, s.client, http.MethodGet, s.URL+"/v1/events?limit=2&cursor="+page.NextCursor, nil, s.staff())
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var next paginatedEvents
	require.NoError(t, json.Unmarshal(data, &next))
	require.Len(t, next.Items, 1)
	assert.Equal(t, events.TemplateCreated, next.Items[0].Type)
	assert.Empty(t, next.NextCursor)
}

func TestEventStream(t *testing.T) {
	s := newTestServer(t)
	tmpl := createTemplate(t, s)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	wsURL := "ws" + strings.TrimPrefix(s.URL, "http") + "/v1/events/stream?after=0&types=template.created,form.issued"
	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPHeader: http.Header{"X-Api-Key": []string{s.APIKey}},
	})
	require.NoError(t, err)
	defer conn.CloseNow()

	var first EventResponse
	require.NoError(t, wsjson.Read(ctx, conn, &first))
	assert.Equal(t, events.TemplateCreated, first.Type)
	assert.Equal(t, tmpl.ID, first.EntityID)

	f := issueForm(t, s, tmpl.ID)
	var second EventResponse
	require.NoError(t, wsjson.Read(ctx, conn, &second))
	assert.Equal(t, events.FormIssued, second.Type)
	assert.Equal(t, f.Token, second.EntityID)
}

func TestEventStreamRequiresAuth(t *testing.T) {
	s := newTestServer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, res, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(s.URL, "http")+"/v1/events/stream", nil)
	require.Error(t, err)
	require.NotNil(t, res)
	assert.Equal(t, http.StatusUnauthorized, res.StatusCode)
}

func TestHandleErrorMapping(t *testing.T) {
	cases := []struct {
		err    error
		status int
		code   string
	}{
		{domain.ErrNotFound, http.StatusNotFound, "not_found"},
		{domain.ErrExpired, http.StatusGone, "expired"},
		{domain.ErrAlreadyCompleted, http.StatusConflict, "already_completed"},
		{domain.ErrTemplateInactive, http.StatusConflict, "template_inactive"},
		{&domain.ValidationError{Fields: map[string]string{"email": "invalid format"}}, http.StatusUnprocessableEntity, "validation_failed"},
		{&domain.TransitionError{Entity: "case", From: "Intake", To: "Placed"}, http.StatusConflict, "invalid_transition"},
		{errors.Join(errors.New("refresh"), domain.ErrTokenRefreshFailed), http.StatusBadGateway, "token_refresh_failed"},
		{domain.ErrProviderUnavailable, http.StatusServiceUnavailable, "provider_unavailable"},
		{errors.New("boom"), http.StatusInternalServerError, "internal_error"},
	}
	for _, tc := range cases {
		se := handleError(tc.err)
		ae, ok := se.(*apiError)
		require.True(t, ok)
		assert.Equal(t, tc.status, ae.GetStatus(), tc.err.Error())
		assert.Equal(t, tc.code, ae.Body.Code, tc.err.Error())
	}
}
