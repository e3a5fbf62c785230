package engine

import (
	"bytes"
	"context"
	"fmt"
	"html/template"
	"strings"

	"formline/internal/domain"
	"formline/internal/email"
	"formline/internal/observability/logger"
)

// Dispatcher mails the form link to the candidate and marks the form sent.
type Dispatcher struct {
	Engine        Engine
	Sender        email.Sender
	PublicBaseURL string
}

func NewDispatcher(e Engine, sender email.Sender) Dispatcher {
	return Dispatcher{Engine: e, Sender: sender, PublicBaseURL: e.Config.HTTP.PublicBaseURL}
}

// FormLink is the public URL a candidate opens to fill the form.
func (d Dispatcher) FormLink(token string) string {
	return strings.TrimRight(d.PublicBaseURL, "/") + "/f/" + token
}

var formMailHTML = template.Must(template.New("form").Parse(`<p>Hello{{if .Name}} {{.Name}}{{end}},</p>
<p>Please complete the following form: <a href="{{.Link}}">{{.Link}}</a></p>
<p>You can also reply to this email with your answers, one per line:</p>
<pre>{{range .Fields}}{{.Label}}: 
{{end}}</pre>
<p>The link expires on {{.Expires}}.</p>`))

type formMail struct {
	Name    string
	Link    string
	Fields  []domain.FieldSpec
	Expires string
}

func (d Dispatcher) render(f domain.Form) (string, string, error) {
	data := formMail{
		Name:    f.CandidateName,
		Link:    d.FormLink(f.Token),
		Fields:  f.Fields,
		Expires: f.ExpiresAt.Format("2006-01-02 15:04 MST"),
	}
	var text strings.Builder
	if data.Name != "" {
		fmt.Fprintf(&text, "Hello %s,\n\n", data.Name)
	} else {
		text.WriteString("Hello,\n\n")
	}
	fmt.Fprintf(&text, "Please complete the following form: %s\n\n", data.Link)
	text.WriteString("You can also reply to this email with your answers, one per line:\n\n")
	for _, field := range f.Fields {
		fmt.Fprintf(&text, "%s: \n", field.Label)
	}
	fmt.Fprintf(&text, "\nThe link expires on %s.\n", data.Expires)

	var html bytes.Buffer
	if err := formMailHTML.Execute(&html, data); err != nil {
		return "", "", err
	}
	return text.String(), html.String(), nil
}

// Send mails the form from the issuer address, then records it as sent
// through provider. A delivery failure leaves the form unsent.
func (d Dispatcher) Send(ctx context.Context, token string, provider domain.Provider, actorID string) (domain.Form, error) {
	f, err := d.Engine.Resolve(ctx, token)
	if err != nil {
		return domain.Form{}, err
	}
	if provider == "" {
		provider = f.Provider
	}
	if !provider.Valid() {
		return domain.Form{}, &domain.ValidationError{Fields: map[string]string{"provider": "must be gmail or microsoft"}}
	}
	text, html, err := d.render(f)
	if err != nil {
		return domain.Form{}, fmt.Errorf("render form mail: %w", err)
	}
	msg := email.Message{From: f.IssuerEmail, To: f.CandidateEmail, Subject: f.Subject, Text: text, HTML: html}
	if err := d.Sender.Send(ctx, msg); err != nil {
		d.Engine.log().Error("form mail failed", logger.FormToken(token), logger.Err(err))
		return domain.Form{}, fmt.Errorf("send form mail: %w: %w", domain.ErrProviderUnavailable, err)
	}
	return d.Engine.MarkSent(ctx, token, provider, f.Subject, actorID)
}
