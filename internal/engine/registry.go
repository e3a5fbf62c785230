package engine

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"formline/internal/domain"
	"formline/internal/events"
	"formline/internal/metrics"
	"formline/internal/observability/logger"
	"formline/internal/repo"
)

// formTransitions is the forward-only lifecycle of a form. Expiry is not an
// edge: it is derived from the clock and ends the lifecycle from any open status.
var formTransitions = map[domain.FormStatus][]domain.FormStatus{
	domain.FormCreated: {domain.FormSent, domain.FormOpened, domain.FormCompleted},
	domain.FormSent:    {domain.FormOpened, domain.FormCompleted},
	domain.FormOpened:  {domain.FormCompleted},
}

var formRank = map[domain.FormStatus]int{
	domain.FormCreated:   0,
	domain.FormSent:      1,
	domain.FormOpened:    2,
	domain.FormCompleted: 3,
}

func canAdvanceForm(from, to domain.FormStatus) bool {
	for _, s := range formTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// checkFormAdvance decides what a mark operation does from the effective status:
// apply the change, do nothing (already there or further along), or fail.
func checkFormAdvance(effective, to domain.FormStatus) (apply bool, err error) {
	if effective == domain.FormCompleted || effective == domain.FormExpired {
		return false, &domain.TransitionError{Entity: "form", From: string(effective), To: string(to)}
	}
	if canAdvanceForm(effective, to) {
		return true, nil
	}
	if formRank[effective] >= formRank[to] {
		return false, nil
	}
	return false, &domain.TransitionError{Entity: "form", From: string(effective), To: string(to)}
}

type TemplateInput struct {
	Name        string             `json:"name" yaml:"name"`
	Description string             `json:"description,omitempty" yaml:"description"`
	Subject     string             `json:"subject,omitempty" yaml:"subject"`
	Fields      []domain.FieldSpec `json:"fields" yaml:"fields"`
}

func (e Engine) CreateTemplate(ctx context.Context, in TemplateInput, actorID string) (domain.FormTemplate, error) {
	verr := &domain.ValidationError{}
	if strings.TrimSpace(in.Name) == "" {
		verr.Add("name", "is required")
	}
	if err := ValidateFields(in.Fields); err != nil {
		if fe, ok := err.(*domain.ValidationError); ok {
			for k, v := range fe.Fields {
				verr.Add(k, v)
			}
		}
	}
	if err := verr.OrNil(); err != nil {
		return domain.FormTemplate{}, err
	}
	now := e.now()
	fields := make([]domain.FieldSpec, len(in.Fields))
	for i, f := range in.Fields {
		f.ID = strings.TrimSpace(f.ID)
		f.Label = strings.TrimSpace(f.Label)
		fields[i] = f
	}
	t := domain.FormTemplate{
		ID:          uuid.NewString(),
		Name:        strings.TrimSpace(in.Name),
		Description: in.Description,
		Subject:     strings.TrimSpace(in.Subject),
		Fields:      fields,
		Active:      true,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	err := e.inTx(ctx, func(tx *sql.Tx) error {
		if err := e.Repo.InsertTemplate(ctx, tx, t); err != nil {
			return fmt.Errorf("insert template: %w", err)
		}
		return e.Events.Append(ctx, tx, events.TemplateCreated, "template", t.ID, actorID, events.EventPayload{"name": t.Name, "fields": len(t.Fields)})
	})
	if err != nil {
		return domain.FormTemplate{}, err
	}
	e.publish(events.TemplateCreated, "template", t.ID, nil)
	return t, nil
}

func (e Engine) GetTemplate(ctx context.Context, id string) (domain.FormTemplate, error) {
	return e.Repo.GetTemplate(ctx, nil, id)
}

func (e Engine) ListTemplates(ctx context.Context, activeOnly bool) ([]domain.FormTemplate, error) {
	return e.Repo.ListTemplates(ctx, activeOnly)
}

// SetTemplateActive retires or reinstates a template. Field definitions are never edited.
func (e Engine) SetTemplateActive(ctx context.Context, id string, active bool, actorID string) (domain.FormTemplate, error) {
	var t domain.FormTemplate
	err := e.inTx(ctx, func(tx *sql.Tx) error {
		if err := e.Repo.SetTemplateActive(ctx, tx, id, active, e.now()); err != nil {
			return err
		}
		var err error
		if t, err = e.Repo.GetTemplate(ctx, tx, id); err != nil {
			return err
		}
		return e.Events.Append(ctx, tx, events.TemplateUpdated, "template", id, actorID, events.EventPayload{"active": active})
	})
	if err != nil {
		return domain.FormTemplate{}, err
	}
	return t, nil
}

type IssueRequest struct {
	TemplateID     string
	CandidateEmail string
	CandidateName  string
	IssuerEmail    string
	Provider       domain.Provider
	Subject        string
	ActorID        string
}

// Issue creates a new form from an active template. The form keeps its own
// copy of the template fields.
func (e Engine) Issue(ctx context.Context, req IssueRequest) (domain.Form, error) {
	verr := &domain.ValidationError{}
	if !emailPattern.MatchString(strings.TrimSpace(req.CandidateEmail)) {
		verr.Add("candidate_email", "must be a valid email address")
	}
	if !emailPattern.MatchString(strings.TrimSpace(req.IssuerEmail)) {
		verr.Add("issuer_email", "must be a valid email address")
	}
	if req.Provider != "" && !req.Provider.Valid() {
		verr.Add("provider", "must be gmail or microsoft")
	}
	if err := verr.OrNil(); err != nil {
		return domain.Form{}, err
	}
	tmpl, err := e.Repo.GetTemplate(ctx, nil, req.TemplateID)
	if err != nil {
		return domain.Form{}, err
	}
	if !tmpl.Active {
		return domain.Form{}, fmt.Errorf("template %s: %w", tmpl.ID, domain.ErrTemplateInactive)
	}
	token, err := newToken()
	if err != nil {
		return domain.Form{}, err
	}
	subject := firstNonEmpty(req.Subject, tmpl.Subject, e.Config.Forms.DefaultSubject)
	now := e.now()
	f := domain.Form{
		Token:          token,
		TemplateID:     tmpl.ID,
		Fields:         append([]domain.FieldSpec(nil), tmpl.Fields...),
		CandidateEmail: strings.ToLower(strings.TrimSpace(req.CandidateEmail)),
		CandidateName:  strings.TrimSpace(req.CandidateName),
		IssuerEmail:    strings.ToLower(strings.TrimSpace(req.IssuerEmail)),
		Provider:       req.Provider,
		Subject:        subject,
		Status:         domain.FormCreated,
		CreatedAt:      now,
		ExpiresAt:      now.Add(e.Config.Forms.TTL.Duration),
	}
	err = e.inTx(ctx, func(tx *sql.Tx) error {
		if err := e.Repo.InsertForm(ctx, tx, f); err != nil {
			return fmt.Errorf("insert form: %w", err)
		}
		return e.Events.Append(ctx, tx, events.FormIssued, "form", f.Token, req.ActorID, events.EventPayload{
			"template_id": f.TemplateID, "candidate_email": f.CandidateEmail, "issuer_email": f.IssuerEmail,
		})
	})
	if err != nil {
		return domain.Form{}, err
	}
	// Usage is a statistic; losing an increment must not fail the issue.
	if err := e.Repo.IncrementTemplateUsage(ctx, tmpl.ID); err != nil {
		e.log().Warn("template usage increment failed", logger.TemplateID(tmpl.ID), logger.Err(err))
	}
	metrics.FormsIssued.Inc()
	e.publish(events.FormIssued, "form", f.Token, events.EventPayload{"template_id": f.TemplateID})
	return f, nil
}

// Resolve loads a form for the public surface. Completed and expired forms
// are returned together with ErrAlreadyCompleted or ErrExpired.
func (e Engine) Resolve(ctx context.Context, token string) (domain.Form, error) {
	f, err := e.Repo.GetForm(ctx, nil, token)
	if err != nil {
		return domain.Form{}, err
	}
	f.Status = f.EffectiveStatus(e.now())
	switch f.Status {
	case domain.FormCompleted:
		return f, domain.ErrAlreadyCompleted
	case domain.FormExpired:
		return f, domain.ErrExpired
	}
	return f, nil
}

// GetForm is the staff view of a form with its derived status.
func (e Engine) GetForm(ctx context.Context, token string) (domain.Form, error) {
	f, err := e.Repo.GetForm(ctx, nil, token)
	if err != nil {
		return domain.Form{}, err
	}
	f.Status = f.EffectiveStatus(e.now())
	return f, nil
}

func (e Engine) ListForms(ctx context.Context, filter repo.FormFilter) ([]domain.Form, error) {
	filter.Now = e.now()
	items, err := e.Repo.ListForms(ctx, filter)
	if err != nil {
		return nil, err
	}
	for i := range items {
		items[i].Status = items[i].EffectiveStatus(filter.Now)
	}
	return items, nil
}

// OutstandingForms returns the forms a reconciliation cycle should look for.
func (e Engine) OutstandingForms(ctx context.Context) ([]domain.Form, error) {
	return e.Repo.ListOutstandingForms(ctx, e.now())
}

// MarkSent records that the form was delivered through provider with the
// given subject. Empty provider or subject keep the stored values.
func (e Engine) MarkSent(ctx context.Context, token string, provider domain.Provider, subject, actorID string) (domain.Form, error) {
	if provider != "" && !provider.Valid() {
		return domain.Form{}, &domain.ValidationError{Fields: map[string]string{"provider": "must be gmail or microsoft"}}
	}
	return e.advanceForm(ctx, token, domain.FormSent, actorID, func(tx *sql.Tx) (bool, error) {
		return e.Repo.MarkFormSent(ctx, tx, token, provider, subject, e.now())
	})
}

// MarkOpened records that the candidate opened the form link.
func (e Engine) MarkOpened(ctx context.Context, token string) (domain.Form, error) {
	return e.advanceForm(ctx, token, domain.FormOpened, "candidate", func(tx *sql.Tx) (bool, error) {
		return e.Repo.MarkFormOpened(ctx, tx, token, e.now())
	})
}

func (e Engine) advanceForm(ctx context.Context, token string, to domain.FormStatus, actorID string, write func(tx *sql.Tx) (bool, error)) (domain.Form, error) {
	var (
		f       domain.Form
		changed bool
	)
	evtType := events.FormSent
	if to == domain.FormOpened {
		evtType = events.FormOpened
	}
	err := e.inTx(ctx, func(tx *sql.Tx) error {
		var err error
		if f, err = e.Repo.GetForm(ctx, tx, token); err != nil {
			return err
		}
		apply, err := checkFormAdvance(f.EffectiveStatus(e.now()), to)
		if err != nil || !apply {
			return err
		}
		if changed, err = write(tx); err != nil {
			return err
		}
		if !changed {
			return &domain.TransitionError{Entity: "form", From: string(f.EffectiveStatus(e.now())), To: string(to)}
		}
		if f, err = e.Repo.GetForm(ctx, tx, token); err != nil {
			return err
		}
		return e.Events.Append(ctx, tx, evtType, "form", token, actorID, events.EventPayload{"status": string(to)})
	})
	if err != nil {
		return domain.Form{}, err
	}
	f.Status = f.EffectiveStatus(e.now())
	if changed {
		e.publish(evtType, "form", token, nil)
	}
	return f, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if s := strings.TrimSpace(v); s != "" {
			return s
		}
	}
	return ""
}
