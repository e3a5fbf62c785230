package engine

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"formline/internal/domain"
	"formline/internal/events"
	"formline/internal/metrics"
	"formline/internal/observability/logger"
	"formline/internal/repo"
)

// caseTransitions is the closed status graph for cases.
var caseTransitions = map[domain.CaseStatus][]domain.CaseStatus{
	domain.CaseIntake:                 {domain.CaseVerificationPending, domain.CaseOnHold},
	domain.CaseVerificationPending:    {domain.CaseVerificationInProgress, domain.CaseOnHold},
	domain.CaseVerificationInProgress: {domain.CaseVerified, domain.CaseVerificationPending, domain.CaseOnHold},
	domain.CaseVerified:               {domain.CaseSearching, domain.CaseOnHold},
	domain.CaseSearching:              {domain.CaseShortlisted, domain.CaseOnHold},
	domain.CaseShortlisted:            {domain.CaseSubmitted, domain.CaseSearching, domain.CaseOnHold},
	domain.CaseSubmitted:              {domain.CasePlaced, domain.CaseShortlisted, domain.CaseOnHold},
	domain.CaseOnHold:                 {domain.CaseIntake, domain.CaseSearching, domain.CaseClosed},
	domain.CasePlaced:                 {domain.CaseClosed},
	domain.CaseClosed:                 {},
}

// CanTransitionCase reports whether the graph has an edge from -> to.
func CanTransitionCase(from, to domain.CaseStatus) bool {
	for _, s := range caseTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// AllowedCaseTransitions returns the statuses reachable in one step.
func AllowedCaseTransitions(from domain.CaseStatus) []domain.CaseStatus {
	return append([]domain.CaseStatus(nil), caseTransitions[from]...)
}

func validCaseStatus(s domain.CaseStatus) bool {
	_, ok := caseTransitions[s]
	return ok
}

// verifiedPath lists the steps auto-verification walks from each early status.
var verifiedPath = map[domain.CaseStatus][]domain.CaseStatus{
	domain.CaseIntake:                 {domain.CaseVerificationPending, domain.CaseVerificationInProgress, domain.CaseVerified},
	domain.CaseVerificationPending:    {domain.CaseVerificationInProgress, domain.CaseVerified},
	domain.CaseVerificationInProgress: {domain.CaseVerified},
}

type CaseInput struct {
	CandidateName  string
	CandidateEmail string
	Priority       domain.Priority
	ActorID        string
}

// CreateCase opens a case by manual intake.
func (e Engine) CreateCase(ctx context.Context, in CaseInput) (domain.Case, error) {
	if in.Priority == "" {
		in.Priority = domain.PriorityNormal
	}
	verr := &domain.ValidationError{}
	if strings.TrimSpace(in.CandidateName) == "" && strings.TrimSpace(in.CandidateEmail) == "" {
		verr.Add("candidate", "name or email is required")
	}
	if in.CandidateEmail != "" && !emailPattern.MatchString(strings.TrimSpace(in.CandidateEmail)) {
		verr.Add("candidate_email", "must be a valid email address")
	}
	if !in.Priority.Valid() {
		verr.Add("priority", "must be low, normal, high or urgent")
	}
	if err := verr.OrNil(); err != nil {
		return domain.Case{}, err
	}
	var c domain.Case
	err := e.inTx(ctx, func(tx *sql.Tx) error {
		var err error
		c, err = e.insertCaseTx(ctx, tx, in, nil)
		return err
	})
	if err != nil {
		return domain.Case{}, err
	}
	e.publish(events.CaseCreated, "case", c.ID, nil)
	return e.GetCase(ctx, c.ID)
}

func (e Engine) insertCaseTx(ctx context.Context, tx *sql.Tx, in CaseInput, formToken *string) (domain.Case, error) {
	now := e.now()
	c := domain.Case{
		ID:             uuid.NewString(),
		CandidateName:  strings.TrimSpace(in.CandidateName),
		CandidateEmail: strings.ToLower(strings.TrimSpace(in.CandidateEmail)),
		FormToken:      formToken,
		Status:         domain.CaseIntake,
		Priority:       in.Priority,
		SLADeadline:    now.Add(e.Config.Cases.SLAWindow.Duration),
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := e.Repo.InsertCase(ctx, tx, c); err != nil {
		return c, fmt.Errorf("insert case: %w", err)
	}
	for _, check := range domain.VerificationChecks {
		if err := e.Repo.UpsertVerification(ctx, tx, c.ID, check, domain.CheckState{}); err != nil {
			return c, err
		}
	}
	if _, err := e.Repo.AppendActivity(ctx, tx, domain.Activity{
		ID: uuid.NewString(), CaseID: c.ID, Kind: domain.ActivityCreated, ToStatus: c.Status, Actor: actorOr(in.ActorID), CreatedAt: now,
	}); err != nil {
		return c, err
	}
	payload := events.EventPayload{"status": string(c.Status), "sla_deadline": c.SLADeadline.Format(time.RFC3339)}
	if formToken != nil {
		payload["form_token"] = *formToken
	}
	return c, e.Events.Append(ctx, tx, events.CaseCreated, "case", c.ID, in.ActorID, payload)
}

// CreateFromResponse turns a completed response into a case. Calling it again
// for the same response returns the case created the first time.
func (e Engine) CreateFromResponse(ctx context.Context, responseID string) (domain.Case, error) {
	resp, err := e.Repo.GetResponse(ctx, nil, responseID)
	if err != nil {
		return domain.Case{}, err
	}
	if resp.CaseID != nil {
		return e.GetCase(ctx, *resp.CaseID)
	}
	form, err := e.Repo.GetForm(ctx, nil, resp.FormToken)
	if err != nil {
		return domain.Case{}, err
	}
	var (
		c       domain.Case
		created bool
	)
	err = e.inTx(ctx, func(tx *sql.Tx) error {
		existing, err := e.Repo.GetCaseByFormToken(ctx, tx, form.Token)
		switch {
		case err == nil:
			c = existing
		case isNotFound(err):
			in := CaseInput{
				CandidateName:  firstNonEmpty(answerString(resp.Answers, "full_name", "name"), form.CandidateName),
				CandidateEmail: form.CandidateEmail,
				Priority:       domain.PriorityNormal,
				ActorID:        "system",
			}
			token := form.Token
			if c, err = e.insertCaseTx(ctx, tx, in, &token); err != nil {
				return err
			}
			created = true
		default:
			return err
		}
		return e.Repo.MarkResponseProcessed(ctx, tx, resp.ID, c.ID)
	})
	if err != nil {
		// A concurrent projector may have won the unique form_token insert.
		if again, rerr := e.Repo.GetResponse(ctx, nil, responseID); rerr == nil && again.CaseID != nil {
			return e.GetCase(ctx, *again.CaseID)
		}
		return domain.Case{}, err
	}
	if created {
		e.log().Info("case created from response", logger.CaseID(c.ID), logger.FormToken(form.Token))
		e.publish(events.CaseCreated, "case", c.ID, events.EventPayload{"response_id": resp.ID})
	}
	return e.GetCase(ctx, c.ID)
}

// ProcessPendingResponses creates cases for responses that have none yet.
// It covers responses whose ResponseReceived message was missed.
func (e Engine) ProcessPendingResponses(ctx context.Context) (int, error) {
	pending, err := e.Repo.ListUnprocessedResponses(ctx, 100)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, resp := range pending {
		if _, err := e.CreateFromResponse(ctx, resp.ID); err != nil {
			e.log().Error("project response", logger.String("response_id", resp.ID), logger.Err(err))
			continue
		}
		n++
	}
	return n, nil
}

// Listen projects responses into cases as ResponseReceived messages arrive,
// until ctx is done.
func (e Engine) Listen(ctx context.Context) {
	ch, cancel := e.Hub.Subscribe(64)
	defer cancel()
	for {
		select {
		case <-ctx.Done():
			return
		case m, ok := <-ch:
			if !ok {
				return
			}
			if m.Type != events.ResponseReceived {
				continue
			}
			if _, err := e.CreateFromResponse(ctx, m.EntityID); err != nil && ctx.Err() == nil {
				e.log().Error("project response", logger.String("response_id", m.EntityID), logger.Err(err))
			}
		}
	}
}

// TransitionCase moves a case along one edge of the status graph.
func (e Engine) TransitionCase(ctx context.Context, caseID string, to domain.CaseStatus, actorID, reason string) (domain.Case, error) {
	if !validCaseStatus(to) {
		return domain.Case{}, &domain.ValidationError{Fields: map[string]string{"status": fmt.Sprintf("unknown status %q", to)}}
	}
	var from domain.CaseStatus
	err := e.inTx(ctx, func(tx *sql.Tx) error {
		c, err := e.Repo.GetCase(ctx, tx, caseID)
		if err != nil {
			return err
		}
		from = c.Status
		return e.applyTransitionTx(ctx, tx, c, to, actorID, reason)
	})
	if err != nil {
		return domain.Case{}, err
	}
	e.publish(events.CaseTransitioned, "case", caseID, events.EventPayload{"from": string(from), "to": string(to)})
	return e.GetCase(ctx, caseID)
}

func (e Engine) applyTransitionTx(ctx context.Context, tx *sql.Tx, c domain.Case, to domain.CaseStatus, actorID, reason string) error {
	if !CanTransitionCase(c.Status, to) {
		return &domain.TransitionError{Entity: "case", From: string(c.Status), To: string(to)}
	}
	now := e.now()
	var closedAt *time.Time
	if to == domain.CaseClosed {
		closedAt = &now
	}
	if err := e.Repo.UpdateCaseStatus(ctx, tx, c.ID, to, now, closedAt); err != nil {
		return err
	}
	if _, err := e.Repo.AppendActivity(ctx, tx, domain.Activity{
		ID: uuid.NewString(), CaseID: c.ID, Kind: domain.ActivityStatusChange,
		FromStatus: c.Status, ToStatus: to, Actor: actorOr(actorID), Reason: reason, CreatedAt: now,
	}); err != nil {
		return err
	}
	if c.Status != domain.CasePlaced && c.Status != domain.CaseClosed && !c.SLABreached && !now.Before(c.SLADeadline) {
		if err := e.flagBreachTx(ctx, tx, c.ID, now); err != nil {
			return err
		}
	}
	metrics.CaseTransitions.WithLabelValues(string(to)).Inc()
	return e.Events.Append(ctx, tx, events.CaseTransitioned, "case", c.ID, actorID, events.EventPayload{
		"from": string(c.Status), "to": string(to), "reason": reason,
	})
}

func (e Engine) flagBreachTx(ctx context.Context, tx *sql.Tx, caseID string, now time.Time) error {
	flagged, err := e.Repo.SetCaseBreached(ctx, tx, caseID, now)
	if err != nil || !flagged {
		return err
	}
	if _, err := e.Repo.AppendActivity(ctx, tx, domain.Activity{
		ID: uuid.NewString(), CaseID: caseID, Kind: domain.ActivitySLABreach, Actor: "system", CreatedAt: now,
	}); err != nil {
		return err
	}
	metrics.SLABreaches.Inc()
	return e.Events.Append(ctx, tx, events.CaseSLABreached, "case", caseID, "system", nil)
}

// CheckSLA flags every open case whose deadline has passed. Each case is flagged once.
func (e Engine) CheckSLA(ctx context.Context) (int, error) {
	now := e.now()
	ids, err := e.Repo.ListBreachCandidates(ctx, now)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, id := range ids {
		err := e.inTx(ctx, func(tx *sql.Tx) error {
			return e.flagBreachTx(ctx, tx, id, now)
		})
		if err != nil {
			return n, err
		}
		n++
		e.publish(events.CaseSLABreached, "case", id, nil)
	}
	return n, nil
}

// UpdateVerification records one verification check. Once linkedin,
// education and experience are verified, a case that has not yet reached
// Verified is walked there along legal edges.
func (e Engine) UpdateVerification(ctx context.Context, caseID string, check domain.VerificationCheck, verified bool, notes, actorID string) (domain.Case, error) {
	if !check.Valid() {
		return domain.Case{}, &domain.ValidationError{Fields: map[string]string{"check": fmt.Sprintf("unknown check %q", check)}}
	}
	var steps []domain.CaseStatus
	err := e.inTx(ctx, func(tx *sql.Tx) error {
		c, err := e.Repo.GetCase(ctx, tx, caseID)
		if err != nil {
			return err
		}
		now := e.now()
		state := domain.CheckState{Verified: verified, Notes: notes, Actor: actorOr(actorID)}
		if verified {
			state.VerifiedAt = &now
		}
		if err := e.Repo.UpsertVerification(ctx, tx, caseID, check, state); err != nil {
			return err
		}
		reason := fmt.Sprintf("%s verified=%t", check, verified)
		if _, err := e.Repo.AppendActivity(ctx, tx, domain.Activity{
			ID: uuid.NewString(), CaseID: caseID, Kind: domain.ActivityVerification, Actor: actorOr(actorID), Reason: reason, CreatedAt: now,
		}); err != nil {
			return err
		}
		if err := e.Events.Append(ctx, tx, events.CaseVerification, "case", caseID, actorID, events.EventPayload{
			"check": string(check), "verified": verified,
		}); err != nil {
			return err
		}
		v, err := e.Repo.GetVerification(ctx, tx, caseID)
		if err != nil {
			return err
		}
		if !v.CoreVerified() {
			return nil
		}
		for _, next := range verifiedPath[c.Status] {
			if err := e.applyTransitionTx(ctx, tx, c, next, actorID, "verification complete"); err != nil {
				return err
			}
			c.Status = next
			steps = append(steps, next)
		}
		return nil
	})
	if err != nil {
		return domain.Case{}, err
	}
	e.publish(events.CaseVerification, "case", caseID, events.EventPayload{"check": string(check)})
	if len(steps) > 0 {
		e.publish(events.CaseTransitioned, "case", caseID, events.EventPayload{"to": string(steps[len(steps)-1])})
	}
	return e.GetCase(ctx, caseID)
}

func (e Engine) AddNote(ctx context.Context, caseID, author, body string) (domain.Note, error) {
	if strings.TrimSpace(body) == "" {
		return domain.Note{}, &domain.ValidationError{Fields: map[string]string{"body": "is required"}}
	}
	n := domain.Note{ID: uuid.NewString(), CaseID: caseID, Author: actorOr(author), Body: body, CreatedAt: e.now()}
	err := e.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := e.Repo.GetCase(ctx, tx, caseID); err != nil {
			return err
		}
		if err := e.Repo.InsertNote(ctx, tx, n); err != nil {
			return err
		}
		if _, err := e.Repo.AppendActivity(ctx, tx, domain.Activity{
			ID: uuid.NewString(), CaseID: caseID, Kind: domain.ActivityNote, Actor: n.Author, CreatedAt: n.CreatedAt,
		}); err != nil {
			return err
		}
		return e.Events.Append(ctx, tx, events.CaseNoteAdded, "case", caseID, author, events.EventPayload{"note_id": n.ID})
	})
	if err != nil {
		return domain.Note{}, err
	}
	e.publish(events.CaseNoteAdded, "case", caseID, nil)
	return n, nil
}

// GetCase loads a case with its verification record, activity log and notes.
func (e Engine) GetCase(ctx context.Context, id string) (domain.Case, error) {
	c, err := e.Repo.GetCase(ctx, nil, id)
	if err != nil {
		return domain.Case{}, err
	}
	if c.Verification, err = e.Repo.GetVerification(ctx, nil, id); err != nil {
		return domain.Case{}, err
	}
	if c.Activities, err = e.Repo.ListActivities(ctx, id); err != nil {
		return domain.Case{}, err
	}
	if c.Notes, err = e.Repo.ListNotes(ctx, id); err != nil {
		return domain.Case{}, err
	}
	return c, nil
}

func (e Engine) ListCases(ctx context.Context, f repo.CaseFilter) ([]domain.Case, error) {
	if f.Status != "" && !validCaseStatus(f.Status) {
		return nil, &domain.ValidationError{Fields: map[string]string{"status": fmt.Sprintf("unknown status %q", f.Status)}}
	}
	return e.Repo.ListCases(ctx, f)
}

func actorOr(actorID string) string {
	if strings.TrimSpace(actorID) == "" {
		return "system"
	}
	return actorID
}

func answerString(answers map[string]any, keys ...string) string {
	for _, k := range keys {
		if s, ok := answers[k].(string); ok && strings.TrimSpace(s) != "" {
			return s
		}
	}
	return ""
}
