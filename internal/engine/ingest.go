package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"formline/internal/domain"
	"formline/internal/events"
	"formline/internal/metrics"
	"formline/internal/observability/logger"
)

// Submission describes where a set of answers came from.
type Submission struct {
	Origin domain.Origin
	// Source is the sender address for email replies or the client address for web posts.
	Source string
}

// Submit is the single entry point for answers, whether posted on the web or
// extracted from a mailbox reply. It returns the new response id.
func (e Engine) Submit(ctx context.Context, token string, answers map[string]any, sub Submission) (string, error) {
	if sub.Origin != domain.OriginWeb && sub.Origin != domain.OriginEmail {
		return "", fmt.Errorf("unknown origin %q", sub.Origin)
	}
	form, err := e.Resolve(ctx, token)
	if err != nil {
		e.countRejected(err)
		return "", err
	}
	normalized, err := ValidateAnswers(form.Fields, answers)
	if err != nil {
		e.countRejected(err)
		return "", err
	}

	now := e.now()
	resp := domain.Response{
		ID:          uuid.NewString(),
		FormToken:   token,
		Answers:     normalized,
		Origin:      sub.Origin,
		Source:      sub.Source,
		SubmittedAt: now,
	}
	err = e.inTx(ctx, func(tx *sql.Tx) error {
		ok, err := e.Repo.CompleteForm(ctx, tx, token, now)
		if err != nil {
			return fmt.Errorf("complete form: %w", err)
		}
		if !ok {
			return errLostRace
		}
		if err := e.Repo.InsertResponse(ctx, tx, resp); err != nil {
			return fmt.Errorf("insert response: %w", err)
		}
		return e.Events.Append(ctx, tx, events.ResponseReceived, "response", resp.ID, "candidate", events.EventPayload{
			"form_token": token, "origin": string(sub.Origin),
		})
	})
	if errors.Is(err, errLostRace) {
		// Another writer closed the form, or it expired, between resolve and write.
		_, err = e.Resolve(ctx, token)
		if err == nil {
			err = &domain.TransitionError{Entity: "form", From: "unknown", To: string(domain.FormCompleted)}
		}
		e.countRejected(err)
		return "", err
	}
	if err != nil {
		return "", err
	}
	metrics.ResponsesReceived.WithLabelValues(string(sub.Origin)).Inc()
	e.log().Info("response received", logger.FormToken(token), logger.String("origin", string(sub.Origin)), logger.String("response_id", resp.ID))
	e.publish(events.ResponseReceived, "response", resp.ID, events.EventPayload{"form_token": token, "origin": string(sub.Origin)})
	return resp.ID, nil
}

var errLostRace = errors.New("form changed concurrently")

func (e Engine) countRejected(err error) {
	reason := "other"
	switch {
	case errors.Is(err, domain.ErrNotFound):
		reason = "not_found"
	case errors.Is(err, domain.ErrExpired):
		reason = "expired"
	case errors.Is(err, domain.ErrAlreadyCompleted):
		reason = "already_completed"
	case errors.Is(err, domain.ErrValidationFailed):
		reason = "validation_failed"
	}
	metrics.SubmissionsRejected.WithLabelValues(reason).Inc()
}

func (e Engine) GetResponse(ctx context.Context, id string) (domain.Response, error) {
	return e.Repo.GetResponse(ctx, nil, id)
}

func (e Engine) GetResponseByToken(ctx context.Context, token string) (domain.Response, error) {
	return e.Repo.GetResponseByToken(ctx, token)
}

func (e Engine) ListUnprocessedResponses(ctx context.Context, limit int) ([]domain.Response, error) {
	return e.Repo.ListUnprocessedResponses(ctx, limit)
}
