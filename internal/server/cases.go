package server

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"formline/internal/domain"
	"formline/internal/engine"
	"formline/internal/repo"
)

type casePath struct {
	ID string `path:"id"`
}

func registerCases(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-case",
		Method:        http.MethodPost,
		Path:          "/cases",
		Summary:       "Open a case by manual intake",
		Tags:          []string{"cases"},
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		Body CreateCaseRequest `json:"body"`
	}) (*struct {
		Body CaseResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		c, err := e.CreateCase(ctx, engine.CaseInput{
			CandidateName:  input.Body.CandidateName,
			CandidateEmail: input.Body.CandidateEmail,
			Priority:       domain.Priority(input.Body.Priority),
			ActorID:        actorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body CaseResponse `json:"body"`
		}{Body: caseResponse(c, e.Clock())}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-cases",
		Method:      http.MethodGet,
		Path:        "/cases",
		Summary:     "List cases ordered by SLA deadline",
		Tags:        []string{"cases"},
		Errors:      []int{http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		Status   string `query:"status"`
		Breached bool   `query:"breached"`
		Limit    int    `query:"limit" default:"100"`
	}) (*struct {
		Body []CaseResponse `json:"body"`
	}, error) {
		items, err := e.ListCases(ctx, repo.CaseFilter{
			Status:       domain.CaseStatus(input.Status),
			BreachedOnly: input.Breached,
			Limit:        input.Limit,
		})
		if err != nil {
			return nil, handleError(err)
		}
		now := e.Clock()
		out := make([]CaseResponse, 0, len(items))
		for _, c := range items {
			out = append(out, caseResponse(c, now))
		}
		return &struct {
			Body []CaseResponse `json:"body"`
		}{Body: out}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-case",
		Method:      http.MethodGet,
		Path:        "/cases/{id}",
		Summary:     "Get a case with verification, activities and notes",
		Tags:        []string{"cases"},
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *casePath) (*struct {
		Body CaseResponse `json:"body"`
	}, error) {
		c, err := e.GetCase(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body CaseResponse `json:"body"`
		}{Body: caseResponse(c, e.Clock())}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "transition-case",
		Method:      http.MethodPost,
		Path:        "/cases/{id}/transitions",
		Summary:     "Move a case to a new status",
		Tags:        []string{"cases"},
		Errors:      []int{http.StatusNotFound, http.StatusConflict, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		ID   string            `path:"id"`
		Body TransitionRequest `json:"body"`
	}) (*struct {
		Body CaseResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		c, err := e.TransitionCase(ctx, input.ID, domain.CaseStatus(input.Body.To), actorID, input.Body.Reason)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body CaseResponse `json:"body"`
		}{Body: caseResponse(c, e.Clock())}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-verification",
		Method:      http.MethodPut,
		Path:        "/cases/{id}/verification/{check}",
		Summary:     "Record the outcome of a verification check",
		Tags:        []string{"cases"},
		Errors:      []int{http.StatusNotFound, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		ID    string              `path:"id"`
		Check string              `path:"check" enum:"linkedin,education,experience,references"`
		Body  VerificationRequest `json:"body"`
	}) (*struct {
		Body CaseResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		c, err := e.UpdateVerification(ctx, input.ID, domain.VerificationCheck(input.Check), input.Body.Verified, input.Body.Notes, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body CaseResponse `json:"body"`
		}{Body: caseResponse(c, e.Clock())}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "add-case-note",
		Method:        http.MethodPost,
		Path:          "/cases/{id}/notes",
		Summary:       "Append a note to a case",
		Tags:          []string{"cases"},
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusNotFound, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		ID   string      `path:"id"`
		Body NoteRequest `json:"body"`
	}) (*struct {
		Body domain.Note `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		n, err := e.AddNote(ctx, input.ID, actorID, input.Body.Body)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Note `json:"body"`
		}{Body: n}, nil
	})
}
