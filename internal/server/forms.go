package server

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"formline/internal/domain"
	"formline/internal/engine"
	"formline/internal/repo"
)

func registerTemplates(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-template",
		Method:        http.MethodPost,
		Path:          "/templates",
		Summary:       "Create a form template",
		Tags:          []string{"templates"},
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		Body CreateTemplateRequest `json:"body"`
	}) (*struct {
		Body domain.FormTemplate `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		t, err := e.CreateTemplate(ctx, engine.TemplateInput{
			Name:        input.Body.Name,
			Description: input.Body.Description,
			Subject:     input.Body.Subject,
			Fields:      input.Body.Fields,
		}, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.FormTemplate `json:"body"`
		}{Body: t}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-templates",
		Method:      http.MethodGet,
		Path:        "/templates",
		Summary:     "List form templates",
		Tags:        []string{"templates"},
	}, func(ctx context.Context, input *struct {
		ActiveOnly bool `query:"active_only"`
	}) (*struct {
		Body []domain.FormTemplate `json:"body"`
	}, error) {
		items, err := e.ListTemplates(ctx, input.ActiveOnly)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.FormTemplate `json:"body"`
		}{Body: nonNilSlice(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-template",
		Method:      http.MethodGet,
		Path:        "/templates/{id}",
		Summary:     "Get a form template",
		Tags:        []string{"templates"},
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body domain.FormTemplate `json:"body"`
	}, error) {
		t, err := e.GetTemplate(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.FormTemplate `json:"body"`
		}{Body: t}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-template",
		Method:      http.MethodPatch,
		Path:        "/templates/{id}",
		Summary:     "Activate or retire a form template",
		Tags:        []string{"templates"},
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID   string                `path:"id"`
		Body UpdateTemplateRequest `json:"body"`
	}) (*struct {
		Body domain.FormTemplate `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		t, err := e.SetTemplateActive(ctx, input.ID, input.Body.Active, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.FormTemplate `json:"body"`
		}{Body: t}, nil
	})
}

func registerForms(api huma.API, e engine.Engine, sender FormSender) {
	huma.Register(api, huma.Operation{
		OperationID:   "issue-form",
		Method:        http.MethodPost,
		Path:          "/forms",
		Summary:       "Issue a form from a template",
		Tags:          []string{"forms"},
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusNotFound, http.StatusConflict, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		Body IssueFormRequest `json:"body"`
	}) (*struct {
		Body domain.Form `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		f, err := e.Issue(ctx, engine.IssueRequest{
			TemplateID:     input.Body.TemplateID,
			CandidateEmail: input.Body.CandidateEmail,
			CandidateName:  input.Body.CandidateName,
			IssuerEmail:    input.Body.IssuerEmail,
			Provider:       domain.Provider(input.Body.Provider),
			Subject:        input.Body.Subject,
			ActorID:        actorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Form `json:"body"`
		}{Body: f}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-forms",
		Method:      http.MethodGet,
		Path:        "/forms",
		Summary:     "List issued forms",
		Tags:        []string{"forms"},
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Status    string `query:"status" enum:"created,sent,opened,completed,expired"`
		Issuer    string `query:"issuer"`
		Candidate string `query:"candidate"`
		Limit     int    `query:"limit" default:"100"`
	}) (*struct {
		Body []domain.Form `json:"body"`
	}, error) {
		items, err := e.ListForms(ctx, repo.FormFilter{
			Status:    domain.FormStatus(input.Status),
			Issuer:    input.Issuer,
			Candidate: input.Candidate,
			Limit:     input.Limit,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Form `json:"body"`
		}{Body: nonNilSlice(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "form-stats",
		Method:      http.MethodGet,
		Path:        "/stats/forms",
		Summary:     "Count forms by status",
		Tags:        []string{"forms"},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body map[string]int `json:"body"`
	}, error) {
		counts, err := e.FormCounts(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		out := map[string]int{}
		for _, s := range []domain.FormStatus{domain.FormCreated, domain.FormSent, domain.FormOpened, domain.FormCompleted, domain.FormExpired} {
			out[string(s)] = counts[s]
		}
		return &struct {
			Body map[string]int `json:"body"`
		}{Body: out}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-form",
		Method:      http.MethodGet,
		Path:        "/forms/{token}",
		Summary:     "Get a form with its derived status",
		Tags:        []string{"forms"},
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *tokenPath) (*struct {
		Body domain.Form `json:"body"`
	}, error) {
		f, err := e.GetForm(ctx, input.Token)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Form `json:"body"`
		}{Body: f}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-form-response",
		Method:      http.MethodGet,
		Path:        "/forms/{token}/response",
		Summary:     "Get the response recorded for a completed form",
		Tags:        []string{"forms"},
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *tokenPath) (*struct {
		Body domain.Response `json:"body"`
	}, error) {
		resp, err := e.GetResponseByToken(ctx, input.Token)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Response `json:"body"`
		}{Body: resp}, nil
	})

	if sender == nil {
		return
	}
	huma.Register(api, huma.Operation{
		OperationID: "send-form",
		Method:      http.MethodPost,
		Path:        "/forms/{token}/send",
		Summary:     "Email the form link to the candidate",
		Tags:        []string{"forms"},
		Errors:      []int{http.StatusNotFound, http.StatusConflict, http.StatusGone, http.StatusUnprocessableEntity, http.StatusServiceUnavailable},
	}, func(ctx context.Context, input *struct {
		Token string           `path:"token"`
		Body  *SendFormRequest `json:"body"`
	}) (*struct {
		Body domain.Form `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		var provider domain.Provider
		if input.Body != nil {
			provider = domain.Provider(input.Body.Provider)
		}
		f, err := sender.Send(ctx, input.Token, provider, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Form `json:"body"`
		}{Body: f}, nil
	})
}
