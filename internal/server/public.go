package server

import (
	"context"
	"net/http"
	"strings"

	"github.com/danielgtaylor/huma/v2"

	"formline/internal/domain"
	"formline/internal/engine"
	"formline/internal/observability/logger"
)

type tokenPath struct {
	Token string `path:"token"`
}

// registerPublic mounts the candidate-facing routes. They are reachable
// with nothing but the form token.
func registerPublic(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "public-get-form",
		Method:      http.MethodGet,
		Path:        "/public/forms/{token}",
		Summary:     "Load a form by token and mark it opened",
		Tags:        []string{"public"},
		Errors:      []int{http.StatusNotFound, http.StatusConflict, http.StatusGone},
	}, func(ctx context.Context, input *tokenPath) (*struct {
		Body PublicForm `json:"body"`
	}, error) {
		if _, err := e.Resolve(ctx, input.Token); err != nil {
			return nil, handleError(err)
		}
		f, err := e.MarkOpened(ctx, input.Token)
		if err != nil {
			// The form may have been completed or expired since it was resolved.
			if _, rerr := e.Resolve(ctx, input.Token); rerr != nil {
				return nil, handleError(rerr)
			}
			return nil, handleError(err)
		}
		return &struct {
			Body PublicForm `json:"body"`
		}{Body: publicForm(f)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "public-submit-form",
		Method:        http.MethodPost,
		Path:          "/public/forms/{token}/responses",
		Summary:       "Submit answers for a form",
		Tags:          []string{"public"},
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusNotFound, http.StatusConflict, http.StatusGone, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		Token        string `path:"token"`
		ForwardedFor string `header:"X-Forwarded-For"`
		Body         SubmitRequest
	}) (*struct {
		Body SubmitResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		source := strings.TrimSpace(strings.Split(input.ForwardedFor, ",")[0])
		id, err := e.Submit(ctx, input.Token, input.Body.Answers, engine.Submission{Origin: domain.OriginWeb, Source: source})
		if err != nil {
			logger.From(ctx).Debug("web submission rejected", logger.FormToken(input.Token), logger.Err(err))
			return nil, handleError(err)
		}
		return &struct {
			Body SubmitResponse `json:"body"`
		}{Body: SubmitResponse{ResponseID: id, FormToken: input.Token}}, nil
	})
}
