package server

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"formline/internal/domain"
)

type credentialPath struct {
	Provider string `path:"provider" enum:"gmail,microsoft"`
	Identity string `path:"identity"`
}

func registerCredentials(api huma.API, v CredentialStore) {
	huma.Register(api, huma.Operation{
		OperationID:   "store-credential",
		Method:        http.MethodPut,
		Path:          "/credentials/{provider}/{identity}",
		Summary:       "Store the OAuth credential of a mailbox",
		Tags:          []string{"credentials"},
		DefaultStatus: http.StatusNoContent,
		Errors:        []int{http.StatusBadRequest, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		Provider string                 `path:"provider" enum:"gmail,microsoft"`
		Identity string                 `path:"identity"`
		Body     StoreCredentialRequest `json:"body"`
	}) (*struct{}, error) {
		err := v.Store(ctx, domain.OAuthCredential{
			Identity:     input.Identity,
			Provider:     domain.Provider(input.Provider),
			AccessToken:  input.Body.AccessToken,
			RefreshToken: input.Body.RefreshToken,
			Expiry:       input.Body.Expiry,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-credentials",
		Method:      http.MethodGet,
		Path:        "/credentials",
		Summary:     "List connected mailboxes",
		Tags:        []string{"credentials"},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []CredentialResponse `json:"body"`
	}, error) {
		items, err := v.List(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		out := make([]CredentialResponse, 0, len(items))
		for _, c := range items {
			out = append(out, credentialResponse(c))
		}
		return &struct {
			Body []CredentialResponse `json:"body"`
		}{Body: out}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "revoke-credential",
		Method:        http.MethodDelete,
		Path:          "/credentials/{provider}/{identity}",
		Summary:       "Forget the OAuth credential of a mailbox",
		Tags:          []string{"credentials"},
		DefaultStatus: http.StatusNoContent,
		Errors:        []int{http.StatusNotFound},
	}, func(ctx context.Context, input *credentialPath) (*struct{}, error) {
		if err := v.Revoke(ctx, input.Identity, domain.Provider(input.Provider)); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})
}

func registerReconcile(api huma.API, r Reconciler) {
	huma.Register(api, huma.Operation{
		OperationID: "run-reconcile",
		Method:      http.MethodPost,
		Path:        "/reconcile",
		Summary:     "Run a reconciliation cycle now",
		Tags:        []string{"reconcile"},
		Errors:      []int{http.StatusConflict},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body ReconcileResponse `json:"body"`
	}, error) {
		rep, err := r.RunOnce(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ReconcileResponse `json:"body"`
		}{Body: ReconcileResponse{
			Forms:      rep.Forms,
			Mailboxes:  rep.Mailboxes,
			Matched:    rep.Matched,
			Submitted:  rep.Submitted,
			Settled:    rep.Settled,
			Failures:   rep.Failures,
			Skipped:    rep.Skipped,
			DurationMS: rep.Duration.Milliseconds(),
		}}, nil
	})
}
