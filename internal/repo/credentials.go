package repo

import (
	"context"
	"database/sql"

	"formline/internal/domain"
)

// Token columns hold whatever the caller passes; the vault seals them before they get here.

func (r Repo) UpsertCredential(ctx context.Context, c domain.OAuthCredential) error {
	_, err := r.DB.ExecContext(ctx, r.q(`INSERT INTO oauth_credentials(identity,provider,access_token,refresh_token,expiry,updated_at) VALUES (?,?,?,?,?,?)
ON CONFLICT(identity,provider) DO UPDATE SET access_token=excluded.access_token, refresh_token=excluded.refresh_token, expiry=excluded.expiry, updated_at=excluded.updated_at`),
		c.Identity, string(c.Provider), c.AccessToken, c.RefreshToken, FormatTime(c.Expiry), FormatTime(c.UpdatedAt))
	return err
}

func (r Repo) GetCredential(ctx context.Context, identity string, provider domain.Provider) (domain.OAuthCredential, error) {
	var (
		c                 domain.OAuthCredential
		prov              string
		expiry, updatedAt string
	)
	err := r.DB.QueryRowContext(ctx, r.q(`SELECT identity,provider,access_token,refresh_token,expiry,updated_at FROM oauth_credentials WHERE identity=? AND provider=?`), identity, string(provider)).
		Scan(&c.Identity, &prov, &c.AccessToken, &c.RefreshToken, &expiry, &updatedAt)
	if err == sql.ErrNoRows {
		return c, ErrNotFound
	}
	if err != nil {
		return c, err
	}
	c.Provider = domain.Provider(prov)
	c.Expiry = mustTime(expiry)
	c.UpdatedAt = mustTime(updatedAt)
	return c, nil
}

func (r Repo) DeleteCredential(ctx context.Context, identity string, provider domain.Provider) error {
	res, err := r.DB.ExecContext(ctx, r.q(`DELETE FROM oauth_credentials WHERE identity=? AND provider=?`), identity, string(provider))
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ListCredentials returns credential metadata only; token columns are not read.
func (r Repo) ListCredentials(ctx context.Context) ([]domain.OAuthCredential, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT identity,provider,expiry,updated_at FROM oauth_credentials ORDER BY identity, provider`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.OAuthCredential
	for rows.Next() {
		var c domain.OAuthCredential
		var prov, expiry, updatedAt string
		if err := rows.Scan(&c.Identity, &prov, &expiry, &updatedAt); err != nil {
			return nil, err
		}
		c.Provider = domain.Provider(prov)
		c.Expiry = mustTime(expiry)
		c.UpdatedAt = mustTime(updatedAt)
		res = append(res, c)
	}
	return res, rows.Err()
}
