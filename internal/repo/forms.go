package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"formline/internal/domain"
)

const formColumns = `token,template_id,fields_json,candidate_email,COALESCE(candidate_name,''),issuer_email,COALESCE(provider,''),subject,status,created_at,expires_at,sent_at,opened_at,completed_at`

func scanForm(row rowScanner) (domain.Form, error) {
	var (
		f                       domain.Form
		fieldsJSON              string
		provider, status        string
		created, expires        string
		sent, opened, completed sql.NullString
	)
	err := row.Scan(&f.Token, &f.TemplateID, &fieldsJSON, &f.CandidateEmail, &f.CandidateName, &f.IssuerEmail,
		&provider, &f.Subject, &status, &created, &expires, &sent, &opened, &completed)
	if err == sql.ErrNoRows {
		return f, ErrNotFound
	}
	if err != nil {
		return f, err
	}
	if err := json.Unmarshal([]byte(fieldsJSON), &f.Fields); err != nil {
		return f, fmt.Errorf("decode form fields: %w", err)
	}
	f.Provider = domain.Provider(provider)
	f.Status = domain.FormStatus(status)
	f.CreatedAt = mustTime(created)
	f.ExpiresAt = mustTime(expires)
	f.SentAt = timePtr(sent)
	f.OpenedAt = timePtr(opened)
	f.CompletedAt = timePtr(completed)
	return f, nil
}

func (r Repo) InsertForm(ctx context.Context, tx *sql.Tx, f domain.Form) error {
	fields, err := json.Marshal(f.Fields)
	if err != nil {
		return err
	}
	_, err = r.on(tx).ExecContext(ctx, r.q(`INSERT INTO forms(token,template_id,fields_json,candidate_email,candidate_name,issuer_email,provider,subject,status,created_at,expires_at) VALUES (?,?,?,?,?,?,?,?,?,?,?)`),
		f.Token, f.TemplateID, string(fields), f.CandidateEmail, nullable(f.CandidateName), f.IssuerEmail,
		nullable(string(f.Provider)), f.Subject, string(f.Status), FormatTime(f.CreatedAt), FormatTime(f.ExpiresAt))
	return err
}

func (r Repo) GetForm(ctx context.Context, tx *sql.Tx, token string) (domain.Form, error) {
	return scanForm(r.on(tx).QueryRowContext(ctx, r.q(`SELECT `+formColumns+` FROM forms WHERE token=?`), token))
}

// FormFilter narrows ListForms. Status is matched against the stored status,
// except "expired" which selects non-completed forms past their expiry.
type FormFilter struct {
	Status    domain.FormStatus
	Issuer    string
	Candidate string
	Now       time.Time
	Limit     int
}

func (r Repo) ListForms(ctx context.Context, f FormFilter) ([]domain.Form, error) {
	var (
		where []string
		args  []any
	)
	now := FormatTime(f.Now)
	switch f.Status {
	case "":
	case domain.FormExpired:
		where = append(where, "status <> 'completed'", "expires_at <= ?")
		args = append(args, now)
	case domain.FormCompleted:
		where = append(where, "status = 'completed'")
	default:
		where = append(where, "status = ?", "expires_at > ?")
		args = append(args, string(f.Status), now)
	}
	if f.Issuer != "" {
		where = append(where, "LOWER(issuer_email) = ?")
		args = append(args, strings.ToLower(f.Issuer))
	}
	if f.Candidate != "" {
		where = append(where, "LOWER(candidate_email) = ?")
		args = append(args, strings.ToLower(f.Candidate))
	}
	query := `SELECT ` + formColumns + ` FROM forms`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY created_at DESC, token LIMIT ?`
	args = append(args, normalizeLimit(f.Limit))
	return r.queryForms(ctx, query, args...)
}

// ListOutstandingForms returns sent or opened forms that have not expired at now.
func (r Repo) ListOutstandingForms(ctx context.Context, now time.Time) ([]domain.Form, error) {
	return r.queryForms(ctx, `SELECT `+formColumns+` FROM forms WHERE status IN ('sent','opened') AND expires_at > ? ORDER BY issuer_email, provider, created_at`, FormatTime(now))
}

func (r Repo) queryForms(ctx context.Context, query string, args ...any) ([]domain.Form, error) {
	rows, err := r.DB.QueryContext(ctx, r.q(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Form
	for rows.Next() {
		f, err := scanForm(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, f)
	}
	return res, rows.Err()
}

// MarkFormSent moves a created, unexpired form to sent. It reports whether a row changed.
func (r Repo) MarkFormSent(ctx context.Context, tx *sql.Tx, token string, provider domain.Provider, subject string, at time.Time) (bool, error) {
	res, err := r.on(tx).ExecContext(ctx, r.q(`UPDATE forms SET status='sent', sent_at=?, provider=COALESCE(?,provider), subject=COALESCE(?,subject) WHERE token=? AND status='created' AND expires_at > ?`),
		FormatTime(at), nullable(string(provider)), nullable(subject), token, FormatTime(at))
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// MarkFormOpened moves a created or sent, unexpired form to opened.
func (r Repo) MarkFormOpened(ctx context.Context, tx *sql.Tx, token string, at time.Time) (bool, error) {
	res, err := r.on(tx).ExecContext(ctx, r.q(`UPDATE forms SET status='opened', opened_at=? WHERE token=? AND status IN ('created','sent') AND expires_at > ?`),
		FormatTime(at), token, FormatTime(at))
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// CompleteForm is the single guarded write that closes a form. It only
// succeeds while the form is open and unexpired at the given instant.
func (r Repo) CompleteForm(ctx context.Context, tx *sql.Tx, token string, at time.Time) (bool, error) {
	res, err := r.on(tx).ExecContext(ctx, r.q(`UPDATE forms SET status='completed', completed_at=? WHERE token=? AND status IN ('created','sent','opened') AND expires_at > ?`),
		FormatTime(at), token, FormatTime(at))
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (r Repo) CountFormsByStatus(ctx context.Context, now time.Time) (map[domain.FormStatus]int, error) {
	rows, err := r.DB.QueryContext(ctx, r.q(`SELECT CASE WHEN status <> 'completed' AND expires_at <= ? THEN 'expired' ELSE status END AS s, COUNT(*) FROM forms GROUP BY s`), FormatTime(now))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	counts := map[domain.FormStatus]int{}
	for rows.Next() {
		var s string
		var n int
		if err := rows.Scan(&s, &n); err != nil {
			return nil, err
		}
		counts[domain.FormStatus(s)] = n
	}
	return counts, rows.Err()
}
