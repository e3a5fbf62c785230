package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"formline/internal/domain"
)

const responseColumns = `id,form_token,answers_json,origin,COALESCE(source,''),submitted_at,processed,case_id`

func scanResponse(row rowScanner) (domain.Response, error) {
	var (
		resp        domain.Response
		answers     string
		origin      string
		submittedAt string
		processed   int
		caseID      sql.NullString
	)
	err := row.Scan(&resp.ID, &resp.FormToken, &answers, &origin, &resp.Source, &submittedAt, &processed, &caseID)
	if err == sql.ErrNoRows {
		return resp, ErrNotFound
	}
	if err != nil {
		return resp, err
	}
	if err := json.Unmarshal([]byte(answers), &resp.Answers); err != nil {
		return resp, fmt.Errorf("decode answers: %w", err)
	}
	resp.Origin = domain.Origin(origin)
	resp.SubmittedAt = mustTime(submittedAt)
	resp.Processed = processed != 0
	if caseID.Valid {
		id := caseID.String
		resp.CaseID = &id
	}
	return resp, nil
}

func (r Repo) InsertResponse(ctx context.Context, tx *sql.Tx, resp domain.Response) error {
	answers, err := json.Marshal(resp.Answers)
	if err != nil {
		return err
	}
	_, err = r.on(tx).ExecContext(ctx, r.q(`INSERT INTO responses(id,form_token,answers_json,origin,source,submitted_at,processed) VALUES (?,?,?,?,?,?,0)`),
		resp.ID, resp.FormToken, string(answers), string(resp.Origin), nullable(resp.Source), FormatTime(resp.SubmittedAt))
	return err
}

func (r Repo) GetResponse(ctx context.Context, tx *sql.Tx, id string) (domain.Response, error) {
	return scanResponse(r.on(tx).QueryRowContext(ctx, r.q(`SELECT `+responseColumns+` FROM responses WHERE id=?`), id))
}

func (r Repo) GetResponseByToken(ctx context.Context, token string) (domain.Response, error) {
	return scanResponse(r.DB.QueryRowContext(ctx, r.q(`SELECT `+responseColumns+` FROM responses WHERE form_token=?`), token))
}

func (r Repo) ListUnprocessedResponses(ctx context.Context, limit int) ([]domain.Response, error) {
	rows, err := r.DB.QueryContext(ctx, r.q(`SELECT `+responseColumns+` FROM responses WHERE processed=0 ORDER BY submitted_at, id LIMIT ?`), normalizeLimit(limit))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Response
	for rows.Next() {
		resp, err := scanResponse(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, resp)
	}
	return res, rows.Err()
}

func (r Repo) MarkResponseProcessed(ctx context.Context, tx *sql.Tx, id, caseID string) error {
	res, err := r.on(tx).ExecContext(ctx, r.q(`UPDATE responses SET processed=1, case_id=? WHERE id=?`), nullable(caseID), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
