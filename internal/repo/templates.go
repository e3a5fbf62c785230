package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"formline/internal/domain"
)

const templateColumns = `id,name,COALESCE(description,''),subject,fields_json,active,usage_count,created_at,updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTemplate(row rowScanner) (domain.FormTemplate, error) {
	var (
		t          domain.FormTemplate
		fieldsJSON string
		active     int
		created    string
		updated    string
	)
	err := row.Scan(&t.ID, &t.Name, &t.Description, &t.Subject, &fieldsJSON, &active, &t.UsageCount, &created, &updated)
	if err == sql.ErrNoRows {
		return t, ErrNotFound
	}
	if err != nil {
		return t, err
	}
	if err := json.Unmarshal([]byte(fieldsJSON), &t.Fields); err != nil {
		return t, fmt.Errorf("decode template fields: %w", err)
	}
	t.Active = active != 0
	t.CreatedAt = mustTime(created)
	t.UpdatedAt = mustTime(updated)
	return t, nil
}

func (r Repo) InsertTemplate(ctx context.Context, tx *sql.Tx, t domain.FormTemplate) error {
	fields, err := json.Marshal(t.Fields)
	if err != nil {
		return err
	}
	_, err = r.on(tx).ExecContext(ctx, r.q(`INSERT INTO form_templates(id,name,description,subject,fields_json,active,usage_count,created_at,updated_at) VALUES (?,?,?,?,?,?,?,?,?)`),
		t.ID, t.Name, nullable(t.Description), t.Subject, string(fields), boolInt(t.Active), t.UsageCount, FormatTime(t.CreatedAt), FormatTime(t.UpdatedAt))
	return err
}

func (r Repo) GetTemplate(ctx context.Context, tx *sql.Tx, id string) (domain.FormTemplate, error) {
	return scanTemplate(r.on(tx).QueryRowContext(ctx, r.q(`SELECT `+templateColumns+` FROM form_templates WHERE id=?`), id))
}

func (r Repo) ListTemplates(ctx context.Context, activeOnly bool) ([]domain.FormTemplate, error) {
	query := `SELECT ` + templateColumns + ` FROM form_templates`
	if activeOnly {
		query += ` WHERE active=1`
	}
	query += ` ORDER BY created_at DESC, id`
	rows, err := r.DB.QueryContext(ctx, r.q(query))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.FormTemplate
	for rows.Next() {
		t, err := scanTemplate(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

func (r Repo) SetTemplateActive(ctx context.Context, tx *sql.Tx, id string, active bool, at time.Time) error {
	res, err := r.on(tx).ExecContext(ctx, r.q(`UPDATE form_templates SET active=?, updated_at=? WHERE id=?`), boolInt(active), FormatTime(at), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) IncrementTemplateUsage(ctx context.Context, id string) error {
	_, err := r.DB.ExecContext(ctx, r.q(`UPDATE form_templates SET usage_count=usage_count+1 WHERE id=?`), id)
	return err
}
