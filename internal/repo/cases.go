package repo

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"formline/internal/domain"
)

const caseColumns = `id,COALESCE(candidate_name,''),COALESCE(candidate_email,''),form_token,status,priority,sla_deadline,sla_breached,created_at,updated_at,closed_at`

func scanCase(row rowScanner) (domain.Case, error) {
	var (
		c                          domain.Case
		formToken, closedAt        sql.NullString
		status, priority           string
		deadline, created, updated string
		breached                   int
	)
	err := row.Scan(&c.ID, &c.CandidateName, &c.CandidateEmail, &formToken, &status, &priority, &deadline, &breached, &created, &updated, &closedAt)
	if err == sql.ErrNoRows {
		return c, ErrNotFound
	}
	if err != nil {
		return c, err
	}
	if formToken.Valid {
		tok := formToken.String
		c.FormToken = &tok
	}
	c.Status = domain.CaseStatus(status)
	c.Priority = domain.Priority(priority)
	c.SLADeadline = mustTime(deadline)
	c.SLABreached = breached != 0
	c.CreatedAt = mustTime(created)
	c.UpdatedAt = mustTime(updated)
	c.ClosedAt = timePtr(closedAt)
	return c, nil
}

func (r Repo) InsertCase(ctx context.Context, tx *sql.Tx, c domain.Case) error {
	var formToken any
	if c.FormToken != nil {
		formToken = *c.FormToken
	}
	_, err := r.on(tx).ExecContext(ctx, r.q(`INSERT INTO cases(id,candidate_name,candidate_email,form_token,status,priority,sla_deadline,sla_breached,created_at,updated_at) VALUES (?,?,?,?,?,?,?,?,?,?)`),
		c.ID, nullable(c.CandidateName), nullable(c.CandidateEmail), formToken, string(c.Status), string(c.Priority),
		FormatTime(c.SLADeadline), boolInt(c.SLABreached), FormatTime(c.CreatedAt), FormatTime(c.UpdatedAt))
	return err
}

func (r Repo) GetCase(ctx context.Context, tx *sql.Tx, id string) (domain.Case, error) {
	return scanCase(r.on(tx).QueryRowContext(ctx, r.q(`SELECT `+caseColumns+` FROM cases WHERE id=?`), id))
}

func (r Repo) GetCaseByFormToken(ctx context.Context, tx *sql.Tx, token string) (domain.Case, error) {
	return scanCase(r.on(tx).QueryRowContext(ctx, r.q(`SELECT `+caseColumns+` FROM cases WHERE form_token=?`), token))
}

type CaseFilter struct {
	Status       domain.CaseStatus
	BreachedOnly bool
	Limit        int
}

func (r Repo) ListCases(ctx context.Context, f CaseFilter) ([]domain.Case, error) {
	var (
		where []string
		args  []any
	)
	if f.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(f.Status))
	}
	if f.BreachedOnly {
		where = append(where, "sla_breached = 1")
	}
	query := `SELECT ` + caseColumns + ` FROM cases`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY sla_deadline, id LIMIT ?`
	args = append(args, normalizeLimit(f.Limit))
	rows, err := r.DB.QueryContext(ctx, r.q(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Case
	for rows.Next() {
		c, err := scanCase(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, c)
	}
	return res, rows.Err()
}

func (r Repo) UpdateCaseStatus(ctx context.Context, tx *sql.Tx, id string, status domain.CaseStatus, at time.Time, closedAt *time.Time) error {
	res, err := r.on(tx).ExecContext(ctx, r.q(`UPDATE cases SET status=?, updated_at=?, closed_at=? WHERE id=?`),
		string(status), FormatTime(at), nullTime(closedAt), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// SetCaseBreached raises the one-time breach flag. It reports false when the flag was already set.
func (r Repo) SetCaseBreached(ctx context.Context, tx *sql.Tx, id string, at time.Time) (bool, error) {
	res, err := r.on(tx).ExecContext(ctx, r.q(`UPDATE cases SET sla_breached=1, updated_at=? WHERE id=? AND sla_breached=0`), FormatTime(at), id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// ListBreachCandidates returns ids of open, unflagged cases whose deadline has passed.
func (r Repo) ListBreachCandidates(ctx context.Context, now time.Time) ([]string, error) {
	rows, err := r.DB.QueryContext(ctx, r.q(`SELECT id FROM cases WHERE sla_breached=0 AND status NOT IN ('Placed','Closed') AND sla_deadline <= ? ORDER BY sla_deadline`), FormatTime(now))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (r Repo) UpsertVerification(ctx context.Context, tx *sql.Tx, caseID string, check domain.VerificationCheck, s domain.CheckState) error {
	_, err := r.on(tx).ExecContext(ctx, r.q(`INSERT INTO case_verifications(case_id,check_name,verified,verified_at,notes,actor) VALUES (?,?,?,?,?,?)
ON CONFLICT(case_id,check_name) DO UPDATE SET verified=excluded.verified, verified_at=excluded.verified_at, notes=excluded.notes, actor=excluded.actor`),
		caseID, string(check), boolInt(s.Verified), nullTime(s.VerifiedAt), nullable(s.Notes), nullable(s.Actor))
	return err
}

func (r Repo) GetVerification(ctx context.Context, tx *sql.Tx, caseID string) (domain.Verification, error) {
	rows, err := r.on(tx).QueryContext(ctx, r.q(`SELECT check_name,verified,verified_at,COALESCE(notes,''),COALESCE(actor,'') FROM case_verifications WHERE case_id=?`), caseID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	v := domain.Verification{}
	for _, c := range domain.VerificationChecks {
		v[c] = domain.CheckState{}
	}
	for rows.Next() {
		var (
			name     string
			verified int
			at       sql.NullString
			s        domain.CheckState
		)
		if err := rows.Scan(&name, &verified, &at, &s.Notes, &s.Actor); err != nil {
			return nil, err
		}
		s.Verified = verified != 0
		s.VerifiedAt = timePtr(at)
		v[domain.VerificationCheck(name)] = s
	}
	return v, rows.Err()
}

// AppendActivity assigns the next per-case sequence number and inserts the entry.
func (r Repo) AppendActivity(ctx context.Context, tx *sql.Tx, a domain.Activity) (domain.Activity, error) {
	q := r.on(tx)
	var seq int
	if err := q.QueryRowContext(ctx, r.q(`SELECT COALESCE(MAX(seq),0)+1 FROM case_activities WHERE case_id=?`), a.CaseID).Scan(&seq); err != nil {
		return a, err
	}
	a.Seq = seq
	_, err := q.ExecContext(ctx, r.q(`INSERT INTO case_activities(id,case_id,seq,kind,from_status,to_status,actor,reason,created_at) VALUES (?,?,?,?,?,?,?,?,?)`),
		a.ID, a.CaseID, a.Seq, string(a.Kind), nullable(string(a.FromStatus)), nullable(string(a.ToStatus)), a.Actor, nullable(a.Reason), FormatTime(a.CreatedAt))
	return a, err
}

func (r Repo) ListActivities(ctx context.Context, caseID string) ([]domain.Activity, error) {
	rows, err := r.DB.QueryContext(ctx, r.q(`SELECT id,case_id,seq,kind,COALESCE(from_status,''),COALESCE(to_status,''),actor,COALESCE(reason,''),created_at FROM case_activities WHERE case_id=? ORDER BY seq`), caseID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Activity
	for rows.Next() {
		var (
			a              domain.Activity
			kind, from, to string
			created        string
		)
		if err := rows.Scan(&a.ID, &a.CaseID, &a.Seq, &kind, &from, &to, &a.Actor, &a.Reason, &created); err != nil {
			return nil, err
		}
		a.Kind = domain.ActivityKind(kind)
		a.FromStatus = domain.CaseStatus(from)
		a.ToStatus = domain.CaseStatus(to)
		a.CreatedAt = mustTime(created)
		res = append(res, a)
	}
	return res, rows.Err()
}

func (r Repo) InsertNote(ctx context.Context, tx *sql.Tx, n domain.Note) error {
	_, err := r.on(tx).ExecContext(ctx, r.q(`INSERT INTO case_notes(id,case_id,author,body,created_at) VALUES (?,?,?,?,?)`),
		n.ID, n.CaseID, n.Author, n.Body, FormatTime(n.CreatedAt))
	return err
}

func (r Repo) ListNotes(ctx context.Context, caseID string) ([]domain.Note, error) {
	rows, err := r.DB.QueryContext(ctx, r.q(`SELECT id,case_id,author,body,created_at FROM case_notes WHERE case_id=? ORDER BY created_at, id`), caseID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Note
	for rows.Next() {
		var n domain.Note
		var created string
		if err := rows.Scan(&n.ID, &n.CaseID, &n.Author, &n.Body, &created); err != nil {
			return nil, err
		}
		n.CreatedAt = mustTime(created)
		res = append(res, n)
	}
	return res, rows.Err()
}
