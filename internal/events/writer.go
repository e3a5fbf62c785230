package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"formline/internal/db"
)

// Event types written to the audit log and published on the hub.
const (
	TemplateCreated   = "template.created"
	TemplateUpdated   = "template.updated"
	FormIssued        = "form.issued"
	FormSent          = "form.sent"
	FormOpened        = "form.opened"
	ResponseReceived  = "response.received"
	CaseCreated       = "case.created"
	CaseTransitioned  = "case.transitioned"
	CaseVerification  = "case.verification"
	CaseNoteAdded     = "case.note_added"
	CaseSLABreached   = "case.sla_breached"
	CredentialStored  = "credential.stored"
	CredentialRevoked = "credential.revoked"
)

type Writer struct {
	Dialect db.Dialect
	Now     func() time.Time
}

type EventPayload map[string]any

// Append records an event inside the caller's transaction.
func (w Writer) Append(ctx context.Context, tx *sql.Tx, evtType, entityKind, entityID, actorID string, payload EventPayload) error {
	now := time.Now
	if w.Now != nil {
		now = w.Now
	}
	ts := now().UTC().Format(time.RFC3339Nano)
	if payload == nil {
		payload = EventPayload{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	if actorID == "" {
		actorID = "system"
	}
	_, err = tx.ExecContext(ctx, db.Rebind(w.Dialect, `INSERT INTO events(ts,type,entity_kind,entity_id,actor_id,payload_json) VALUES (?,?,?,?,?,?)`),
		ts, evtType, entityKind, nullable(entityID), actorID, string(data))
	return err
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
