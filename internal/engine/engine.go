package engine

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"formline/internal/config"
	"formline/internal/db"
	"formline/internal/events"
	"formline/internal/observability/logger"
	"formline/internal/repo"
)

// Engine owns every state change of forms, responses and cases. Each
// mutation runs in one transaction that also appends to the event log;
// committed events are then published on Hub.
type Engine struct {
	DB     *sql.DB
	Repo   repo.Repo
	Events events.Writer
	Hub    *events.Hub
	Config *config.Config
	Now    func() time.Time
	Log    *zap.Logger
}

func New(conn *sql.DB, dialect db.Dialect, cfg *config.Config) Engine {
	if cfg == nil {
		cfg = config.Default()
	}
	e := Engine{
		DB:     conn,
		Repo:   repo.Repo{DB: conn, Dialect: dialect},
		Hub:    events.NewHub(),
		Config: cfg,
		Now:    time.Now,
		Log:    logger.Named("engine"),
	}
	e.Events = events.Writer{Dialect: dialect, Now: e.now}
	return e
}

// WithClock returns a copy of the engine that reads time from now.
func (e Engine) WithClock(now func() time.Time) Engine {
	e.Now = now
	e.Events.Now = now
	return e
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now().UTC()
	}
	return time.Now().UTC()
}

// Clock returns the engine's current time in UTC.
func (e Engine) Clock() time.Time { return e.now() }

func (e Engine) log() *zap.Logger {
	if e.Log != nil {
		return e.Log
	}
	return logger.Named("engine")
}

func (e Engine) publish(evtType, entityKind, entityID string, payload events.EventPayload) {
	e.Hub.Publish(events.Message{Type: evtType, EntityKind: entityKind, EntityID: entityID, Payload: payload, At: e.now()})
}

// inTx runs fn in a transaction and commits when fn returns nil.
func (e Engine) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

const tokenBytes = 32

// newToken returns a 256-bit URL-safe random token.
func newToken() (string, error) {
	buf := make([]byte, tokenBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

func isNotFound(err error) bool {
	return errors.Is(err, repo.ErrNotFound)
}
