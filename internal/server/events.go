package server

import (
	"context"
	"fmt"
	"net/http"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"formline/internal/engine"
	"formline/internal/observability/logger"
	"formline/internal/repo"
)

const (
	streamPollInterval = 5 * time.Second
	streamBatch        = 100
	streamWriteTimeout = 5 * time.Second
)

func registerEvents(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "List recent audit events",
		Tags:        []string{"events"},
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Type       string `query:"type"`
		EntityKind string `query:"entity_kind" enum:"template,form,response,case"`
		EntityID   string `query:"entity_id"`
		Limit      int    `query:"limit" default:"50"`
		Cursor     string `query:"cursor"`
	}) (*struct {
		Body paginatedEvents `json:"body"`
	}, error) {
		limit := input.Limit
		if limit <= 0 || limit > 200 {
			limit = 50
		}
		var before int64
		if input.Cursor != "" {
			parsed, err := strconv.ParseInt(input.Cursor, 10, 64)
			if err != nil {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"cursor": input.Cursor})
			}
			before = parsed
		}
		items, err := e.Repo.LatestEvents(ctx, repo.EventFilter{
			Type:       input.Type,
			EntityKind: input.EntityKind,
			EntityID:   input.EntityID,
			Before:     before,
			Limit:      limit + 1,
		})
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedEvents{Items: []EventResponse{}}
		if len(items) > limit {
			// The next page starts below the last item returned.
			resp.NextCursor = fmt.Sprintf("%d", items[limit-1].ID)
			items = items[:limit]
		}
		for _, evt := range items {
			resp.Items = append(resp.Items, eventResponse(evt))
		}
		return &struct {
			Body paginatedEvents `json:"body"`
		}{Body: resp}, nil
	})
}

// registerStream serves the audit log over a websocket. The stream starts at
// ?after=<event id>, or at the newest event when absent, and pushes every
// later event in order. Hub messages wake the stream early; the poll
// interval covers messages the hub dropped.
func registerStream(r chi.Router, basePath string, e engine.Engine, log *zap.Logger) {
	r.Get(path.Join(basePath, "events/stream"), func(w http.ResponseWriter, req *http.Request) {
		cursor, err := streamCursor(req, e)
		if err != nil {
			respondStatusError(w, handleError(err))
			return
		}
		filter := newEventFilter(strings.Split(req.URL.Query().Get("types"), ","))

		conn, err := websocket.Accept(w, req, nil)
		if err != nil {
			log.Debug("event stream upgrade failed", logger.Err(err))
			return
		}
		defer conn.CloseNow()
		ctx := conn.CloseRead(req.Context())

		wake, cancel := e.Hub.Subscribe(16)
		defer cancel()
		ticker := time.NewTicker(streamPollInterval)
		defer ticker.Stop()

		for {
			if cursor, err = pushEvents(ctx, conn, e, cursor, filter); err != nil {
				if ctx.Err() == nil {
					log.Debug("event stream closed", logger.Err(err))
				}
				return
			}
			select {
			case <-ctx.Done():
				conn.Close(websocket.StatusNormalClosure, "")
				return
			case _, ok := <-wake:
				if !ok {
					conn.Close(websocket.StatusGoingAway, "shutting down")
					return
				}
			case <-ticker.C:
			}
		}
	})
}

func streamCursor(req *http.Request, e engine.Engine) (int64, error) {
	if raw := req.URL.Query().Get("after"); raw != "" {
		cursor, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || cursor < 0 {
			return 0, newAPIError(http.StatusBadRequest, "bad_request", "invalid after cursor", map[string]any{"after": raw})
		}
		return cursor, nil
	}
	return e.Repo.LatestEventID(req.Context())
}

// pushEvents writes every event after cursor and returns the new cursor.
func pushEvents(ctx context.Context, conn *websocket.Conn, e engine.Engine, cursor int64, filter eventFilter) (int64, error) {
	for {
		items, err := e.Repo.EventsAfter(ctx, cursor, streamBatch)
		if err != nil {
			return cursor, err
		}
		for _, evt := range items {
			cursor = evt.ID
			if !filter.match(evt.Type) {
				continue
			}
			wctx, cancel := context.WithTimeout(ctx, streamWriteTimeout)
			err := wsjson.Write(wctx, conn, eventResponse(evt))
			cancel()
			if err != nil {
				return cursor, err
			}
		}
		if len(items) < streamBatch {
			return cursor, nil
		}
	}
}

type eventFilter struct {
	all bool
	set map[string]struct{}
}

func newEventFilter(types []string) eventFilter {
	set := make(map[string]struct{}, len(types))
	for _, t := range types {
		key := strings.TrimSpace(t)
		if key == "" {
			continue
		}
		set[key] = struct{}{}
	}
	if len(set) == 0 {
		return eventFilter{all: true}
	}
	return eventFilter{set: set}
}

func (f eventFilter) match(evt string) bool {
	if f.all {
		return true
	}
	_, ok := f.set[evt]
	return ok
}
