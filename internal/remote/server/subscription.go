package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/kilupskalvis/tripsync/internal/remote"
	"github.com/kilupskalvis/tripsync/internal/remote/podstore"
)

const defaultSubscriptionInterval = 10

// subscriptions serves /graphql/ws. The only subscription is UpdateOperation:
// the operation is polled every interval and pushed when its update date moves.
type subscriptions struct {
	pod      podstore.PodStore
	cfg      *ServerConfig
	logger   *slog.Logger
	upgrader websocket.Upgrader

	mu    sync.Mutex
	conns map[*websocket.Conn]struct{}
}

func (s *subscriptions) track(conn *websocket.Conn) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conns == nil {
		s.conns = make(map[*websocket.Conn]struct{})
	}
	s.conns[conn] = struct{}{}
	return func() {
		s.mu.Lock()
		delete(s.conns, conn)
		s.mu.Unlock()
	}
}

func (s *subscriptions) closeAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for conn := range s.conns {
		conn.Close()
	}
}

func (s *subscriptions) serveHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error.
		s.logger.Warn("websocket upgrade", "error", err)
		return
	}
	untrack := s.track(conn)
	defer untrack()
	defer conn.Close()

	var msg remote.WSMessage
	if err := conn.ReadJSON(&msg); err != nil {
		return
	}
	if msg.Type != remote.MessageSubscribe {
		s.sendError(conn, msg.ID, "bad_request", "expected a subscribe message")
		return
	}
	var req remote.GraphQLRequest
	if err := json.Unmarshal(msg.Payload, &req); err != nil {
		s.sendError(conn, msg.ID, "bad_request", "invalid subscription payload")
		return
	}
	if req.OperationName != remote.UpdateOperation.Name {
		s.sendError(conn, msg.ID, "unknown_operation", "unknown subscription "+req.OperationName)
		return
	}
	var vars remote.SubscribeOperationVars
	if len(req.Variables) > 0 {
		if err := json.Unmarshal(req.Variables, &vars); err != nil {
			s.sendError(conn, msg.ID, "bad_request", "invalid variables")
			return
		}
	}
	if vars.Interval <= 0 {
		vars.Interval = defaultSubscriptionInterval
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	// The client only sends close frames from here on.
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	s.pollOperation(ctx, conn, msg.ID, vars)
}

func (s *subscriptions) pollOperation(ctx context.Context, conn *websocket.Conn, subID string, vars remote.SubscribeOperationVars) {
	op, err := s.pod.GetOperation(ctx, vars.ID)
	if err != nil {
		s.sendResolveError(conn, subID, err)
		return
	}
	last := op.UpdateDate

	ticker := time.NewTicker(time.Duration(vars.Interval) * s.cfg.IntervalUnit)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		op, err := s.pod.GetOperation(ctx, vars.ID)
		if errors.Is(err, podstore.ErrNotFound) {
			s.sendResolveError(conn, subID, err)
			conn.WriteJSON(remote.WSMessage{Type: remote.MessageComplete, ID: subID})
			return
		}
		if err != nil {
			s.logger.Warn("subscription poll", "operation_id", vars.ID, "error", err)
			continue
		}
		if sameInstant(last, op.UpdateDate) {
			continue
		}
		last = op.UpdateDate

		data, err := json.Marshal(dataResult{Data: op})
		if err != nil {
			continue
		}
		payload, _ := json.Marshal(remote.GraphQLResponse{Data: data})
		if err := conn.WriteJSON(remote.WSMessage{Type: remote.MessageNext, ID: subID, Payload: payload}); err != nil {
			return
		}
	}
}

func sameInstant(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a.Equal(*b)
}

func (s *subscriptions) sendResolveError(conn *websocket.Conn, subID string, err error) {
	gqlErr := toGraphQLError(err)
	s.sendError(conn, subID, gqlErr.Extensions["code"], gqlErr.Message)
}

func (s *subscriptions) sendError(conn *websocket.Conn, subID, code, message string) {
	payload, _ := json.Marshal([]remote.GraphQLError{{Message: message, Extensions: map[string]string{"code": code}}})
	conn.WriteJSON(remote.WSMessage{Type: remote.MessageError, ID: subID, Payload: payload})
}
