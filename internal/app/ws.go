package app

import (
	"context"
	"log"
	"net/http"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"queuedeck/server/internal/locks"
	"queuedeck/server/internal/queue"
	"queuedeck/server/internal/wire"
)

const sendBuffer = 64

// handleSocket authenticates the caller, subscribes it to the slice
// authority and bridges the socket to the update feed. The token comes from
// the Authorization header or, for browser clients, a token query parameter.
func (s *HTTPServer) handleSocket(w http.ResponseWriter, r *http.Request) {
	token := bearerToken(r)
	if token == "" {
		token = r.URL.Query().Get("token")
	}
	if token == "" {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
		return
	}
	sess, err := s.service.SessionFromToken(r.Context(), token)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
		return
	}

	sliceID := mux.Vars(r)["sliceID"]
	authority, err := s.registry.Get(r.Context(), sliceID)
	if err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return
	}

	upgrader := websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			return origin == "" || s.corsOrigin == "*" || origin == s.corsOrigin
		},
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the error response.
		return
	}

	user := queue.UserID(sess.UserID)
	// A reconnecting client presents its previous connection id to reclaim
	// presence and locks within the grace window. First connections get a
	// fresh id, echoed back in the init update.
	client := queue.ClientID(r.URL.Query().Get("clientId"))
	if client == "" {
		client = queue.ClientID(uuid.NewString())
	}
	s.service.RegisterRole(user, sess.Role)

	feed, cancelSub := authority.Subscribe(client, user)
	out := make(chan wire.ServerMessage, sendBuffer)

	var forward sync.WaitGroup
	forward.Add(1)
	go func() {
		defer forward.Done()
		for update := range feed {
			u := update
			out <- wire.ServerMessage{Kind: wire.KindUpdate, Update: &u}
		}
		// The feed closes when we unsubscribe or the authority evicts a
		// slow consumer; either way the socket is done.
		conn.Close()
	}()

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		for msg := range out {
			if err := conn.WriteJSON(msg); err != nil {
				// Keep draining so the forwarder never blocks on a dead
				// socket.
				for range out {
				}
				return
			}
		}
	}()

	s.serveSocket(r.Context(), conn, authority, client, user, out)

	cancelSub()
	forward.Wait()
	close(out)
	<-writerDone
	conn.Close()
}

// sliceAuthority is the part of the authority the read loop drives.
type sliceAuthority interface {
	ProcessUpdate(ctx context.Context, client queue.ClientID, user queue.UserID, up wire.ClientUpdate) error
	SetActivity(client queue.ClientID, activity locks.Activity) error
}

func (s *HTTPServer) serveSocket(ctx context.Context, conn *websocket.Conn, authority sliceAuthority, client queue.ClientID, user queue.UserID, out chan<- wire.ServerMessage) {
	for {
		var msg wire.ClientMessage
		if err := conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Printf("socket read for client %s: %v", client, err)
			}
			return
		}

		switch msg.Kind {
		case wire.KindUpdate:
			if msg.Update == nil || (msg.Update.Code == wire.ClientOp && msg.Update.Op == nil) {
				out <- wire.ServerMessage{Kind: wire.KindError, ID: msg.ID, Code: "invalid", Detail: "update payload missing"}
				continue
			}
			if err := authority.ProcessUpdate(ctx, client, user, *msg.Update); err != nil {
				out <- wire.ServerMessage{Kind: wire.KindError, ID: msg.ID, Code: errorCode(err), Detail: err.Error()}
				continue
			}
			out <- wire.ServerMessage{Kind: wire.KindAck, ID: msg.ID}
		case wire.KindActivity:
			if msg.Activity == nil {
				out <- wire.ServerMessage{Kind: wire.KindError, ID: msg.ID, Code: "invalid", Detail: "activity payload missing"}
				continue
			}
			if err := authority.SetActivity(client, *msg.Activity); err != nil {
				out <- wire.ServerMessage{Kind: wire.KindError, ID: msg.ID, Code: errorCode(err), Detail: err.Error()}
				continue
			}
			out <- wire.ServerMessage{Kind: wire.KindAck, ID: msg.ID}
		default:
			out <- wire.ServerMessage{Kind: wire.KindError, ID: msg.ID, Code: "invalid", Detail: "unknown message kind"}
		}
	}
}
