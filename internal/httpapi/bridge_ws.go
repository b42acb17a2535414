package httpapi

import (
	"encoding/base64"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/gorilla/websocket"

	"github.com/lukasbauer/scribe/internal/audio"
	"github.com/lukasbauer/scribe/internal/token"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// bridgeMessage is one audio chunk from a bridge client. Payload is
// base64-encoded PCM16 at the pipeline's wire rate.
type bridgeMessage struct {
	Source  string `json:"source"`
	Payload string `json:"payload"`
}

// handleBridgeWS accepts the out-of-band audio channel used by native
// helpers that capture system audio where no local loopback device
// exists. Chunks are tagged per source and fanned into the hub.
func (r *Router) handleBridgeWS(w http.ResponseWriter, req *http.Request) {
	if r.conns != nil && !r.conns.Add() {
		http.Error(w, "draining", http.StatusServiceUnavailable)
		return
	}
	registered := r.conns != nil
	release := func() {
		if registered {
			r.conns.Done()
			registered = false
		}
	}

	if !r.authorizeBridge(req) {
		release()
		if r.metrics != nil {
			r.metrics.BridgeAuthErrors.Inc()
		}
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := upgrader.Upgrade(w, req, nil)
	if err != nil {
		release()
		r.logger.Printf("bridge upgrade failed: %v", err)
		return
	}

	if r.metrics != nil {
		r.metrics.BridgeConnections.Inc()
	}
	defer func() {
		conn.Close()
		release()
		if r.metrics != nil {
			r.metrics.BridgeConnections.Dec()
		}
	}()

	r.logger.Printf("bridge client connected from %s", req.RemoteAddr)

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				r.logger.Printf("bridge read error: %v", err)
			}
			return
		}

		var msg bridgeMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			r.logger.Printf("bridge: malformed message: %v", err)
			continue
		}

		source := audio.Source(msg.Source)
		if !source.Valid() {
			r.logger.Printf("bridge: unknown source %q", msg.Source)
			continue
		}

		pcm, err := base64.StdEncoding.DecodeString(msg.Payload)
		if err != nil || len(pcm) == 0 {
			continue
		}

		r.hub.Publish(source, pcm)
		if r.metrics != nil {
			r.metrics.BridgeFrames.WithLabelValues(string(source)).Inc()
		}
	}
}

// authorizeBridge checks the bearer token from the Authorization header
// or, for clients that cannot set headers on websocket dials, the token
// query parameter.
func (r *Router) authorizeBridge(req *http.Request) bool {
	if r.cfg.JWTSecret == "" {
		return true
	}

	raw := strings.TrimPrefix(req.Header.Get("Authorization"), "Bearer ")
	if raw == "" || raw == req.Header.Get("Authorization") {
		raw = req.URL.Query().Get("token")
	}
	if raw == "" {
		return false
	}

	_, err := token.Verify(r.cfg.JWTSecret, raw)
	return err == nil
}
