// Package api exposes a thin HTTP surface over a Node and its KV state
// machine: read/write the store, and inspect node status.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/concordkv/replicated-ledger/pkg/consensus"
	"github.com/concordkv/replicated-ledger/pkg/store"
)

// Handler serves /kv/* and /status against a Node and its KV store.
type Handler struct {
	node     *consensus.Node
	kv       *store.KV
	mux      *http.ServeMux
	clientID string
	nextReq  uint64
}

// NewHandler constructs a Handler. Every command it submits carries a
// ClientID unique to this process so KV.Apply's (ClientID, RequestID)
// dedup actually distinguishes successive writes instead of colliding.
func NewHandler(node *consensus.Node, kv *store.KV) *Handler {
	h := &Handler{node: node, kv: kv, mux: http.NewServeMux(), clientID: uuid.NewString()}
	h.mux.HandleFunc("/kv/", h.handleKV)
	h.mux.HandleFunc("/status", h.handleStatus)
	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) { h.mux.ServeHTTP(w, r) }

func (h *Handler) handleKV(w http.ResponseWriter, r *http.Request) {
	key := strings.TrimPrefix(r.URL.Path, "/kv/")
	if key == "" {
		http.Error(w, "key required", http.StatusBadRequest)
		return
	}

	switch r.Method {
	case http.MethodGet:
		if !h.node.IsLeader() {
			h.respondNotLeader(w)
			return
		}
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		if _, err := h.node.LinearizableBarrier(ctx); err != nil {
			h.respondBarrierError(w, err)
			return
		}
		value, ok := h.kv.Get(key)
		if !ok {
			http.Error(w, "key not found", http.StatusNotFound)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"value": string(value)})

	case http.MethodPut, http.MethodPost:
		var req struct {
			Value string `json:"value"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid request body: "+err.Error(), http.StatusBadRequest)
			return
		}
		h.submit(w, r, store.Command{Type: store.CommandSet, Key: key, Value: []byte(req.Value)})

	case http.MethodDelete:
		h.submit(w, r, store.Command{Type: store.CommandDelete, Key: key})

	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (h *Handler) submit(w http.ResponseWriter, r *http.Request, cmd store.Command) {
	if !h.node.IsLeader() {
		h.respondNotLeader(w)
		return
	}
	cmd.ClientID = h.clientID
	cmd.RequestID = atomic.AddUint64(&h.nextReq, 1)
	_, err := h.node.Replicate(h.node.CurrentTerm(), [][]byte{store.EncodeCommand(cmd)})
	if err != nil {
		if errors.Is(err, consensus.ErrNotLeader) {
			h.respondNotLeader(w)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) respondNotLeader(w http.ResponseWriter) {
	writeJSON(w, http.StatusServiceUnavailable, map[string]interface{}{
		"error":     "not leader",
		"leader_id": h.node.LeaderID(),
	})
}

func (h *Handler) respondBarrierError(w http.ResponseWriter, err error) {
	if errors.Is(err, consensus.ErrNotLeader) {
		h.respondNotLeader(w)
		return
	}
	if errors.Is(err, context.DeadlineExceeded) {
		http.Error(w, "request timeout", http.StatusGatewayTimeout)
		return
	}
	http.Error(w, err.Error(), http.StatusInternalServerError)
}

func (h *Handler) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"id":           h.node.ID(),
		"role":         h.node.Role().String(),
		"term":         h.node.CurrentTerm(),
		"leader_id":    h.node.LeaderID(),
		"commit_index": h.node.CommitIndex(),
		"last_index":   h.node.LastIndex(),
		"cluster_size": h.node.ActiveConfiguration().Size(),
	})
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
