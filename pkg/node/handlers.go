package node

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"time"
)

const infoTimeout = 2 * time.Second

// Healthz returns 200 OK to indicate the Node is alive.
func (n *Node) Healthz(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

// Info writes a JSON payload with the process ID, the current time and the
// node's protocol state.
func (n *Node) Info(w http.ResponseWriter, req *http.Request) {
	ctx, cancel := context.WithTimeout(req.Context(), infoTimeout)
	defer cancel()

	st, err := n.Status(ctx)
	if err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	type resp struct {
		PID int       `json:"pid"`
		Now time.Time `json:"now"`
		Status
	}
	data, err := json.Marshal(resp{PID: os.Getpid(), Now: time.Now(), Status: st})
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write(data)
}
