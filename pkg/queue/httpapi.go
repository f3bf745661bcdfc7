package queue

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/nyx-relay/broker/pkg/logger"
	"github.com/nyx-relay/broker/pkg/models"
)

// HTTPServer exposes the queue's producer-side surface over HTTP: enqueue,
// depth, and a membership probe. The consumer side (BlockingPop/Ack/Requeue)
// is deliberately not exposed: the worker pool that consumes entries runs
// in the same process as the queue and calls it directly, so pop leases
// never have to survive a network hop. The listener is expected to bind an
// internal address reachable only by the ingress gate and the authority.
type HTTPServer struct {
	q      *Queue
	router *mux.Router
}

// NewHTTPServer wires the queue's HTTP routes.
func NewHTTPServer(q *Queue) *HTTPServer {
	s := &HTTPServer{q: q}
	s.router = mux.NewRouter()
	s.router.HandleFunc("/queue/entries", s.handleEnqueue).Methods(http.MethodPost)
	s.router.HandleFunc("/queue/entries/{id}", s.handleContains).Methods(http.MethodGet)
	s.router.HandleFunc("/queue/depth", s.handleDepth).Methods(http.MethodGet)
	return s
}

func (s *HTTPServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *HTTPServer) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	var entry models.QueueEntry
	if err := json.NewDecoder(r.Body).Decode(&entry); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "malformed queue entry"})
		return
	}
	if entry.MessageID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "message_id is required"})
		return
	}
	if err := s.q.Enqueue(r.Context(), &entry); err != nil {
		logger.Error("queue_http_enqueue_failed", "message_id", entry.MessageID, "error", err)
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "enqueue failed"})
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"message_id": entry.MessageID})
}

func (s *HTTPServer) handleContains(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if !s.q.Contains(id) {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "entry not present"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message_id": id})
}

func (s *HTTPServer) handleDepth(w http.ResponseWriter, r *http.Request) {
	n, err := s.q.Size()
	if err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"depth": n})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
