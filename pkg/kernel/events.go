package kernel

import (
	"fmt"
	"net/http"
)

// handleRecordSSE streams lifecycle events for one record.
// GET /v1/records/{id}/events
func (s *Server) handleRecordSSE(w http.ResponseWriter, r *http.Request) {
	s.streamEvents(w, r, r.PathValue("id"))
}

// handleBroadcastSSE streams lifecycle events for every record.
// GET /v1/events
func (s *Server) handleBroadcastSSE(w http.ResponseWriter, r *http.Request) {
	s.streamEvents(w, r, "")
}

func (s *Server) streamEvents(w http.ResponseWriter, r *http.Request, recordID string) {
	if s.eventBus == nil {
		http.Error(w, "event stream not available", http.StatusServiceUnavailable)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	events, unsub := s.eventBus.Subscribe(recordID)
	defer unsub()

	fmt.Fprintf(w, "event: connected\ndata: %s\n\n", recordID)
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case event, ok := <-events:
			if !ok {
				return
			}
			fmt.Fprintf(w, "event: %s\ndata: {\"record_id\":%q,\"app_id\":%q,\"data\":%q,\"ts\":%d}\n\n",
				event.Type, event.RecordID, event.AppID, event.Data, event.Timestamp)
			flusher.Flush()
		}
	}
}
