package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/JakeFAU/bulk-brand-fetcher/internal/catalog"
)

const defaultKeepAlive = 15 * time.Second

// eventFrame is the data line of one server-sent event.
type eventFrame struct {
	JobID     string    `json:"jobId"`
	Type      string    `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	Data      any       `json:"data"`
}

// streamEvents serves GET /v1/jobs/{job_id}/events as Server-Sent Events. The
// stream starts with a status frame holding the current counters, then relays
// live events until a terminal one or until the client disconnects. Events
// emitted before the client joined are not replayed.
func (s *Server) streamEvents(w http.ResponseWriter, r *http.Request) {
	owner, ok := s.owner(w, r)
	if !ok {
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		s.writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	jobID := chi.URLParam(r, "job_id")
	ctx := r.Context()

	sub, err := s.svc.Subscribe(ctx, jobID, owner)
	if err != nil {
		s.fail(w, err)
		return
	}
	defer s.svc.Unsubscribe(sub)

	snap, err := s.svc.GetJobStatus(ctx, jobID, owner)
	if err != nil {
		s.fail(w, err)
		return
	}

	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	log := s.logger.With(zap.String("job_id", jobID))
	if err := writeFrame(w, "status", eventFrame{
		JobID:     jobID,
		Type:      "status",
		Timestamp: time.Now().UTC(),
		Data:      statusData(snap),
	}); err != nil {
		log.Debug("event stream closed", zap.Error(err))
		return
	}
	flusher.Flush()
	if snap.Status.Terminal() {
		return
	}

	keepAlive := time.NewTicker(s.cfg.KeepAlive)
	defer keepAlive.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-keepAlive.C:
			if _, err := fmt.Fprint(w, ": keep-alive\n\n"); err != nil {
				return
			}
			flusher.Flush()
		case evt, open := <-sub.Events():
			if !open {
				return
			}
			if err := writeFrame(w, string(evt.Kind), eventFrame{
				JobID:     evt.JobID,
				Type:      string(evt.Kind),
				Timestamp: evt.TS,
				Data:      evt.Payload(),
			}); err != nil {
				log.Debug("event stream closed", zap.Error(err))
				return
			}
			flusher.Flush()
			if evt.Terminal() {
				return
			}
		}
	}
}

func writeFrame(w http.ResponseWriter, event string, frame eventFrame) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return fmt.Errorf("encode %s event: %w", event, err)
	}
	if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data); err != nil {
		return fmt.Errorf("write %s event: %w", event, err)
	}
	return nil
}

func statusData(j catalog.Job) map[string]any {
	return map[string]any{
		"status":           j.Status,
		"totalBrands":      j.TotalBrands,
		"processedBrands":  j.ProcessedBrands,
		"successfulBrands": j.SuccessfulBrands,
		"failedBrands":     j.FailedBrands,
		"successRate":      j.SuccessRate,
	}
}
