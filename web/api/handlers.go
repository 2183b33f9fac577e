package api

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/turnstile-dev/turnstile/internal/domain"
	"github.com/turnstile-dev/turnstile/internal/export"
	"github.com/turnstile-dev/turnstile/internal/orchestrator"
)

// BatchResponse is the API response for a batch
type BatchResponse struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	TotalCount   int    `json:"total_count"`
	CurrentIndex int    `json:"current_index"`
	Status       string `json:"status"`
	CreatedAt    string `json:"created_at"`
}

// StatusResponse is the API response for overall run status
type StatusResponse struct {
	Phase          string `json:"phase"`
	Processing     bool   `json:"processing"`
	Typing         bool   `json:"typing"`
	TypingBatchID  string `json:"typing_batch_id,omitempty"`
	TypingTask     int    `json:"typing_task_index,omitempty"`
	RetryCount     int    `json:"retry_count,omitempty"`
	SurfaceHandle  string `json:"surface_handle,omitempty"`
	BatchesTotal   int    `json:"batches_total"`
	BatchesDone    int    `json:"batches_done"`
	TasksTotal     int    `json:"tasks_total"`
	TasksCompleted int    `json:"tasks_completed"`
}

// ResultResponse is the API response for one harvested record
type ResultResponse struct {
	BatchID    string            `json:"batch_id"`
	TaskIndex  int               `json:"task_index"`
	CreatedAt  string            `json:"created_at"`
	Fields     map[string]string `json:"fields,omitempty"`
	Confidence float64           `json:"confidence,omitempty"`
	Reasoning  string            `json:"reasoning,omitempty"`
	Note       string            `json:"note,omitempty"`
}

func batchToResponse(b *domain.Batch) BatchResponse {
	return BatchResponse{
		ID:           b.ID,
		Name:         b.Name,
		TotalCount:   b.TotalCount,
		CurrentIndex: b.CurrentIndex,
		Status:       string(b.Status),
		CreatedAt:    b.CreatedAt.UTC().Format(time.RFC3339),
	}
}

func resultToResponse(r *domain.ResultRecord) ResultResponse {
	return ResultResponse{
		BatchID:    r.BatchID,
		TaskIndex:  r.TaskIndex,
		CreatedAt:  r.CreatedAt.UTC().Format(time.RFC3339),
		Fields:     r.Fields,
		Confidence: r.Confidence,
		Reasoning:  r.Reasoning,
		Note:       r.Note,
	}
}

func (s *Server) statusHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}

		state, err := s.store.ControlState()
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		batches, err := s.store.ListBatches()
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}

		resp := StatusResponse{
			Phase:         string(state.Phase()),
			Processing:    state.IsProcessing,
			Typing:        state.IsTyping,
			TypingBatchID: state.TypingBatchID,
			TypingTask:    state.TypingTaskIndex,
			RetryCount:    state.RetryCount,
			SurfaceHandle: state.SurfaceHandle,
		}
		for _, b := range batches {
			resp.BatchesTotal++
			if b.Done() {
				resp.BatchesDone++
			}
			resp.TasksTotal += b.TotalCount
			resp.TasksCompleted += b.CurrentIndex
		}

		writeJSON(w, resp)
	}
}

func (s *Server) listBatchesHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}

		batches, err := s.store.ListBatches()
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}

		responses := make([]BatchResponse, len(batches))
		for i, b := range batches {
			responses[i] = batchToResponse(b)
		}

		writeJSON(w, responses)
	}
}

// batchItemHandler serves /api/batches/{id} and the reset action at
// /api/batches/{id}/reset.
func (s *Server) batchItemHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		path := strings.TrimPrefix(r.URL.Path, "/api/batches/")
		if path == "" {
			writeError(w, http.StatusBadRequest, "batch ID required")
			return
		}

		if action := strings.TrimSuffix(path, "/reset"); action != path {
			s.resetBatch(w, r, action)
			return
		}

		switch r.Method {
		case http.MethodGet:
			b, err := s.store.GetBatch(path)
			if err != nil {
				writeError(w, http.StatusNotFound, "batch not found")
				return
			}
			writeJSON(w, batchToResponse(b))

		case http.MethodDelete:
			force := r.URL.Query().Get("force") == "true"
			if err := orchestrator.DeleteBatch(s.store, path, force); err != nil {
				writeError(w, http.StatusConflict, err.Error())
				return
			}
			writeJSON(w, map[string]string{"status": "deleted"})

		default:
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		}
	}
}

func (s *Server) resetBatch(w http.ResponseWriter, r *http.Request, id string) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	force := r.URL.Query().Get("force") == "true"
	if err := orchestrator.ResetBatch(s.store, id, force); err != nil {
		writeError(w, http.StatusConflict, err.Error())
		return
	}

	s.Broadcast(SSEEvent{Type: "batch_update", Data: map[string]string{"id": id, "status": "reset"}})
	writeJSON(w, map[string]string{"status": "reset"})
}

func (s *Server) listResultsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}

		records, err := s.store.ListResults(r.URL.Query().Get("batch"))
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}

		responses := make([]ResultResponse, len(records))
		for i, rec := range records {
			responses[i] = resultToResponse(rec)
		}

		writeJSON(w, responses)
	}
}

func (s *Server) startHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}

		err := s.control.Start()
		switch {
		case err == nil:
			s.Broadcast(SSEEvent{Type: "run_update", Data: map[string]string{"status": "started"}})
			writeJSON(w, map[string]string{"status": "started"})
		case errors.Is(err, orchestrator.ErrBusy):
			writeError(w, http.StatusConflict, err.Error())
		case errors.Is(err, orchestrator.ErrSurfaceUnavailable):
			writeError(w, http.StatusServiceUnavailable, err.Error())
		default:
			writeError(w, http.StatusInternalServerError, err.Error())
		}
	}
}

func (s *Server) stopHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}

		if err := s.control.Stop(); err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}

		s.Broadcast(SSEEvent{Type: "run_update", Data: map[string]string{"status": "stopped"}})
		writeJSON(w, map[string]string{"status": "stopped"})
	}
}

func (s *Server) exportHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}

		records, err := s.store.ListResults(r.URL.Query().Get("batch"))
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}

		path, err := export.WriteFile(s.exportDir, records, time.Now())
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}

		writeJSON(w, map[string]interface{}{"path": path, "records": len(records)})
	}
}
