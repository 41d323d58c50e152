package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/BTreeMap/GroupPulse/internal/models"
	"github.com/BTreeMap/GroupPulse/internal/store"
	"github.com/go-chi/chi/v5"
)

// encodeFailureBody is sent when a response value cannot be marshaled.
const encodeFailureBody = `{"status":"error","message":"Internal server error"}`

// writeJSON marshals v before writing headers, so an encode failure still
// produces a well-formed 500. Responses are never cached.
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	body, err := json.Marshal(v)
	if err != nil {
		slog.Error("Server.writeJSON: failed to marshal response", "status", status, "error", err)
		body = []byte(encodeFailureBody)
		status = http.StatusInternalServerError
	}
	h := w.Header()
	h.Set("Content-Type", "application/json; charset=utf-8")
	h.Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	if _, err := w.Write(body); err != nil {
		slog.Warn("Server.writeJSON: client went away before response was written", "status", status, "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, models.Error(message))
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, models.HealthStatus{
		Status:        "ok",
		UptimeSeconds: s.sup.Uptime().Seconds(),
		ActiveWorkers: s.sup.ActiveCount(),
		WorkerID:      s.sup.OwnerID(),
	})
}

func (s *Server) workersHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, models.Success(s.sup.Workers()))
}

// scanRequestBody is the body of POST /scans.
type scanRequestBody struct {
	GroupID string `json:"group_id"`
}

func (s *Server) createScanHandler(w http.ResponseWriter, r *http.Request) {
	if r.Body != nil {
		defer r.Body.Close()
	}
	var body scanRequestBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		slog.Warn("Server.createScanHandler: failed to decode JSON", "error", err)
		writeError(w, http.StatusBadRequest, "Invalid JSON format")
		return
	}
	body.GroupID = strings.TrimSpace(body.GroupID)
	if body.GroupID == "" {
		writeError(w, http.StatusBadRequest, "Missing required field: group_id")
		return
	}

	ctx := r.Context()
	if _, err := s.store.GetGroup(ctx, body.GroupID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "Group not found")
			return
		}
		slog.Error("Server.createScanHandler: failed to load group", "group_id", body.GroupID, "error", err)
		writeError(w, http.StatusInternalServerError, "Failed to load group")
		return
	}
	id, err := s.store.CreateScanRequest(ctx, body.GroupID)
	if err != nil {
		slog.Error("Server.createScanHandler: failed to create scan request", "group_id", body.GroupID, "error", err)
		writeError(w, http.StatusInternalServerError, "Failed to create scan request")
		return
	}
	s.sup.SubmitScan(id, body.GroupID)

	slog.Info("Server.createScanHandler: scan request accepted", "request_id", id, "group_id", body.GroupID)
	writeJSON(w, http.StatusAccepted, models.SuccessWithMessage("Scan request accepted", map[string]string{"id": id}))
}

func (s *Server) getScanHandler(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	req, err := s.store.GetScanRequest(r.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "Scan request not found")
			return
		}
		slog.Error("Server.getScanHandler: failed to load scan request", "request_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "Failed to load scan request")
		return
	}
	writeJSON(w, http.StatusOK, models.Success(req))
}
