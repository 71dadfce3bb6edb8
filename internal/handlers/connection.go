package handlers

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/mongoferry/mongoferry/internal/models"
	"github.com/mongoferry/mongoferry/internal/repository"
	"github.com/mongoferry/mongoferry/internal/utils"
)

// StatsProber is the slice of the stats collector the connection endpoints
// use: ad-hoc connectivity tests and raw snapshots for stored or pasted URIs.
type StatsProber interface {
	Snapshot(ctx context.Context, uri, dbName string) (*models.StatsSnapshot, error)
	Probe(ctx context.Context, uri string) (string, error)
}

type ConnectionHandler struct {
	repo      repository.ConnectionRepository
	collector StatsProber
	logger    zerolog.Logger
}

func NewConnectionHandler(repo repository.ConnectionRepository, collector StatsProber, logger zerolog.Logger) *ConnectionHandler {
	return &ConnectionHandler{repo: repo, collector: collector, logger: logger}
}

// List returns the stored profiles grouped by environment; ?flat=true
// returns the plain list. Credentials are masked in every returned URI.
func (h *ConnectionHandler) List(w http.ResponseWriter, r *http.Request) {
	if r.URL.Query().Get("flat") == "true" {
		connections, err := h.repo.List()
		if err != nil {
			h.logger.Error().Err(err).Msg("Failed to list connections")
			writeError(w, http.StatusInternalServerError, "failed to list connections")
			return
		}
		for _, conn := range connections {
			conn.URI = utils.RedactCredentials(conn.URI)
		}
		writeJSON(w, http.StatusOK, connections)
		return
	}

	grouped, err := h.repo.ListGrouped()
	if err != nil {
		h.logger.Error().Err(err).Msg("Failed to list connections")
		writeError(w, http.StatusInternalServerError, "failed to list connections")
		return
	}
	for _, conns := range grouped {
		for _, conn := range conns {
			conn.URI = utils.RedactCredentials(conn.URI)
		}
	}
	writeJSON(w, http.StatusOK, grouped)
}

func (h *ConnectionHandler) Create(w http.ResponseWriter, r *http.Request) {
	var conn models.Connection
	if err := json.NewDecoder(r.Body).Decode(&conn); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request payload")
		return
	}
	if conn.Name == "" || conn.URI == "" || conn.DBName == "" {
		writeError(w, http.StatusBadRequest, "name, uri and db_name are required")
		return
	}

	created, err := h.repo.Create(&conn)
	if err != nil {
		switch {
		case errors.Is(err, repository.ErrDuplicateName):
			writeError(w, http.StatusConflict, "a connection with this name already exists")
		case errors.Is(err, repository.ErrInvalidEnvironment):
			writeError(w, http.StatusBadRequest, "environment must be production, staging or development")
		default:
			h.logger.Error().Err(err).Msg("Failed to create connection")
			writeError(w, http.StatusInternalServerError, "failed to create connection")
		}
		return
	}

	created.URI = utils.RedactCredentials(created.URI)
	writeJSON(w, http.StatusCreated, created)
}

func (h *ConnectionHandler) Delete(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := h.repo.Delete(id); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			writeError(w, http.StatusNotFound, "connection not found")
			return
		}
		h.logger.Error().Err(err).Str("connection_id", id).Msg("Failed to delete connection")
		writeError(w, http.StatusInternalServerError, "failed to delete connection")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// TestConnection probes a pasted URI without storing anything.
func (h *ConnectionHandler) TestConnection(w http.ResponseWriter, r *http.Request) {
	var req struct {
		URI string `json:"uri"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request payload")
		return
	}
	if req.URI == "" {
		writeError(w, http.StatusBadRequest, "uri is required")
		return
	}

	version, err := h.collector.Probe(r.Context(), req.URI)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]interface{}{
			"ok":    false,
			"error": utils.RedactCredentials(err.Error()),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"ok": true, "version": version})
}

// DBStats returns a raw snapshot for an arbitrary database, the same counts
// the orchestrator records before and after a transfer.
func (h *ConnectionHandler) DBStats(w http.ResponseWriter, r *http.Request) {
	var req struct {
		URI    string `json:"uri"`
		DBName string `json:"db_name"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request payload")
		return
	}
	if req.URI == "" || req.DBName == "" {
		writeError(w, http.StatusBadRequest, "uri and db_name are required")
		return
	}

	snap, err := h.collector.Snapshot(r.Context(), req.URI, req.DBName)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]interface{}{
			"ok":    false,
			"error": utils.RedactCredentials(err.Error()),
		})
		return
	}
	writeJSON(w, http.StatusOK, snap)
}
