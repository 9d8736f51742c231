package server

import (
	"io"
	"net/http"

	"github.com/gorilla/websocket"

	"github.com/teranos/segpulse/errors"
	"github.com/teranos/segpulse/logger"
	"github.com/teranos/segpulse/pulse/async"
)

// Cancellation reasons recorded when the caller gives none
const (
	reasonUserRequest  = "cancelled by user"
	reasonProjectScope = "project cancelled by user"
	reasonBatchScope   = "batch cancelled by user"
	reasonCancelAll    = "all jobs cancelled by user"
)

// HandleWebSocket authenticates, registers the connection in its user room
// and starts the pumps. A rejected credential gets 401 before any upgrade.
func (s *Server) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	if s.getState() != ServerStateRunning {
		writeError(w, http.StatusServiceUnavailable, "server is shutting down")
		return
	}

	conn, err := s.hub.Connect(r.Context(), credentialFrom(r))
	if err != nil {
		if errors.Is(err, ErrTooManyConnections) {
			writeError(w, http.StatusServiceUnavailable, "too many connections")
			return
		}
		writeEngineError(w, s.logger, err)
		return
	}

	upgrader := websocket.Upgrader{CheckOrigin: s.checkOrigin}
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.hub.Disconnect(conn)
		s.logger.Errorw("WebSocket upgrade failed",
			logger.FieldConnectionID, conn.id,
			logger.FieldError, err)
		return
	}

	client := &wsClient{server: s, conn: conn, ws: ws}
	s.hub.reply(conn, Message{Type: msgConnected})

	s.wg.Add(2)
	go func() {
		defer s.wg.Done()
		client.writePump()
	}()
	go func() {
		defer s.wg.Done()
		client.readPump()
	}()
}

// HandleHealth reports liveness and the counters worth alerting on
func (s *Server) HandleHealth(w http.ResponseWriter, r *http.Request) {
	state := s.getState()
	status := "ok"
	code := http.StatusOK
	if state != ServerStateRunning {
		status = "unavailable"
		code = http.StatusServiceUnavailable
	}

	writeJSON(w, code, healthResponse{
		Status:         status,
		State:          stateString(state),
		Node:           s.nodeID,
		Connections:    s.hub.Len(),
		ActiveRuns:     len(s.daemon.ActiveRuns()),
		OutboxDropped:  s.outbox.Dropped(),
		OutboxFailed:   s.outbox.Failed(),
		HubDropped:     s.hub.Dropped(),
		RelayConnected: s.relay != nil && s.relay.Subscribed(),
	})
}

// HandleEnqueue creates a job owned by the caller
func (s *Server) HandleEnqueue(w http.ResponseWriter, r *http.Request) {
	var req async.EnqueueRequest
	if err := readJSON(r, &req, false); err != nil {
		writeEngineError(w, s.logger, err)
		return
	}

	job, err := s.engine.Enqueue(r.Context(), userFrom(r.Context()), req)
	if err != nil {
		writeEngineError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, job)
}

// HandleGetJob returns a job the caller may see
func (s *Server) HandleGetJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.engine.GetJob(r.Context(), r.PathValue("id"), userFrom(r.Context()))
	if err != nil {
		writeEngineError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

// HandleArtifact streams a completed job's result. Anything else, including
// a completed job whose object has since gone, is "not available".
func (s *Server) HandleArtifact(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	job, err := s.engine.GetJob(ctx, r.PathValue("id"), userFrom(ctx))
	if err != nil {
		writeEngineError(w, s.logger, err)
		return
	}

	if job.Status != async.JobStatusCompleted || job.ArtifactRef == "" {
		writeError(w, http.StatusNotFound, "artifact not available")
		return
	}
	exists, err := s.artifacts.Exists(ctx, job.ArtifactRef)
	if err != nil {
		writeEngineError(w, s.logger, errors.Internal(err, "artifact lookup failed"))
		return
	}
	if !exists {
		writeError(w, http.StatusNotFound, "artifact not available")
		return
	}

	body, err := s.artifacts.Open(ctx, job.ArtifactRef)
	if err != nil {
		if errors.IsNotFound(err) {
			writeError(w, http.StatusNotFound, "artifact not available")
			return
		}
		writeEngineError(w, s.logger, errors.Internal(err, "artifact open failed"))
		return
	}
	defer body.Close()

	w.Header().Set("Content-Type", artifactContentType(job.Kind))
	w.WriteHeader(http.StatusOK)
	if _, err := io.Copy(w, body); err != nil {
		s.logger.Debugw("Artifact stream interrupted",
			logger.FieldJobID, shortID(job.ID),
			logger.FieldError, err)
	}
}

func artifactContentType(kind async.JobKind) string {
	if kind == async.KindExport {
		return "application/zip"
	}
	return "application/json"
}

// HandleCancelJob cancels one job. Repeating the call returns the original
// cancellation time with cancelled false.
func (s *Server) HandleCancelJob(w http.ResponseWriter, r *http.Request) {
	reason, err := cancelReason(r, reasonUserRequest)
	if err != nil {
		writeEngineError(w, s.logger, err)
		return
	}

	res, err := s.engine.CancelOne(r.Context(), r.PathValue("id"), userFrom(r.Context()), reason)
	if err != nil {
		writeEngineError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// HandleReleaseJob queues a pending job once its inputs are in place
func (s *Server) HandleReleaseJob(w http.ResponseWriter, r *http.Request) {
	res, err := s.engine.Release(r.Context(), r.PathValue("id"), userFrom(r.Context()))
	if err != nil {
		writeEngineError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// HandleCancelProject cancels the caller's active jobs in a project
func (s *Server) HandleCancelProject(w http.ResponseWriter, r *http.Request) {
	reason, err := cancelReason(r, reasonProjectScope)
	if err != nil {
		writeEngineError(w, s.logger, err)
		return
	}

	cancelled, err := s.engine.CancelByScope(r.Context(), userFrom(r.Context()), r.PathValue("id"), reason)
	writeBulkCancel(w, s, cancelled, err)
}

// HandleCancelBatch cancels the caller's active jobs in a batch
func (s *Server) HandleCancelBatch(w http.ResponseWriter, r *http.Request) {
	reason, err := cancelReason(r, reasonBatchScope)
	if err != nil {
		writeEngineError(w, s.logger, err)
		return
	}

	cancelled, err := s.engine.CancelByBatchScope(r.Context(), userFrom(r.Context()), r.PathValue("id"), reason)
	writeBulkCancel(w, s, cancelled, err)
}

// HandleCancelAll cancels every active job the caller owns
func (s *Server) HandleCancelAll(w http.ResponseWriter, r *http.Request) {
	reason, err := cancelReason(r, reasonCancelAll)
	if err != nil {
		writeEngineError(w, s.logger, err)
		return
	}

	cancelled, err := s.engine.CancelAllForOwner(r.Context(), userFrom(r.Context()), reason)
	writeBulkCancel(w, s, cancelled, err)
}

func writeBulkCancel(w http.ResponseWriter, s *Server, cancelled []async.CancelledJob, err error) {
	if err != nil {
		writeEngineError(w, s.logger, err)
		return
	}
	if cancelled == nil {
		cancelled = []async.CancelledJob{}
	}
	writeJSON(w, http.StatusOK, bulkCancelResponse{Cancelled: len(cancelled), Jobs: cancelled})
}

func cancelReason(r *http.Request, fallback string) (string, error) {
	var req cancelRequest
	if err := readJSON(r, &req, true); err != nil {
		return "", err
	}
	if req.Reason == "" {
		return fallback, nil
	}
	return req.Reason, nil
}

// HandleProjectStats returns active job counts for a project the caller can view
func (s *Server) HandleProjectStats(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	projectID := r.PathValue("id")

	role, err := s.access.RoleFor(ctx, userFrom(ctx), projectID)
	if err != nil {
		writeEngineError(w, s.logger, errors.Internal(err, "access check failed"))
		return
	}
	if !role.CanView() {
		writeEngineError(w, s.logger, errors.NotFoundf("project not found: %s", projectID))
		return
	}

	stats, err := s.stats.ComputeStats(ctx, projectID, "")
	if err != nil {
		writeEngineError(w, s.logger, errors.Internal(err, "stats query failed"))
		return
	}
	writeJSON(w, http.StatusOK, async.StatsPayload{
		ProjectID:  projectID,
		Queued:     stats.Queued,
		Processing: stats.Processing,
		Total:      stats.Total,
		Timestamp:  s.now(),
	})
}

// HandleActiveJobs lists the caller's jobs executing on this node
func (s *Server) HandleActiveJobs(w http.ResponseWriter, r *http.Request) {
	userID := userFrom(r.Context())
	runs := []async.ActiveRun{}
	for _, run := range s.daemon.ActiveRuns() {
		if run.OwnerID == userID {
			runs = append(runs, run)
		}
	}
	writeJSON(w, http.StatusOK, runs)
}
