package transcode

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
)

// URLResolver maps an output file of a stream to its public URL.
type URLResolver interface {
	URL(streamKey, name string) (string, bool)
}

// Handler exposes the supervisor's control operations over HTTP using go-chi.
type Handler struct {
	svc  *Supervisor
	log  *slog.Logger
	urls URLResolver
}

// NewHandler returns a Handler that uses the given Supervisor and Logger.
func NewHandler(svc *Supervisor, log *slog.Logger) *Handler {
	return &Handler{svc: svc, log: log}
}

// SetURLResolver makes status responses include the public master playlist
// URL once it has been uploaded.
func (h *Handler) SetURLResolver(r URLResolver) {
	h.urls = r
}

// Routes mounts the control endpoints on r.
func (h *Handler) Routes(r chi.Router) {
	r.Get("/healthz", h.Healthz)
	r.Get("/streams", h.ListStreams)
	r.Route("/stream", func(r chi.Router) {
		r.Post("/start", h.StartStream)
		r.Post("/stop", h.StopStream)
		r.Get("/status/{stream_key}", h.GetStatus)
	})
}

type streamRequest struct {
	StreamKey StreamKey `json:"streamKey"`
}

type errorResponse struct {
	Error  string   `json:"error"`
	State  JobState `json:"state,omitempty"`
	Reason string   `json:"reason,omitempty"`
}

// StartStream handles POST /stream/start.
// Body: { "streamKey": "abc123" }.
func (h *Handler) StartStream(w http.ResponseWriter, r *http.Request) {
	req, ok := h.decodeRequest(w, r)
	if !ok {
		return
	}

	err := h.svc.OnIngestStarted(r.Context(), req.StreamKey)
	switch {
	case err == nil:
	case errors.Is(err, ErrEmptyStreamKey), errors.Is(err, ErrInvalidStreamKey):
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	default:
		h.log.Error("start stream failed",
			slog.String("stream_key", string(req.StreamKey)),
			slog.String("error", err.Error()))
		resp := errorResponse{Error: err.Error(), State: StateFailed}
		if st, ok := h.svc.GetStatus(req.StreamKey); ok {
			resp.State, resp.Reason = st.State, st.Reason
		}
		status := http.StatusInternalServerError
		if errors.Is(err, ErrSpawnFailed) {
			status = http.StatusBadGateway
		}
		writeJSON(w, status, resp)
		return
	}

	st, ok := h.svc.GetStatus(req.StreamKey)
	if !ok {
		// Stopped by a concurrent request between start and this lookup.
		writeJSON(w, http.StatusConflict, errorResponse{Error: "stream stopped during start"})
		return
	}
	h.log.Info("stream started", slog.String("stream_key", string(req.StreamKey)), slog.String("job_id", st.JobID))
	writeJSON(w, http.StatusCreated, st)
}

// StopStream handles POST /stream/stop. Stopping an unknown key succeeds.
func (h *Handler) StopStream(w http.ResponseWriter, r *http.Request) {
	req, ok := h.decodeRequest(w, r)
	if !ok {
		return
	}

	if err := h.svc.OnIngestStopped(r.Context(), req.StreamKey); err != nil {
		if errors.Is(err, ErrEmptyStreamKey) {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
			return
		}
		h.log.Error("stop stream failed", slog.String("stream_key", string(req.StreamKey)), slog.String("error", err.Error()))
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: err.Error()})
		return
	}

	h.log.Info("stream stopped", slog.String("stream_key", string(req.StreamKey)))
	w.WriteHeader(http.StatusNoContent)
}

// GetStatus handles GET /stream/status/{stream_key}.
func (h *Handler) GetStatus(w http.ResponseWriter, r *http.Request) {
	key := StreamKey(chi.URLParam(r, "stream_key"))
	if key == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: ErrEmptyStreamKey.Error()})
		return
	}

	st, ok := h.svc.GetStatus(key)
	if !ok {
		writeJSON(w, http.StatusNotFound, errorResponse{Error: ErrJobNotFound.Error()})
		return
	}
	writeJSON(w, http.StatusOK, h.withURL(st))
}

// ListStreams handles GET /streams.
func (h *Handler) ListStreams(w http.ResponseWriter, r *http.Request) {
	list := h.svc.List()
	for i := range list {
		list[i] = h.withURL(list[i])
	}
	writeJSON(w, http.StatusOK, list)
}

// Healthz handles GET /healthz.
func (h *Handler) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) withURL(st Status) Status {
	if h.urls == nil || st.State != StateRunning {
		return st
	}
	if u, ok := h.urls.URL(string(st.StreamKey), MasterPlaylistName); ok {
		st.PlaybackURL = u
	}
	return st
}

func (h *Handler) decodeRequest(w http.ResponseWriter, r *http.Request) (streamRequest, bool) {
	var req streamRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.log.Debug("invalid stream request body", slog.String("error", err.Error()))
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid payload"})
		return req, false
	}
	if req.StreamKey == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: ErrEmptyStreamKey.Error()})
		return req, false
	}
	return req, true
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
