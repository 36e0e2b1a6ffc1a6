package server

import (
	"io"
	"mime"
	"net/http"
	"strconv"

	"github.com/GriffinCanCode/egm-detector/internal/debounce"
	"github.com/GriffinCanCode/egm-detector/internal/detector"
	apperrors "github.com/GriffinCanCode/egm-detector/internal/errors"
	"github.com/GriffinCanCode/egm-detector/internal/notify"
	"github.com/GriffinCanCode/egm-detector/internal/trace"
)

// StateResponse is the body of GET /api/state.
type StateResponse struct {
	detector.Result
	Debounce debounce.Snapshot `json:"debounce"`
	Service  ServiceStatus     `json:"service"`
}

// ServiceStatus describes the surfaces around the detection loop.
type ServiceStatus struct {
	Clients int `json:"clients"`
	// HistoryRows is nil when history is disabled or the count failed.
	HistoryRows *int           `json:"history_rows,omitempty"`
	Notifier    *notify.Status `json:"notifier,omitempty"`
}

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, StateResponse{
		Result:   s.deps.Detector.Latest(),
		Debounce: s.deps.Detector.Debounce(),
		Service:  s.serviceStatus(r),
	})
}

func (s *Server) serviceStatus(r *http.Request) ServiceStatus {
	st := ServiceStatus{Clients: s.Clients()}
	if s.deps.History != nil {
		n, err := s.deps.History.Count(r.Context())
		if err != nil {
			trace.Logger(r.Context()).Warn("history count failed", "error", err)
		} else {
			st.HistoryRows = &n
		}
	}
	if s.deps.Notifier != nil {
		ns := s.deps.Notifier.Status()
		st.Notifier = &ns
	}
	return st
}

func (s *Server) handleCaptureStatus(w http.ResponseWriter, r *http.Request) {
	if s.deps.Capture == nil {
		writeError(w, r, apperrors.New(apperrors.CodeUnavailable, "capture is not managed by this process"))
		return
	}
	writeJSON(w, http.StatusOK, s.deps.Capture.Status())
}

func (s *Server) handleCaptureAction(w http.ResponseWriter, r *http.Request) {
	if s.deps.Capture == nil {
		writeError(w, r, apperrors.New(apperrors.CodeUnavailable, "capture is not managed by this process"))
		return
	}

	action := r.PathValue("action")
	log := trace.Logger(r.Context())
	log.Info("capture control", "action", action)

	// start and restart may wait out the restart floor, so they run in the
	// background
	switch action {
	case "start":
		go s.deps.Capture.Start(s.ctx)
		writeJSON(w, http.StatusAccepted, map[string]string{"status": "starting"})
	case "restart":
		go s.deps.Capture.Restart(s.ctx)
		writeJSON(w, http.StatusAccepted, map[string]string{"status": "restarting"})
	case "stop":
		s.deps.Capture.Stop()
		writeJSON(w, http.StatusOK, s.deps.Capture.Status())
	default:
		writeError(w, r, apperrors.Newf(apperrors.CodeInvalidArgument, "unknown capture action %q", action))
	}
}

func (s *Server) handleRefStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Refs.Stats())
}

func (s *Server) handleListRefs(w http.ResponseWriter, r *http.Request) {
	files, err := s.deps.Refs.Files(r.PathValue("state"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, files)
}

// handleAddRef stores the request body as a reference image, or the current
// live frame when the body is empty.
func (s *Server) handleAddRef(w http.ResponseWriter, r *http.Request) {
	state := r.PathValue("state")

	data, err := io.ReadAll(io.LimitReader(r.Body, MaxReferenceBytes+1))
	if err != nil {
		writeError(w, r, apperrors.Wrap(err, apperrors.CodeInvalidArgument, "read body"))
		return
	}
	if len(data) > MaxReferenceBytes {
		writeError(w, r, apperrors.Newf(apperrors.CodeInvalidArgument, "reference larger than %d bytes", MaxReferenceBytes))
		return
	}

	ext := ".jpg"
	if len(data) == 0 {
		if data, err = s.deps.Frames.Raw(r.Context()); err != nil {
			writeError(w, r, err)
			return
		}
	} else if ext, err = imageExt(r.Header.Get("Content-Type")); err != nil {
		writeError(w, r, err)
		return
	}

	name, err := s.deps.Refs.Add(state, data, ext)
	if err != nil {
		writeError(w, r, err)
		return
	}
	trace.Logger(r.Context()).Info("reference added", "state", state, "file", name, "bytes", len(data))
	writeJSON(w, http.StatusCreated, map[string]string{"state": state, "file": name})
}

func (s *Server) handleRefImage(w http.ResponseWriter, r *http.Request) {
	path, err := s.deps.Refs.FilePath(r.PathValue("state"), r.PathValue("file"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	http.ServeFile(w, r, path)
}

func (s *Server) handleDeleteRef(w http.ResponseWriter, r *http.Request) {
	state, file := r.PathValue("state"), r.PathValue("file")
	if err := s.deps.Refs.Remove(state, file); err != nil {
		writeError(w, r, err)
		return
	}
	trace.Logger(r.Context()).Info("reference removed", "state", state, "file", file)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleLiveFrame(w http.ResponseWriter, r *http.Request) {
	data, err := s.deps.Frames.Raw(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", http.DetectContentType(data))
	w.Header().Set("Cache-Control", "no-store")
	_, _ = w.Write(data)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	if s.deps.History == nil {
		writeError(w, r, apperrors.New(apperrors.CodeUnavailable, "history is disabled"))
		return
	}

	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, r, apperrors.Newf(apperrors.CodeInvalidArgument, "invalid limit %q", v))
			return
		}
		limit = n
	}

	rows, err := s.deps.History.Recent(r.Context(), limit)
	if err != nil {
		writeError(w, r, apperrors.Wrap(err, apperrors.CodeInternal, "query history"))
		return
	}
	writeJSON(w, http.StatusOK, rows)
}

func imageExt(contentType string) (string, error) {
	mt, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return "", apperrors.Newf(apperrors.CodeInvalidArgument, "missing or invalid content type %q", contentType)
	}
	switch mt {
	case "image/jpeg":
		return ".jpg", nil
	case "image/png":
		return ".png", nil
	case "image/webp":
		return ".webp", nil
	default:
		return "", apperrors.Newf(apperrors.CodeInvalidArgument, "unsupported content type %q", mt)
	}
}
