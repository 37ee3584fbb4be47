// Package httpapi exposes the daemon over a local JSON API: downloads,
// server control, chat turns and a server-sent event stream.
package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"chatd/internal/events"
	"chatd/internal/sysmon"
	"chatd/pkg/types"
)

// Service defines the methods required by the HTTP API layer.
type Service interface {
	Ready() bool
	Status() types.StatusResponse
	Sysinfo(ctx context.Context) (sysmon.Sample, error)

	Models() ([]types.Model, error)
	SelectModel(name string) error
	Bundles() []types.Bundle

	StartDownload(req types.DownloadRequest) (types.DownloadStatus, error)
	Downloads() []types.DownloadStatus
	Download(id string) (types.DownloadStatus, error)
	CancelDownload(id string) error
	ResolveDownload(id, resolution string) error

	StartServer(ctx context.Context, req types.ServerRequest) (types.ServerStatus, error)
	StopServer(req types.ServerRequest) (types.ServerStatus, error)

	Chat(ctx context.Context, req types.ChatRequest) (types.ChatResponse, error)
	Transcript() types.TranscriptResponse
	Undo() (types.UndoResponse, error)
	ClearChat() error
	SetPersona(req types.PersonaRequest) (types.TranscriptResponse, error)

	Subscribe() (<-chan events.Event, func())
}

type handlers struct{ svc Service }

func NewMux(svc Service) http.Handler {
	h := handlers{svc: svc}
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(MetricsMiddleware)
	r.Use(requestLogger)
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("X-Content-Type-Options", "nosniff")
			next.ServeHTTP(w, r)
		})
	})
	if corsEnabled {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: orDefault(corsAllowedOrigins, "*"),
			AllowedMethods: orDefault(corsAllowedMethods, "GET", "POST", "OPTIONS"),
			AllowedHeaders: orDefault(corsAllowedHeaders, "Content-Type"),
			MaxAge:         300,
		}))
	}

	r.Get("/healthz", h.healthz)
	r.Get("/readyz", h.readyz)
	r.Get("/metrics", promhttp.Handler().ServeHTTP)
	MountSwagger(r)

	r.Group(func(r chi.Router) {
		r.Use(inflight)
		r.Use(middleware.Compress(5, "application/json"))

		r.Get("/status", h.status)
		r.Get("/sysinfo", h.sysinfo)
		r.Get("/models", h.models)
		r.Post("/models/select", h.selectModel)
		r.Get("/bundles", h.bundles)

		r.Route("/downloads", func(r chi.Router) {
			r.Get("/", h.listDownloads)
			r.Post("/", h.startDownload)
			r.Get("/{id}", h.getDownload)
			r.Post("/{id}/cancel", h.cancelDownload)
			r.Post("/{id}/resolve", h.resolveDownload)
		})

		r.Get("/server", h.serverStatus)
		r.Post("/server/start", h.startServer)
		r.Post("/server/stop", h.stopServer)

		r.Get("/chat", h.transcript)
		r.Post("/chat", h.chat)
		r.Post("/chat/undo", h.undo)
		r.Post("/chat/clear", h.clear)
		r.Post("/chat/persona", h.persona)
	})

	r.With(inflight).Get("/events", h.events)
	return r
}

func orDefault(v []string, def ...string) []string {
	if len(v) == 0 {
		return def
	}
	return v
}

// decodeJSON enforces the content type and body limit. It writes the error
// response itself and reports whether the handler should continue.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	ct := r.Header.Get("Content-Type")
	if ct == "" || !strings.HasPrefix(strings.ToLower(ct), "application/json") {
		writeJSONError(w, http.StatusUnsupportedMediaType, "Content-Type must be application/json", "")
		return false
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid JSON body", "invalid")
		return false
	}
	return true
}

// decodeOptionalJSON accepts an empty body.
func decodeOptionalJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	if r.ContentLength == 0 {
		return true
	}
	return decodeJSON(w, r, v)
}

func (h handlers) healthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// readyz reports whether the main inference server is ready for chat.
func (h handlers) readyz(w http.ResponseWriter, r *http.Request) {
	if h.svc.Ready() {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("not ready"))
}

// status godoc
// @Summary  Daemon status
// @Tags     status
// @Produce  json
// @Success  200 {object} types.StatusResponse
// @Router   /status [get]
func (h handlers) status(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.svc.Status())
}

func (h handlers) sysinfo(w http.ResponseWriter, r *http.Request) {
	s, err := h.svc.Sysinfo(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s)
}

// models godoc
// @Summary  List model files
// @Tags     models
// @Produce  json
// @Success  200 {object} types.ModelsResponse
// @Failure  500 {object} types.ErrorResponse
// @Router   /models [get]
func (h handlers) models(w http.ResponseWriter, r *http.Request) {
	m, err := h.svc.Models()
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, types.ModelsResponse{Models: m})
}

func (h handlers) selectModel(w http.ResponseWriter, r *http.Request) {
	var req types.SelectModelRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Model) == "" {
		writeJSONError(w, http.StatusBadRequest, "model is required", "invalid")
		return
	}
	if err := h.svc.SelectModel(req.Model); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h handlers) bundles(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, types.BundlesResponse{Bundles: h.svc.Bundles()})
}

func (h handlers) listDownloads(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, types.DownloadsResponse{Downloads: h.svc.Downloads()})
}

// startDownload godoc
// @Summary  Start a download queue
// @Description Queues a catalog bundle or explicit URLs. The queue runs in the
// @Description background; poll GET /downloads/{id} or follow /events.
// @Tags     downloads
// @Accept   json
// @Produce  json
// @Param    request body types.DownloadRequest true "Download request"
// @Success  202 {object} types.DownloadStatus
// @Failure  400 {object} types.ErrorResponse
// @Failure  404 {object} types.ErrorResponse
// @Router   /downloads [post]
func (h handlers) startDownload(w http.ResponseWriter, r *http.Request) {
	var req types.DownloadRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	st, err := h.svc.StartDownload(req)
	if err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("Location", "/downloads/"+st.ID)
	writeJSON(w, http.StatusAccepted, st)
}

func (h handlers) getDownload(w http.ResponseWriter, r *http.Request) {
	st, err := h.svc.Download(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (h handlers) cancelDownload(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.svc.CancelDownload(id); err != nil {
		writeError(w, err)
		return
	}
	st, err := h.svc.Download(id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, st)
}

// resolveDownload godoc
// @Summary  Answer a pending file conflict
// @Tags     downloads
// @Accept   json
// @Param    id path string true "Queue id"
// @Param    request body types.ResolveRequest true "resume, overwrite or abort"
// @Success  204
// @Failure  400 {object} types.ErrorResponse
// @Failure  409 {object} types.ErrorResponse
// @Router   /downloads/{id}/resolve [post]
func (h handlers) resolveDownload(w http.ResponseWriter, r *http.Request) {
	var req types.ResolveRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := h.svc.ResolveDownload(chi.URLParam(r, "id"), req.Resolution); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h handlers) serverStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.svc.Status().Server)
}

// startServer godoc
// @Summary  Start the main or captioning server
// @Tags     server
// @Accept   json
// @Produce  json
// @Param    request body types.ServerRequest false "Role, model and wait flag"
// @Success  200 {object} types.ServerStatus
// @Failure  409 {object} types.ErrorResponse
// @Failure  503 {object} types.ErrorResponse
// @Router   /server/start [post]
func (h handlers) startServer(w http.ResponseWriter, r *http.Request) {
	var req types.ServerRequest
	if !decodeOptionalJSON(w, r, &req) {
		return
	}
	ctx, cancel := joinContexts(serverBaseCtx, r.Context())
	defer cancel()
	st, err := h.svc.StartServer(ctx, req)
	if err != nil {
		if r.Context().Err() != nil {
			return
		}
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (h handlers) stopServer(w http.ResponseWriter, r *http.Request) {
	var req types.ServerRequest
	if !decodeOptionalJSON(w, r, &req) {
		return
	}
	st, err := h.svc.StopServer(req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// chat godoc
// @Summary  Run one chat turn
// @Description Text turns go straight to the main server. Turns with an
// @Description image_path swap to the captioning server first. Only one turn
// @Description runs at a time; a concurrent request gets 409.
// @Tags     chat
// @Accept   json
// @Produce  json
// @Param    request body types.ChatRequest true "Chat turn"
// @Success  200 {object} types.ChatResponse
// @Failure  400 {object} types.ErrorResponse
// @Failure  409 {object} types.ErrorResponse
// @Failure  502 {object} types.ErrorResponse
// @Failure  503 {object} types.ErrorResponse
// @Router   /chat [post]
func (h handlers) chat(w http.ResponseWriter, r *http.Request) {
	var req types.ChatRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Message) == "" && req.ImagePath == "" {
		writeJSONError(w, http.StatusBadRequest, "message is required", "invalid")
		return
	}
	ctx, cancel := joinContexts(serverBaseCtx, r.Context())
	defer cancel()
	if chatTimeout > 0 {
		var tcancel context.CancelFunc
		ctx, tcancel = context.WithTimeout(ctx, chatTimeout)
		defer tcancel()
	}
	rep, err := h.svc.Chat(ctx, req)
	if err != nil {
		if r.Context().Err() != nil || serverBaseCtx.Err() != nil {
			return
		}
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rep)
}

func (h handlers) transcript(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.svc.Transcript())
}

func (h handlers) undo(w http.ResponseWriter, r *http.Request) {
	u, err := h.svc.Undo()
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, u)
}

func (h handlers) clear(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.ClearChat(); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// persona godoc
// @Summary  Rename the speakers or replace the system prompt
// @Tags     chat
// @Accept   json
// @Produce  json
// @Param    request body types.PersonaRequest true "Persona fields to change"
// @Success  200 {object} types.TranscriptResponse
// @Failure  400 {object} types.ErrorResponse
// @Router   /chat/persona [post]
func (h handlers) persona(w http.ResponseWriter, r *http.Request) {
	var req types.PersonaRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	tr, err := h.svc.SetPersona(req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, tr)
}
