// Package server exposes the pipeline over HTTP.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"voicecloner/internal/pkg/voicecloner/artifact"
	"voicecloner/internal/pkg/voicecloner/engine"
	"voicecloner/internal/pkg/voicecloner/errs"
	"voicecloner/internal/pkg/voicecloner/pipeline"
)

const defaultMaxUpload = 32 << 20

type Runner interface {
	Run(ctx context.Context, req pipeline.Request) (*pipeline.Result, error)
}

type EngineStatus interface {
	State() engine.EngineState
	Ping(ctx context.Context) error
}

type Outputs interface {
	List() ([]artifact.Artifact, error)
	Open(name string) (*os.File, error)
}

type Config struct {
	DefaultProvider string
	// UploadDir holds reference uploads while a request runs. Defaults to the
	// system temp dir.
	UploadDir string
	MaxUpload int64
}

type Server struct {
	cfg     Config
	runner  Runner
	engine  EngineStatus
	outputs Outputs
}

func New(cfg Config, runner Runner, eng EngineStatus, outputs Outputs) *Server {
	if cfg.UploadDir == "" {
		cfg.UploadDir = os.TempDir()
	}
	if cfg.MaxUpload <= 0 {
		cfg.MaxUpload = defaultMaxUpload
	}
	return &Server{cfg: cfg, runner: runner, engine: eng, outputs: outputs}
}

func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(accessLog)
	r.Use(chimiddleware.Recoverer)

	r.Get("/health", s.health)
	r.Route("/v1", func(r chi.Router) {
		r.Post("/speech", s.speech)
		r.Get("/outputs", s.listOutputs)
		r.Get("/outputs/{name}", s.getOutput)
	})
	return r
}

type healthResponse struct {
	Status   string        `json:"status"`
	Provider string        `json:"provider"`
	Engine   engineSummary `json:"engine"`
	Error    string        `json:"error,omitempty"`
}

type engineSummary struct {
	Model  string `json:"model"`
	Device string `json:"device"`
	Ready  bool   `json:"ready"`
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	st := s.engine.State()
	resp := healthResponse{
		Status:   "ok",
		Provider: s.cfg.DefaultProvider,
		Engine:   engineSummary{Model: st.Model, Device: string(st.Device), Ready: st.Ready},
	}
	status := http.StatusOK

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()
	if err := s.engine.Ping(ctx); err != nil {
		resp.Status = "degraded"
		resp.Error = err.Error()
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, resp)
}

type speechResponse struct {
	ID        string    `json:"id"`
	Output    string    `json:"output"`
	URL       string    `json:"url"`
	Text      string    `json:"text"`
	CreatedAt time.Time `json:"created_at"`
}

type errorResponse struct {
	ID            string `json:"id"`
	ErrorKind     string `json:"error_kind"`
	Message       string `json:"message"`
	GeneratedText string `json:"generated_text,omitempty"`
}

func (s *Server) speech(w http.ResponseWriter, r *http.Request) {
	id := uuid.NewString()
	logger := log.With().Str("id", id).Str("request_id", chimiddleware.GetReqID(r.Context())).Logger()

	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxUpload)
	if err := r.ParseMultipartForm(s.cfg.MaxUpload); err != nil {
		writeError(w, id, errs.Ef(errs.KindInvalidRequest, "server", "invalid multipart form: %v", err), "")
		return
	}
	defer r.MultipartForm.RemoveAll()

	file, _, err := r.FormFile("reference")
	if err != nil {
		writeError(w, id, errs.Ef(errs.KindInvalidRequest, "server", "reference audio file is required"), "")
		return
	}
	defer file.Close()

	refPath, err := s.storeUpload(id, file)
	if err != nil {
		writeError(w, id, errs.E(errs.KindPersistenceError, "server", err), "")
		return
	}
	defer os.Remove(refPath)

	logger.Info().Str("provider", r.FormValue("provider")).Str("language", r.FormValue("language")).Msg("Speech requested")

	res, err := s.runner.Run(r.Context(), pipeline.Request{
		Prompt:             r.FormValue("prompt"),
		ReferenceAudioPath: refPath,
		Language:           r.FormValue("language"),
		Provider:           r.FormValue("provider"),
		Tone:               r.FormValue("tone"),
	})
	if err != nil {
		text := ""
		if res != nil {
			text = res.GeneratedText
		}
		writeError(w, id, err, text)
		return
	}

	writeJSON(w, http.StatusOK, speechResponse{
		ID:        id,
		Output:    res.Artifact.Name,
		URL:       "/v1/outputs/" + res.Artifact.Name,
		Text:      res.GeneratedText,
		CreatedAt: res.Artifact.CreatedAt,
	})
}

func (s *Server) storeUpload(id string, src io.Reader) (string, error) {
	path := filepath.Join(s.cfg.UploadDir, "voicecloner-"+id+".wav")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
	if err != nil {
		return "", fmt.Errorf("store upload: %w", err)
	}
	if _, err := io.Copy(f, src); err != nil {
		f.Close()
		os.Remove(path)
		return "", fmt.Errorf("store upload: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(path)
		return "", fmt.Errorf("store upload: %w", err)
	}
	return path, nil
}

func (s *Server) listOutputs(w http.ResponseWriter, r *http.Request) {
	list, err := s.outputs.List()
	if err != nil {
		writeError(w, "", errs.E(errs.KindPersistenceError, "server", err), "")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"outputs": list, "count": len(list)})
}

func (s *Server) getOutput(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	f, err := s.outputs.Open(name)
	if errors.Is(err, fs.ErrNotExist) {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "output not found"})
		return
	}
	if err != nil {
		writeError(w, "", errs.E(errs.KindPersistenceError, "server", err), "")
		return
	}
	defer f.Close()

	fi, err := f.Stat()
	if err != nil {
		writeError(w, "", errs.E(errs.KindPersistenceError, "server", err), "")
		return
	}
	w.Header().Set("Content-Type", "audio/wav")
	http.ServeContent(w, r, name, fi.ModTime(), f)
}

// StatusFor maps an error kind onto an HTTP status.
func StatusFor(kind errs.Kind) int {
	switch kind {
	case errs.KindInvalidRequest:
		return http.StatusBadRequest
	case errs.KindInvalidReferenceAudio:
		return http.StatusUnprocessableEntity
	case errs.KindMissingCredential, errs.KindProviderUnavailable, errs.KindModelLoadError:
		return http.StatusServiceUnavailable
	case errs.KindProviderResponseError:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, id string, err error, text string) {
	kind := errs.KindOf(err)
	writeJSON(w, StatusFor(kind), errorResponse{
		ID:            id,
		ErrorKind:     string(kind),
		Message:       errs.Message(err),
		GeneratedText: text,
	})
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := chimiddleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		log.Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Int("bytes", ww.BytesWritten()).
			Str("request_id", chimiddleware.GetReqID(r.Context())).
			Dur("elapsed", time.Since(start)).
			Msg("HTTP request")
	})
}
