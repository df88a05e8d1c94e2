package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-playground/validator/v10"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/lead-pipeline/internal/model"
	"github.com/sells-group/lead-pipeline/internal/pipeline"
	"github.com/sells-group/lead-pipeline/internal/progress"
	"github.com/sells-group/lead-pipeline/internal/scheduler"
	"github.com/sells-group/lead-pipeline/internal/store"
)

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API for sessions and runs",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initEnv(ctx, "serve")
		if err != nil {
			return err
		}
		defer env.Close()

		a := newAPI(ctx, env.Store, env.Pipeline, env.Tracker, env.Search.QueueStatus)
		err = startServer(ctx, buildRouter(a, cfg.Server.CORSOrigins), resolvePort(servePort, cfg.Server.Port))
		a.Wait()
		return err
	},
}

// api serves sessions over HTTP. Runs started through it execute in the
// background under the server's context.
type api struct {
	store    store.Store
	pipeline *pipeline.Pipeline
	tracker  *progress.Tracker
	queue    func() scheduler.Status
	validate *validator.Validate

	baseCtx context.Context
	wg      sync.WaitGroup
	mu      sync.Mutex
	running map[string]bool
}

func newAPI(ctx context.Context, st store.Store, p *pipeline.Pipeline, tr *progress.Tracker, queue func() scheduler.Status) *api {
	return &api{
		store:    st,
		pipeline: p,
		tracker:  tr,
		queue:    queue,
		validate: validator.New(),
		baseCtx:  ctx,
		running:  make(map[string]bool),
	}
}

// Wait blocks until background runs return.
func (a *api) Wait() { a.wg.Wait() }

func buildRouter(a *api, origins []string) chi.Router {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(requestLogger)
	r.Use(chimw.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		MaxAge:         300,
	}))

	r.Get("/health", a.health)
	r.Route("/v1", func(r chi.Router) {
		r.Get("/queue", a.queueStatus)
		r.Get("/sessions", a.listSessions)
		r.Post("/sessions", a.createSession)
		r.Route("/sessions/{id}", func(r chi.Router) {
			r.Get("/", a.getSession)
			r.Post("/run", a.runSession)
			r.Post("/stages/{stage}", a.runStage)
			r.Get("/usage", a.usage)
		})
	})
	return r
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		zap.L().Debug("http request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("duration", time.Since(start)),
			zap.String("request_id", chimw.GetReqID(r.Context())),
		)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		zap.L().Warn("write response", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// storeError maps a store error to a response.
func storeError(w http.ResponseWriter, err error) {
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}
	zap.L().Error("store request failed", zap.Error(err))
	writeError(w, http.StatusInternalServerError, "internal error")
}

func (a *api) health(w http.ResponseWriter, r *http.Request) {
	if err := a.store.Ping(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (a *api) queueStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, a.queue())
}

type createSessionRequest struct {
	Topic    string   `json:"topic" validate:"required,min=2,max=200"`
	Expand   *bool    `json:"expand"`
	Keywords []string `json:"keywords" validate:"omitempty,max=20,dive,required,max=200"`
}

func (a *api) createSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := a.validate.Struct(req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	expand := cfg.Pipeline.ExpandQueries
	if req.Expand != nil {
		expand = *req.Expand
	}
	sess, queries, err := a.pipeline.CreateSession(r.Context(), req.Topic, expand)
	if err != nil {
		zap.L().Error("create session", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "could not create session")
		return
	}
	if len(req.Keywords) > 0 {
		added, err := a.store.AddQueries(r.Context(), sess.ID, req.Keywords)
		if err != nil {
			storeError(w, err)
			return
		}
		queries = append(queries, added...)
	}
	writeJSON(w, http.StatusCreated, map[string]any{"session": sess, "queries": queries})
}

func (a *api) listSessions(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	sessions, err := a.store.ListSessions(r.Context(), store.SessionFilter{
		Status: model.SessionStatus(r.URL.Query().Get("status")),
		Limit:  limit,
	})
	if err != nil {
		storeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": sessions})
}

func (a *api) getSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	report, err := loadReport(r.Context(), a.store, id)
	if err != nil {
		storeError(w, err)
		return
	}
	report.Progress = a.tracker.Session(id)
	writeJSON(w, http.StatusOK, report)
}

func (a *api) usage(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := a.store.GetSession(r.Context(), id); err != nil {
		storeError(w, err)
		return
	}
	usage, err := a.store.UsageBySession(r.Context(), id)
	if err != nil {
		storeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"session_id": id, "usage": usage})
}

func (a *api) runSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	a.start(w, r, id, "run", func(ctx context.Context) (any, error) {
		return a.pipeline.RunSession(ctx, id)
	})
}

func (a *api) runStage(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	stage, ok := model.ParseStage(chi.URLParam(r, "stage"))
	if !ok || stage == model.StageQueryExpansion {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown stage %q", chi.URLParam(r, "stage")))
		return
	}
	a.start(w, r, id, string(stage), func(ctx context.Context) (any, error) {
		return a.pipeline.RunStage(ctx, id, stage)
	})
}

// start runs fn in the background for an existing session. A session runs
// at most once at a time per server.
func (a *api) start(w http.ResponseWriter, r *http.Request, id, what string, fn func(context.Context) (any, error)) {
	if _, err := a.store.GetSession(r.Context(), id); err != nil {
		storeError(w, err)
		return
	}

	a.mu.Lock()
	if a.running[id] {
		a.mu.Unlock()
		writeError(w, http.StatusConflict, "session is already running")
		return
	}
	a.running[id] = true
	a.mu.Unlock()

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		defer func() {
			a.mu.Lock()
			delete(a.running, id)
			a.mu.Unlock()
		}()

		log := zap.L().With(zap.String("session_id", id), zap.String("task", what))
		if _, err := fn(a.baseCtx); err != nil {
			log.Error("background task failed", zap.Error(err))
			return
		}
		log.Info("background task complete")
	}()

	writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted", "session_id": id, "task": what})
}

// resolvePort prefers the --port flag over the configured port.
func resolvePort(flagPort, cfgPort int) int {
	if flagPort != 0 {
		return flagPort
	}
	return cfgPort
}

// startServer serves handler on port until ctx is cancelled, then shuts
// down gracefully.
func startServer(ctx context.Context, handler http.Handler, port int) error {
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		<-ctx.Done()
		zap.L().Info("shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
		errCh <- srv.Shutdown(shutdownCtx)
	}()

	zap.L().Info("starting server", zap.Int("port", port))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return eris.Wrap(err, "server listen")
	}
	return eris.Wrap(<-errCh, "server shutdown")
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "server port (default from config)")
	rootCmd.AddCommand(serveCmd)
}
