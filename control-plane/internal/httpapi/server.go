package httpapi

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"deploy-relay/control-plane/internal/gitutil"
	"deploy-relay/control-plane/internal/jenkins"
	"deploy-relay/control-plane/internal/logstream"
	"deploy-relay/control-plane/internal/store"
)

type BuildTrigger interface {
	TriggerBuild(ctx context.Context, p jenkins.BuildParams) (int64, error)
}

type CommitResolver interface {
	LatestCommit(ctx context.Context, repoURL, branch string) (gitutil.Commit, error)
}

type BuildWatcher interface {
	Watch(deployID, queueID int64) bool
}

type LogCollector interface {
	Start(deployID int64)
	Finish(ctx context.Context, deployID int64) (string, error)
}

type URLPresigner interface {
	PresignedGetURL(ctx context.Context, objectKey string, expiry time.Duration) (string, error)
}

// Options wires the server. Store, Sink and Lifecycle are required; the
// rest switch features off when nil.
type Options struct {
	Store     store.Store
	Sink      logstream.Sink
	Lifecycle *logstream.Lifecycle

	Jenkins   BuildTrigger
	Commits   CommitResolver
	Watcher   BuildWatcher
	Collector LogCollector
	Presigner URLPresigner

	WebhookSecret string
	Metrics       http.Handler
	Logger        *slog.Logger
}

type Server struct {
	store     store.Store
	sink      logstream.Sink
	lifecycle *logstream.Lifecycle

	jenkins   BuildTrigger
	commits   CommitResolver
	watcher   BuildWatcher
	collector LogCollector
	presigner URLPresigner

	webhookSecret string
	metrics       http.Handler
	logger        *slog.Logger
}

func New(opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		store:         opts.Store,
		sink:          opts.Sink,
		lifecycle:     opts.Lifecycle,
		jenkins:       opts.Jenkins,
		commits:       opts.Commits,
		watcher:       opts.Watcher,
		collector:     opts.Collector,
		presigner:     opts.Presigner,
		webhookSecret: opts.WebhookSecret,
		metrics:       opts.Metrics,
		logger:        logger,
	}
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.handleHealth)
	if s.metrics != nil {
		mux.Handle("GET /metrics", s.metrics)
	}

	mux.HandleFunc("POST /api/deploy/{$}", s.handleTrigger)
	mux.HandleFunc("GET /api/deploy/{id}", s.handleGetDeploy)
	mux.HandleFunc("GET /api/deploy/user/{user_id}", s.handleUserDeploys)
	mux.HandleFunc("POST /api/deploy/log/{deploy_id}", s.handleReportLog)
	mux.HandleFunc("GET /api/deploy/log/{deploy_id}", s.handleArchivedLog)
	mux.HandleFunc("GET /api/ws/deploy/{deploy_id}", s.handleDeployStream)

	mux.HandleFunc("POST /webhooks/github", s.handleGitHubWebhook)

	return s.recovery(s.logging(withCORS(mux)))
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}

// pathID parses a positive int64 path value, answering 400 when it is not.
func pathID(w http.ResponseWriter, r *http.Request, name string) (int64, bool) {
	id, err := strconv.ParseInt(r.PathValue(name), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, "invalid "+name)
		return 0, false
	}
	return id, true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, map[string]string{"detail": detail})
}
