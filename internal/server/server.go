// Package server exposes stored articles over a JSON HTTP API.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"newspulse/internal/identity"
	"newspulse/internal/metrics"
	"newspulse/internal/model"
	"newspulse/internal/store"
	"newspulse/internal/worker"
)

const maxTop = 100

type Server struct {
	catalog *store.Catalog
	queue   *worker.Queue
	metrics *metrics.Pipeline
	logger  *zap.Logger
	router  *mux.Router
	handler http.Handler
	server  *http.Server
}

// NewServer builds the API. queue may be nil, which disables POST /ingest.
func NewServer(catalog *store.Catalog, queue *worker.Queue, m *metrics.Pipeline, logger *zap.Logger) *Server {
	s := &Server{
		catalog: catalog,
		queue:   queue,
		metrics: m,
		logger:  logger,
		router:  mux.NewRouter(),
	}
	s.routes()
	// Any origin may call the API.
	s.handler = handlers.CORS(
		handlers.AllowedOrigins([]string{"*"}),
		handlers.AllowedMethods([]string{http.MethodGet, http.MethodPost, http.MethodOptions}),
		handlers.AllowedHeaders([]string{"Content-Type", "Authorization"}),
	)(s.router)
	return s
}

func (s *Server) routes() {
	s.router.HandleFunc("/health", s.handleHealth).Methods("GET")
	s.router.HandleFunc("/news", s.handleNews).Methods("GET")
	s.router.HandleFunc("/news/{id}", s.handleArticle).Methods("GET")
	s.router.HandleFunc("/lookup", s.handleLookup).Methods("GET")
	s.router.HandleFunc("/search", s.handleSearch).Methods("GET")
	s.router.HandleFunc("/sentiment", s.handleSentiment).Methods("GET")
	s.router.HandleFunc("/category", s.handleCategory).Methods("GET")
	s.router.HandleFunc("/date", s.handleDate).Methods("GET")
	s.router.HandleFunc("/keyphrase", s.handleKeyPhrase).Methods("GET")
	s.router.HandleFunc("/stats", s.handleStats).Methods("GET")
	s.router.HandleFunc("/ingest", s.handleIngest).Methods("POST")
	s.router.HandleFunc("/ingest/{id}", s.handleJob).Methods("GET")
	s.router.HandleFunc("/runs/last", s.handleLastRun).Methods("GET")
	s.router.Handle("/metrics", s.metrics.Handler()).Methods("GET")
}

// Handler is the router wrapped in CORS handling.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Start launches the HTTP server
func (s *Server) Start(addr string) error {
	s.server = &http.Server{
		Addr:         addr,
		Handler:      s.handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
	}

	s.logger.Info("API server listening", zap.String("addr", addr))
	return s.server.ListenAndServe()
}

// Stop gracefully shuts down
func (s *Server) Stop(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

// item is the API view of a stored record.
type item struct {
	ID         string   `json:"id"`
	Title      string   `json:"title"`
	Source     string   `json:"source"`
	Date       string   `json:"date"`
	Sentiment  string   `json:"sentiment"`
	Summary    string   `json:"summary"`
	URL        string   `json:"url"`
	KeyPhrases []string `json:"keyphrases"`
	Category   string   `json:"category"`
}

func toItem(a model.EnrichedArticle) item {
	kp := a.KeyPhrases
	if kp == nil {
		kp = []string{}
	}
	return item{
		ID:         a.ID,
		Title:      a.Title,
		Source:     a.Source,
		Date:       a.PublishedAt,
		Sentiment:  string(a.Sentiment),
		Summary:    a.Summary,
		URL:        a.URL,
		KeyPhrases: kp,
		Category:   a.Category,
	}
}

func toItems(as []model.EnrichedArticle) []item {
	out := make([]item, 0, len(as))
	for _, a := range as {
		out = append(out, toItem(a))
	}
	return out
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleNews(w http.ResponseWriter, r *http.Request) {
	top, ok := s.top(w, r, 25)
	if !ok {
		return
	}
	s.list(w, r, store.Filter{Limit: top})
}

func (s *Server) handleArticle(w http.ResponseWriter, r *http.Request) {
	key := mux.Vars(r)["id"]
	if !strings.HasSuffix(key, identity.Suffix) {
		key += identity.Suffix
	}
	key, err := identity.Canonical(key)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid id")
		return
	}
	a, err := s.catalog.Get(r.Context(), key)
	s.one(w, a, err)
}

func (s *Server) handleLookup(w http.ResponseWriter, r *http.Request) {
	url := r.URL.Query().Get("url")
	if url == "" {
		writeError(w, http.StatusBadRequest, "url is required")
		return
	}
	a, err := s.catalog.Lookup(r.Context(), url)
	s.one(w, a, err)
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	q := strings.TrimSpace(r.URL.Query().Get("q"))
	if q == "" {
		writeError(w, http.StatusBadRequest, "q is required")
		return
	}
	top, ok := s.top(w, r, 10)
	if !ok {
		return
	}
	as, err := s.catalog.Search(r.Context(), q, store.Filter{Limit: top})
	if err != nil {
		s.logger.Error("Search failed", zap.String("query", q), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "search failed")
		return
	}
	writeJSON(w, http.StatusOK, toItems(as))
}

func (s *Server) handleSentiment(w http.ResponseWriter, r *http.Request) {
	sentiment, err := model.ParseSentiment(r.URL.Query().Get("type"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "type must be one of positive, neutral, negative, mixed")
		return
	}
	top, ok := s.top(w, r, 20)
	if !ok {
		return
	}
	s.list(w, r, store.Filter{Sentiment: sentiment, Limit: top})
}

func (s *Server) handleCategory(w http.ResponseWriter, r *http.Request) {
	name := strings.TrimSpace(r.URL.Query().Get("name"))
	if name == "" {
		writeError(w, http.StatusBadRequest, "name is required")
		return
	}
	top, ok := s.top(w, r, 20)
	if !ok {
		return
	}
	s.list(w, r, store.Filter{Category: name, Limit: top})
}

func (s *Server) handleDate(w http.ResponseWriter, r *http.Request) {
	from, err := parseBound(r.URL.Query().Get("start"), false)
	if err != nil {
		writeError(w, http.StatusBadRequest, "start must be an RFC 3339 time or a YYYY-MM-DD date")
		return
	}
	to, err := parseBound(r.URL.Query().Get("end"), true)
	if err != nil {
		writeError(w, http.StatusBadRequest, "end must be an RFC 3339 time or a YYYY-MM-DD date")
		return
	}
	if from.IsZero() && to.IsZero() {
		writeError(w, http.StatusBadRequest, "start or end is required")
		return
	}
	if !from.IsZero() && !to.IsZero() && to.Before(from) {
		writeError(w, http.StatusBadRequest, "end is before start")
		return
	}
	top, ok := s.top(w, r, 20)
	if !ok {
		return
	}
	s.list(w, r, store.Filter{From: from, To: to, Limit: top})
}

func (s *Server) handleKeyPhrase(w http.ResponseWriter, r *http.Request) {
	kw := strings.TrimSpace(r.URL.Query().Get("kw"))
	if kw == "" {
		writeError(w, http.StatusBadRequest, "kw is required")
		return
	}
	top, ok := s.top(w, r, 20)
	if !ok {
		return
	}
	s.list(w, r, store.Filter{KeyPhrase: kw, Limit: top})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.catalog.Stats(r.Context())
	if err != nil {
		s.logger.Error("Stats failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "stats failed")
		return
	}
	out := make(map[string]int64, len(stats))
	for k, v := range stats {
		out[string(k)] = v
	}
	writeJSON(w, http.StatusOK, out)
}

type ingestRequest struct {
	Categories []string `json:"categories"`
}

func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	if s.queue == nil {
		writeError(w, http.StatusServiceUnavailable, "ingestion queue is not configured")
		return
	}

	var req ingestRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<16)).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
	}
	categories := make([]string, 0, len(req.Categories))
	for _, c := range req.Categories {
		if c = strings.TrimSpace(c); c != "" {
			categories = append(categories, model.NormalizeCategory(c))
		}
	}

	job, err := s.queue.Enqueue(r.Context(), categories, "api")
	if err != nil {
		s.logger.Error("Failed to queue ingestion", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to queue ingestion")
		return
	}
	s.logger.Info("Ingestion queued", zap.String("job_id", job.ID.String()), zap.Strings("categories", categories))
	writeJSON(w, http.StatusAccepted, map[string]string{"job_id": job.ID.String()})
}

func (s *Server) handleJob(w http.ResponseWriter, r *http.Request) {
	if s.queue == nil {
		writeError(w, http.StatusServiceUnavailable, "ingestion queue is not configured")
		return
	}
	id, err := uuid.Parse(mux.Vars(r)["id"])
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid job id")
		return
	}
	job, err := s.queue.Job(r.Context(), id)
	if errors.Is(err, worker.ErrJobNotFound) {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}
	if err != nil {
		s.logger.Error("Failed to load job", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to load job")
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleLastRun(w http.ResponseWriter, r *http.Request) {
	if s.queue == nil {
		writeError(w, http.StatusServiceUnavailable, "ingestion queue is not configured")
		return
	}
	report, err := s.queue.LastReport(r.Context())
	if errors.Is(err, worker.ErrJobNotFound) {
		writeError(w, http.StatusNotFound, "no run recorded")
		return
	}
	if err != nil {
		s.logger.Error("Failed to load last run", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to load last run")
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *Server) list(w http.ResponseWriter, r *http.Request, f store.Filter) {
	as, err := s.catalog.List(r.Context(), f)
	if err != nil {
		s.logger.Error("Failed to list articles", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "database error")
		return
	}
	writeJSON(w, http.StatusOK, toItems(as))
}

func (s *Server) one(w http.ResponseWriter, a model.EnrichedArticle, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, "article not found")
	case errors.Is(err, identity.ErrEmptyURL):
		writeError(w, http.StatusBadRequest, err.Error())
	case err != nil:
		s.logger.Error("Failed to load article", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "database error")
	default:
		writeJSON(w, http.StatusOK, toItem(a))
	}
}

// top parses the result limit, writing a 400 when it is malformed.
func (s *Server) top(w http.ResponseWriter, r *http.Request, def int) (int, bool) {
	raw := r.URL.Query().Get("top")
	if raw == "" {
		return def, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 {
		writeError(w, http.StatusBadRequest, "top must be a positive integer")
		return 0, false
	}
	if n > maxTop {
		n = maxTop
	}
	return n, true
}

// parseBound accepts RFC 3339 or a bare date; a bare end date covers the whole day.
func parseBound(raw string, end bool) (time.Time, error) {
	if raw == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return t.UTC(), nil
	}
	d, err := time.Parse("2006-01-02", raw)
	if err != nil {
		return time.Time{}, err
	}
	if end {
		d = d.Add(24*time.Hour - time.Second)
	}
	return d, nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
