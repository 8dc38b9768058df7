// Package server exposes the trust pipeline over HTTP.
package server

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/mining-wb/MM-TrustBench/internal/dataset"
	"github.com/mining-wb/MM-TrustBench/internal/hash"
	"github.com/mining-wb/MM-TrustBench/internal/records"
	"github.com/mining-wb/MM-TrustBench/internal/trust"
	"github.com/mining-wb/MM-TrustBench/pkg/types"
)

var (
	errBadRequest = errors.New("bad request")
	errTooLarge   = errors.New("request body too large")
)

// Processor is the pipeline capability the facade serves.
type Processor interface {
	Process(ctx context.Context, img types.Image, question string) types.Verdict
}

// RecordStore persists evaluations. *records.Store implements it.
type RecordStore interface {
	Save(ctx context.Context, rec *records.Record) error
	List(ctx context.Context, limit int) ([]records.Record, error)
}

// Options are the optional collaborators of a Server.
type Options struct {
	Records RecordStore
	Logger  *zap.Logger
	// Registry receives the facade metrics and backs /metrics. It must not
	// already hold them.
	Registry *prometheus.Registry
	Now      func() time.Time
}

// Server answers evaluate requests with the trust pipeline.
type Server struct {
	cfg      Config
	pipeline Processor
	records  RecordStore
	logger   *zap.Logger
	registry *prometheus.Registry
	metrics  *Metrics
	cache    *verdictCache
	group    singleflight.Group
	now      func() time.Time
}

func New(cfg Config, pipeline Processor, opts Options) *Server {
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = DefaultConfig().MaxBodyBytes
	}
	s := &Server{
		cfg:      cfg,
		pipeline: pipeline,
		records:  opts.Records,
		logger:   opts.Logger,
		registry: opts.Registry,
		cache:    newVerdictCache(time.Duration(cfg.CacheTTLSeconds) * time.Second),
		now:      opts.Now,
	}
	if s.logger == nil {
		s.logger = zap.NewNop()
	}
	if s.now == nil {
		s.now = time.Now
	}
	if s.registry != nil {
		s.metrics = NewMetrics(s.registry)
	}
	return s
}

// Handler returns the facade routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/ping", s.route("ping", http.HandlerFunc(handlePing)))
	mux.Handle("/healthz", s.route("healthz", HealthHandler()))
	mux.Handle("/api/v1/evaluate", s.route("evaluate", http.HandlerFunc(s.handleEvaluate)))
	mux.Handle("/api/v1/records", s.route("records", http.HandlerFunc(s.handleRecords)))
	if s.registry != nil {
		mux.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))
	}
	return mux
}

// ListenAndServe serves on cfg.Addr until ctx is done.
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("http listen: %w", err)
	}
	return s.Serve(ctx, ln)
}

// Serve accepts connections on ln until ctx is done, then shuts down
// gracefully.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	tls := s.cfg.TLSCertPath != "" && s.cfg.TLSKeyPath != ""
	errCh := make(chan error, 1)
	go func() {
		if tls {
			errCh <- srv.ServeTLS(ln, s.cfg.TLSCertPath, s.cfg.TLSKeyPath)
			return
		}
		errCh <- srv.Serve(ln)
	}()
	s.logger.Info("serving", zap.String("addr", ln.Addr().String()), zap.Bool("tls", tls))

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("http serve: %w", err)
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}
	return nil
}

// HealthHandler returns an HTTP handler for liveness and readiness probes.
func HealthHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
}

func handlePing(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type evaluateRequest struct {
	Question    string `json:"question"`
	ImagePath   string `json:"image_path"`
	ImageBase64 string `json:"image_base64"`
}

type evaluateResponse struct {
	FinalAnswer string `json:"final_answer"`
	Evidence    string `json:"evidence"`
	SelfCheck   string `json:"self_check"`
}

type errorBody struct {
	Error string `json:"error"`
}

func (s *Server) handleEvaluate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		writeJSON(w, http.StatusMethodNotAllowed, errorBody{Error: "method not allowed"})
		return
	}
	question, img, err := s.decodeEvaluate(w, r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	v := s.evaluate(r.Context(), question, img)
	writeJSON(w, http.StatusOK, evaluateResponse{
		FinalAnswer: string(v.Answer),
		Evidence:    v.Evidence,
		SelfCheck:   v.SelfCheck,
	})
}

// evaluate runs the pipeline once per distinct (image, question) in
// flight and serves repeats from the cache. Transport failures are not
// cached.
func (s *Server) evaluate(ctx context.Context, question string, img types.Image) types.Verdict {
	digest := hash.DigestBytes(img.Data)
	key := digest + "\n" + question
	if v, ok := s.cache.get(key, s.now()); ok {
		s.metrics.cacheHit()
		return v
	}
	// Waiters share the leader's call, so it must outlive the leader's request.
	ctx = context.WithoutCancel(ctx)
	v, _, _ := s.group.Do(key, func() (any, error) {
		if v, ok := s.cache.get(key, s.now()); ok {
			s.metrics.cacheHit()
			return v, nil
		}
		verdict := s.pipeline.Process(ctx, img, question)
		s.metrics.evaluation(string(verdict.Answer))
		if verdict.Raw != trust.FailureSentinel {
			s.cache.put(key, verdict, s.now())
		}
		s.persist(ctx, question, img.Name, digest, verdict)
		return verdict, nil
	})
	return v.(types.Verdict)
}

func (s *Server) persist(ctx context.Context, question, imageName, digest string, v types.Verdict) {
	if s.records == nil {
		return
	}
	rec := &records.Record{
		Question:    question,
		ImageName:   imageName,
		ImageSHA256: digest,
		FinalAnswer: string(v.Answer),
		Evidence:    v.Evidence,
		SelfCheck:   v.SelfCheck,
		ModelAnswer: v.Raw,
	}
	if err := s.records.Save(ctx, rec); err != nil {
		s.logger.Warn("persist evaluation failed", zap.String("image", imageName), zap.Error(err))
	}
}

func (s *Server) decodeEvaluate(w http.ResponseWriter, r *http.Request) (string, types.Image, error) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return "", types.Image{}, fmt.Errorf("%w: limit is %d bytes", errTooLarge, tooLarge.Limit)
		}
		return "", types.Image{}, fmt.Errorf("%w: read body: %v", errBadRequest, err)
	}
	var req evaluateRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return "", types.Image{}, fmt.Errorf("%w: decode request: %v", errBadRequest, err)
	}
	question := strings.TrimSpace(req.Question)
	if question == "" {
		return "", types.Image{}, fmt.Errorf("%w: question is required", errBadRequest)
	}
	img, err := s.requestImage(req)
	if err != nil {
		return "", types.Image{}, err
	}
	return question, img, nil
}

func (s *Server) requestImage(req evaluateRequest) (types.Image, error) {
	if raw := strings.TrimSpace(req.ImageBase64); raw != "" {
		data, err := decodeBase64(raw)
		if err != nil || len(data) == 0 {
			return types.Image{}, fmt.Errorf("%w: image_base64 is not valid base64", errBadRequest)
		}
		return dataset.ImageFromBytes("upload", data), nil
	}
	if p := strings.TrimSpace(req.ImagePath); p != "" {
		return s.rootedImage(p)
	}
	return types.Image{}, fmt.Errorf("%w: image_path or image_base64 is required", errBadRequest)
}

// decodeBase64 accepts bare standard base64 or a data URL.
func decodeBase64(raw string) ([]byte, error) {
	if strings.HasPrefix(raw, "data:") {
		i := strings.Index(raw, ",")
		if i < 0 {
			return nil, errors.New("data url has no payload")
		}
		raw = raw[i+1:]
	}
	return base64.StdEncoding.DecodeString(raw)
}

func (s *Server) rootedImage(p string) (types.Image, error) {
	if s.cfg.ImageRoot == "" {
		return types.Image{}, fmt.Errorf("%w: image_path is disabled on this server", errBadRequest)
	}
	rel := filepath.FromSlash(p)
	if !filepath.IsLocal(rel) {
		return types.Image{}, fmt.Errorf("%w: image_path must stay under the image root", errBadRequest)
	}
	img, err := dataset.LoadImage(filepath.Join(s.cfg.ImageRoot, rel))
	if err != nil {
		return types.Image{}, fmt.Errorf("%w: image_path %s not found", errBadRequest, p)
	}
	return img, nil
}

func (s *Server) handleRecords(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		writeJSON(w, http.StatusMethodNotAllowed, errorBody{Error: "method not allowed"})
		return
	}
	if s.records == nil {
		writeJSON(w, http.StatusNotFound, errorBody{Error: "record store not configured"})
		return
	}
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			s.writeError(w, fmt.Errorf("%w: limit must be a non-negative integer", errBadRequest))
			return
		}
		limit = n
	}
	recs, err := s.records.List(r.Context(), limit)
	if err != nil {
		s.logger.Error("list evaluation records", zap.Error(err))
		s.writeError(w, err)
		return
	}
	if recs == nil {
		recs = []records.Record{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"records": recs})
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, errTooLarge):
		writeJSON(w, http.StatusRequestEntityTooLarge, errorBody{Error: err.Error()})
	case errors.Is(err, errBadRequest):
		writeJSON(w, http.StatusBadRequest, errorBody{Error: err.Error()})
	default:
		writeJSON(w, http.StatusInternalServerError, errorBody{Error: "internal error"})
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

type statusRecorder struct {
	http.ResponseWriter
	code  int
	wrote bool
}

func (r *statusRecorder) WriteHeader(code int) {
	if !r.wrote {
		r.code = code
		r.wrote = true
	}
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	if !r.wrote {
		r.WriteHeader(http.StatusOK)
	}
	return r.ResponseWriter.Write(b)
}

// route records metrics for h and turns a panic into a bare 500.
func (s *Server) route(name string, h http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, code: http.StatusOK}
		defer func() {
			if p := recover(); p != nil {
				s.logger.Error("handler panic", zap.String("route", name), zap.Any("panic", p), zap.Stack("stack"))
				if !rec.wrote {
					writeJSON(rec, http.StatusInternalServerError, errorBody{Error: "internal error"})
				}
				rec.code = http.StatusInternalServerError
			}
			took := time.Since(start)
			s.metrics.request(name, rec.code, took)
			s.logger.Debug("http request",
				zap.String("route", name),
				zap.String("method", r.Method),
				zap.Int("status", rec.code),
				zap.Duration("took", took))
		}()
		h.ServeHTTP(rec, r)
	})
}
