// Package api provides HTTP handlers for the projection tile server.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/vecmap-tiles/server/internal/color"
	"github.com/vecmap-tiles/server/internal/fetch"
	"github.com/vecmap-tiles/server/internal/lod"
	"github.com/vecmap-tiles/server/internal/query"
	"github.com/vecmap-tiles/server/internal/service"
	"github.com/vecmap-tiles/server/internal/session"
	"github.com/vecmap-tiles/server/internal/signer"
	"github.com/vecmap-tiles/server/internal/tile"
	"github.com/vecmap-tiles/server/internal/tilecache"
)

// RouterConfig contains router configuration.
type RouterConfig struct {
	Registry    *ProjectionRegistry
	Service     *service.ProjectionService
	CORSOrigins []string
	// Gatherer serves /metrics; nil uses the default registry.
	Gatherer prometheus.Gatherer
	Logger   *zap.Logger
}

// NewRouter creates a new HTTP router.
func NewRouter(cfg RouterConfig) *chi.Mux {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	gatherer := cfg.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}

	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(requestLogger(logger))
	r.Use(middleware.Recoverer)
	r.Use(middleware.Compress(5))

	// CORS
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	// Health check
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})
	r.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	h := &handlers{registry: cfg.Registry, svc: cfg.Service, logger: logger}

	r.Route("/api", func(r chi.Router) {
		r.Get("/projections", h.projections)
		r.Post("/projections/{projection}/activate", h.activate)

		r.Route("/session", func(r chi.Router) {
			r.Get("/", h.status)
			r.Delete("/", h.closeSession)
			r.Get("/tiles", h.visibleTiles)
			r.Get("/tiles/{z}/{x}/{y}", h.tile)
			r.Get("/render.png", h.render)
			r.Put("/color", h.setColor)
			r.Get("/legend", h.legend)
			r.Get("/hover", h.hover)
			r.Post("/query", h.submitQuery)
			r.Delete("/query", h.clearQuery)
			r.Get("/query/history", h.queryHistory)
			r.Get("/overlay", h.overlay)
		})
	})

	return r
}

// requestLogger logs each request with zap once it completes.
func requestLogger(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)
			logger.Debug("request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Int("bytes", ww.BytesWritten()),
				zap.Duration("elapsed", time.Since(start)),
				zap.String("request_id", middleware.GetReqID(r.Context())))
		})
	}
}

type handlers struct {
	registry *ProjectionRegistry
	svc      *service.ProjectionService
	logger   *zap.Logger
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

// writeError maps service errors to HTTP statuses.
func (h *handlers) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	var resolution *signer.ResolutionError
	var fetchErr *tile.FetchError
	switch {
	case errors.Is(err, session.ErrNoSession):
		status = http.StatusConflict
	case errors.Is(err, query.ErrNotReadOnly), errors.Is(err, query.ErrTooManyRows):
		status = http.StatusBadRequest
	case errors.Is(err, service.ErrNoQuerySource):
		status = http.StatusNotImplemented
	case errors.Is(err, tilecache.ErrNotInManifest):
		status = http.StatusNotFound
	case errors.As(err, &resolution), errors.As(err, &fetchErr), errors.Is(err, fetch.ErrNotFound):
		status = http.StatusBadGateway
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		status = http.StatusServiceUnavailable
	}
	if status >= http.StatusInternalServerError {
		h.logger.Error("request failed", zap.Int("status", status), zap.Error(err))
	}
	http.Error(w, err.Error(), status)
}

// projections returns the list of configured projections.
func (h *handlers) projections(w http.ResponseWriter, r *http.Request) {
	active := ""
	if st, err := h.svc.Status(); err == nil {
		active = st.ProjectionID
	}
	writeJSON(w, map[string]interface{}{
		"default":     h.registry.DefaultProjectionID(),
		"projections": h.registry.Projections(),
		"title":       h.registry.Title(),
		"active":      active,
	})
}

func (h *handlers) activate(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "projection")
	if !h.registry.Has(id) {
		http.Error(w, "projection not found: "+id, http.StatusNotFound)
		return
	}
	st, err := h.svc.Activate(r.Context(), id)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, st)
}

func (h *handlers) status(w http.ResponseWriter, r *http.Request) {
	st, err := h.svc.Status()
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, st)
}

func (h *handlers) closeSession(w http.ResponseWriter, r *http.Request) {
	h.svc.Close()
	w.WriteHeader(http.StatusNoContent)
}

// parseViewport reads width, height, x, y and zoom query params. Width and
// height may be omitted.
func parseViewport(q map[string][]string) (lod.Viewport, error) {
	get := func(k string) string {
		if v := q[k]; len(v) > 0 {
			return strings.TrimSpace(v[0])
		}
		return ""
	}
	var v lod.Viewport
	var err error
	for _, p := range []struct {
		name string
		dst  *float64
	}{
		{"x", &v.TargetX},
		{"y", &v.TargetY},
		{"zoom", &v.Zoom},
	} {
		s := get(p.name)
		if s == "" {
			return v, errors.Newf("missing required query param: %s", p.name)
		}
		if *p.dst, err = strconv.ParseFloat(s, 64); err != nil {
			return v, errors.Newf("invalid %s", p.name)
		}
	}
	for _, p := range []struct {
		name string
		dst  *int
	}{
		{"width", &v.Width},
		{"height", &v.Height},
	} {
		s := get(p.name)
		if s == "" {
			continue
		}
		n, err := strconv.Atoi(s)
		if err != nil || n <= 0 || n > 8192 {
			return v, errors.Newf("invalid %s", p.name)
		}
		*p.dst = n
	}
	return v, nil
}

func (h *handlers) visibleTiles(w http.ResponseWriter, r *http.Request) {
	v, err := parseViewport(r.URL.Query())
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if v.Width == 0 || v.Height == 0 {
		http.Error(w, "missing required query params: width, height", http.StatusBadRequest)
		return
	}
	tiles, err := h.svc.VisibleTiles(r.Context(), v)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, map[string]interface{}{"tiles": tiles})
}

func (h *handlers) tile(w http.ResponseWriter, r *http.Request) {
	var addr tile.Address
	var err error
	for _, p := range []struct {
		name string
		dst  *int
	}{{"z", &addr.Z}, {"x", &addr.X}, {"y", &addr.Y}} {
		*p.dst, err = strconv.Atoi(chi.URLParam(r, p.name))
		if err != nil || *p.dst < 0 {
			http.Error(w, "invalid "+p.name, http.StatusBadRequest)
			return
		}
	}
	limit := 0
	if s := r.URL.Query().Get("limit"); s != "" {
		if limit, err = strconv.Atoi(s); err != nil {
			http.Error(w, "invalid limit", http.StatusBadRequest)
			return
		}
	}
	data, err := h.svc.Tile(r.Context(), addr, limit)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, data)
}

func (h *handlers) render(w http.ResponseWriter, r *http.Request) {
	v, err := parseViewport(r.URL.Query())
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	png, stats, err := h.svc.Render(r.Context(), v)
	if err != nil {
		h.writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("X-Rendered-Points", strconv.Itoa(stats.Points))
	w.Header().Set("X-Overlay-Points", strconv.Itoa(stats.OverlayPoints))
	w.Write(png)
}

func (h *handlers) setColor(w http.ResponseWriter, r *http.Request) {
	var cb *color.ColorBy
	if err := json.NewDecoder(r.Body).Decode(&cb); err != nil {
		http.Error(w, "invalid JSON body", http.StatusBadRequest)
		return
	}
	legend, err := h.svc.SetColorBy(cb)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, legend)
}

func (h *handlers) legend(w http.ResponseWriter, r *http.Request) {
	legend, err := h.svc.Legend()
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, legend)
}

func (h *handlers) hover(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	v, err := parseViewport(q)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	px, errX := strconv.ParseFloat(q.Get("px"), 64)
	py, errY := strconv.ParseFloat(q.Get("py"), 64)
	if errX != nil || errY != nil {
		http.Error(w, "invalid px or py", http.StatusBadRequest)
		return
	}
	hit, err := h.svc.Hover(r.Context(), v, px, py)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, map[string]interface{}{"hit": hit})
}

// queryRequest submits a live filter. Either Query runs against the query
// database, or Hashes and SignedHashes are used as given.
type queryRequest struct {
	Query        string   `json:"query"`
	Hashes       []uint32 `json:"hashes"`
	SignedHashes []int32  `json:"signed_hashes"`
	Wait         bool     `json:"wait"`
}

func (h *handlers) submitQuery(w http.ResponseWriter, r *http.Request) {
	var req queryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid JSON body", http.StatusBadRequest)
		return
	}
	var res *service.QueryResult
	var err error
	switch {
	case len(req.Hashes) > 0 || len(req.SignedHashes) > 0:
		res, err = h.svc.SubmitHashes(r.Context(), req.Query, req.Hashes, req.SignedHashes, req.Wait)
	case strings.TrimSpace(req.Query) != "":
		res, err = h.svc.SubmitQuery(r.Context(), req.Query, req.Wait)
	default:
		http.Error(w, "query or hashes required", http.StatusBadRequest)
		return
	}
	if err != nil {
		h.writeError(w, err)
		return
	}
	if res.OverlayLoading {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusAccepted)
		json.NewEncoder(w).Encode(res)
		return
	}
	writeJSON(w, res)
}

func (h *handlers) clearQuery(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.ClearQuery(); err != nil {
		h.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *handlers) queryHistory(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n <= 0 {
			http.Error(w, "invalid limit", http.StatusBadRequest)
			return
		}
		limit = n
	}
	runs, err := h.svc.History(limit)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, map[string]interface{}{"runs": runs})
}

func (h *handlers) overlay(w http.ResponseWriter, r *http.Request) {
	st, err := h.svc.Overlay()
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, st)
}
