package server

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/loykin/skyrelay/internal/metrics"
	"github.com/loykin/skyrelay/internal/pidfile"
	"github.com/loykin/skyrelay/internal/supervisor"
)

// StatusSource is the read-only view of the supervisor served over HTTP.
type StatusSource interface {
	Status(ctx context.Context) []supervisor.ServiceStatus
	StatusOf(ctx context.Context, name string) (supervisor.ServiceStatus, bool)
	Logs(ctx context.Context, name string, lines int, follow bool, w io.Writer) error
}

// Router provides read-only HTTP handlers over the recorded services.
// Endpoints:
//
//	GET {basePath}/status         every known or recorded service
//	GET {basePath}/status/:name   one service, 404 when unknown
//	GET {basePath}/logs/:name     last lines of a service log, query: lines=N
//	GET /healthz
//	GET /metrics
type Router struct {
	src      StatusSource
	basePath string
	gatherer prometheus.Gatherer
	logger   *slog.Logger
}

// NewRouter wires a router and a metrics registry holding the counters of this
// process and a per-scrape view of the services.
func NewRouter(src StatusSource, basePath string, logger *slog.Logger) (*Router, error) {
	if logger == nil {
		logger = slog.Default()
	}
	reg := prometheus.NewRegistry()
	if err := metrics.Register(reg); err != nil {
		return nil, err
	}
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		metrics.NewServiceCollector(func() []metrics.ServiceSample {
			return Samples(src.Status(context.Background()))
		}),
	)
	return &Router{src: src, basePath: sanitizeBase(basePath), gatherer: reg, logger: logger}, nil
}

// Samples converts service statuses into collector samples.
func Samples(sts []supervisor.ServiceStatus) []metrics.ServiceSample {
	out := make([]metrics.ServiceSample, 0, len(sts))
	for _, st := range sts {
		s := metrics.ServiceSample{Name: st.Name, PID: st.PID, Up: st.Up, Reachable: st.Reachable}
		if st.Slice != nil {
			s.Slice = true
			s.Device = st.Slice.Device
			s.Rotations = st.Slice.Rotations
			s.SliceErrors = st.Slice.Errors
		}
		out = append(out, s)
	}
	return out
}

// Handler returns an http.Handler powered by gin that can be mounted in any server/mux.
func (r *Router) Handler() http.Handler {
	g := gin.New()
	g.Use(gin.Recovery(), r.accessLog)
	g.GET("/healthz", func(c *gin.Context) { writeJSON(c, http.StatusOK, okResp{OK: true}) })
	g.GET("/metrics", gin.WrapH(metrics.HandlerFor(r.gatherer)))
	group := g.Group(r.basePath)
	group.GET("/status", r.handleStatus)
	group.GET("/status/:name", r.handleStatusOf)
	group.GET("/logs/:name", r.handleLogs)
	return g
}

func (r *Router) accessLog(c *gin.Context) {
	start := time.Now()
	c.Next()
	r.logger.Debug("http request",
		"method", c.Request.Method,
		"path", c.Request.URL.Path,
		"status", c.Writer.Status(),
		"duration", time.Since(start))
}

type errorResp struct {
	Error string `json:"error"`
}

type okResp struct {
	OK bool `json:"ok"`
}

func (r *Router) handleStatus(c *gin.Context) {
	writeJSON(c, http.StatusOK, r.src.Status(c.Request.Context()))
}

func (r *Router) handleStatusOf(c *gin.Context) {
	name := c.Param("name")
	if err := pidfile.ValidateName(name); err != nil {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: err.Error()})
		return
	}
	st, ok := r.src.StatusOf(c.Request.Context(), name)
	if !ok {
		writeJSON(c, http.StatusNotFound, errorResp{Error: "unknown service " + name})
		return
	}
	writeJSON(c, http.StatusOK, st)
}

func (r *Router) handleLogs(c *gin.Context) {
	name := c.Param("name")
	if err := pidfile.ValidateName(name); err != nil {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: err.Error()})
		return
	}
	lines := 100
	if v := c.Query("lines"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeJSON(c, http.StatusBadRequest, errorResp{Error: "lines must be a non-negative integer"})
			return
		}
		lines = n
	}
	var b strings.Builder
	if err := r.src.Logs(c.Request.Context(), name, lines, false, &b); err != nil {
		writeJSON(c, http.StatusNotFound, errorResp{Error: err.Error()})
		return
	}
	c.Data(http.StatusOK, "text/plain; charset=utf-8", []byte(b.String()))
}
