// Package hostapi implements the host agent's small HTTP+JSON control API:
// metric registration, memory layout, and the RDMA queue pair / memory
// region exchange a remote collector drives to bring up its one-sided reads.
package hostapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	promcollectors "github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/prometheus/exporter-toolkit/web"

	"github.com/alessandrocornacchia/uview/internal/runtime"
	"github.com/alessandrocornacchia/uview/pkg/codec"
	"github.com/alessandrocornacchia/uview/pkg/memplane"
	"github.com/alessandrocornacchia/uview/pkg/rdmafabric"
)

// Custom errors.
var (
	ErrMissingField = errors.New("hostapi: missing required field")
	ErrBadGID       = errors.New("hostapi: malformed queue pair GID")
)

// WebConfig configures the HTTP listener.
type WebConfig struct {
	Addresses              []string
	WebSystemdSocket       bool
	WebConfigFile          string
	IncludeExporterMetrics bool
}

// Config constructs a Server.
type Config struct {
	Logger *slog.Logger
	Web    WebConfig
	Pool   *memplane.Pool
	QPs    *rdmafabric.QueuePairPool
	MRs    []*rdmafabric.MemoryRegion
}

// Server is the host agent's control API.
type Server struct {
	logger    *slog.Logger
	server    *http.Server
	webConfig *web.FlagConfig
	pool      *memplane.Pool
	qps       *rdmafabric.QueuePairPool
	mrs       []*rdmafabric.MemoryRegion
	registry  *prometheus.Registry
	requests  *prometheus.CounterVec
}

// NewServer builds the control API's router and HTTP server, ready for
// Start. Self-metrics are registered the way the teacher's exporter server
// wires process/Go collectors into its own registry.
func NewServer(c Config) (*Server, error) {
	if c.Logger == nil {
		c.Logger = slog.New(slog.DiscardHandler)
	}

	s := &Server{
		logger:   c.Logger,
		pool:     c.Pool,
		qps:      c.QPs,
		mrs:      c.MRs,
		registry: prometheus.NewRegistry(),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "uview_host",
			Name:      "api_requests_total",
			Help:      "Total number of control API requests by route and status.",
		}, []string{"route", "status"}),
	}

	if c.Web.IncludeExporterMetrics {
		s.registry.MustRegister(
			promcollectors.NewProcessCollector(promcollectors.ProcessCollectorOpts{}),
			promcollectors.NewGoCollector(),
		)
	}

	s.registry.MustRegister(s.requests)

	router := mux.NewRouter()
	router.HandleFunc("/metrics", s.handleRegisterMetric).Methods(http.MethodPost)
	router.HandleFunc("/metrics", s.handleMemoryLayout).Methods(http.MethodGet)
	router.HandleFunc("/rdma/qps", s.handleListQPs).Methods(http.MethodGet)
	router.HandleFunc("/rdma/qps/connect", s.handleConnectQPs).Methods(http.MethodPost)
	router.HandleFunc("/rdma/mrs", s.handleListMRs).Methods(http.MethodGet)
	router.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	router.Handle("/debug/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))

	s.server = &http.Server{
		Addr:              firstOr(c.Web.Addresses, ":9401"),
		Handler:           router,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      10 * time.Second,
		ReadHeaderTimeout: 2 * time.Second,
	}

	s.webConfig = &web.FlagConfig{
		WebListenAddresses: &c.Web.Addresses,
		WebSystemdSocket:   &c.Web.WebSystemdSocket,
		WebConfigFile:      &c.Web.WebConfigFile,
	}

	return s, nil
}

// Handler returns the server's router, for embedding in an httptest.Server
// or a larger mux without binding a real listener.
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

func firstOr(addrs []string, fallback string) string {
	if len(addrs) > 0 {
		return addrs[0]
	}

	return fallback
}

// Start launches the control API HTTP server.
func (s *Server) Start() error {
	s.logger.Info("starting uview host control API")

	if err := web.ListenAndServe(s.server, s.webConfig, s.logger); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("hostapi: listen and serve: %w", err)
	}

	return nil
}

// Shutdown gracefully stops the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("stopping uview host control API")

	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("hostapi: shutdown: %w", err)
	}

	return nil
}

func (s *Server) writeJSON(w http.ResponseWriter, route string, status int, body any) {
	s.requests.WithLabelValues(route, fmt.Sprintf("%d", status)).Inc()
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if body != nil {
		if err := json.NewEncoder(w).Encode(body); err != nil {
			s.logger.Error("failed to encode response", "route", route, "err", err)
		}
	}
}

func (s *Server) writeError(w http.ResponseWriter, route string, status int, err error) {
	s.writeJSON(w, route, status, ErrorResponse{Error: err.Error()})
}

func (s *Server) handleRegisterMetric(w http.ResponseWriter, r *http.Request) {
	const route = "register_metric"

	var req RegisterMetricRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, route, http.StatusBadRequest, fmt.Errorf("decoding request: %w", err))

		return
	}

	if req.PodID == "" || req.Name == "" {
		s.writeError(w, route, http.StatusBadRequest, fmt.Errorf("%w: microservice_id and name", ErrMissingField))

		return
	}

	var typ codec.RecordType

	switch req.Type {
	case int(codec.Counter):
		typ = codec.Counter
	case int(codec.Gauge):
		typ = codec.Gauge
	default:
		s.writeError(w, route, http.StatusBadRequest, fmt.Errorf("hostapi: unknown metric type %d", req.Type))

		return
	}

	offset, err := s.pool.AllocateMetric(req.PodID, req.Name, typ, req.Value)
	if err != nil {
		if errors.Is(err, memplane.ErrPoolExhausted) {
			s.writeError(w, route, http.StatusInternalServerError, err)

			return
		}

		s.writeError(w, route, http.StatusBadRequest, err)

		return
	}

	s.writeJSON(w, route, http.StatusOK, RegisterMetricResponse{ShmName: s.pool.Name(), Addr: offset})
}

func (s *Server) handleMemoryLayout(w http.ResponseWriter, r *http.Request) {
	const route = "memory_layout"

	region := s.pool.ControlRegion()

	out := make([][]PageDescriptor, len(region))
	for i, mr := range region {
		descs := make([]PageDescriptor, len(mr))
		for j, d := range mr {
			descs[j] = fromMemplaneDescriptor(d)
		}

		out[i] = descs
	}

	s.writeJSON(w, route, http.StatusOK, out)
}

func (s *Server) handleListQPs(w http.ResponseWriter, r *http.Request) {
	const route = "list_qps"

	out := make([]QPDescriptor, 0, s.qps.Size)
	for _, qp := range s.qps.QueuePairs() {
		out = append(out, fromFabricQP(qp))
	}

	s.writeJSON(w, route, http.StatusOK, out)
}

func (s *Server) handleConnectQPs(w http.ResponseWriter, r *http.Request) {
	const route = "connect_qps"

	var req ConnectQPRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, route, http.StatusBadRequest, fmt.Errorf("decoding request: %w", err))

		return
	}

	locals := s.qps.QueuePairs()
	if len(req.QueuePairs) != len(locals) {
		s.writeError(w, route, http.StatusBadRequest,
			fmt.Errorf("hostapi: expected %d queue pairs, got %d", len(locals), len(req.QueuePairs)))

		return
	}

	remotes := make([]rdmafabric.QPDescriptor, len(req.QueuePairs))

	for i, qp := range req.QueuePairs {
		gid, err := hexToGID(qp.GID)
		if err != nil {
			s.writeError(w, route, http.StatusBadRequest, err)

			return
		}

		remotes[i] = rdmafabric.QPDescriptor{Num: qp.Num, GID: gid}
	}

	results := make([]ConnectQPResult, len(remotes))

	for i, qp := range locals {
		results[i] = ConnectQPResult{QPNum: qp.Num, Connected: true}

		if err := qp.ConnectRemote(remotes[i]); err != nil {
			results[i].Connected = false
			results[i].Error = err.Error()
		}
	}

	s.writeJSON(w, route, http.StatusOK, ConnectQPResponse{Results: results})
}

func (s *Server) handleListMRs(w http.ResponseWriter, r *http.Request) {
	const route = "list_mrs"

	out := make([]MRDescriptor, len(s.mrs))
	for i, mr := range s.mrs {
		d := mr.Descriptor()
		out[i] = MRDescriptor{Addr: d.RemoteAddr, RKey: d.RKey, Size: d.Size, Name: fmt.Sprintf("mr%d", i)}
	}

	s.writeJSON(w, route, http.StatusOK, out)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{Status: "ok"}

	if r.URL.Query().Get("verbose") != "" {
		resp.Uname = runtime.Uname()
	}

	s.writeJSON(w, "health", http.StatusOK, resp)
}
