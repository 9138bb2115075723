package server

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"TroveLedger/internal/ingestion"
	"TroveLedger/internal/observability"
	"TroveLedger/internal/persistence"
	"TroveLedger/internal/query"

	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"
	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
	"google.golang.org/grpc/status"
)

// GRPCServer wraps the gRPC server (health, reflection) and the HTTP/JSON
// gateway mux serving query and admin routes.
type GRPCServer struct {
	grpcServer    *grpc.Server
	healthServer  *health.Server
	httpServer    *http.Server
	grpcAddr      string
	httpAddr      string
	deps          *ServerDeps
	healthChecker *observability.HealthChecker
	logger        zerolog.Logger
}

// ServerDeps holds all dependencies needed by the routes.
type ServerDeps struct {
	DB            *sql.DB
	QueryService  *query.QueryService
	Admin         *ingestion.AdminIngestService
	Checkpoints   *persistence.CheckpointStore
	Tokens        query.TokenInfo
	HealthChecker *observability.HealthChecker
	Logger        zerolog.Logger
}

// NewGRPCServer creates a new gRPC server with health and reflection
// registered. The health service reports NOT_SERVING until SetServing.
func NewGRPCServer(grpcAddr, httpAddr string, deps *ServerDeps) *GRPCServer {
	grpcServer := grpc.NewServer()

	healthServer := health.NewServer()
	healthpb.RegisterHealthServer(grpcServer, healthServer)
	healthServer.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)

	// Reflection for grpcurl / grpcui
	reflection.Register(grpcServer)

	return &GRPCServer{
		grpcServer:    grpcServer,
		healthServer:  healthServer,
		grpcAddr:      grpcAddr,
		httpAddr:      httpAddr,
		deps:          deps,
		healthChecker: deps.HealthChecker,
		logger:        deps.Logger,
	}
}

// SetServing flips the gRPC health status.
func (s *GRPCServer) SetServing(serving bool) {
	st := healthpb.HealthCheckResponse_NOT_SERVING
	if serving {
		st = healthpb.HealthCheckResponse_SERVING
	}
	s.healthServer.SetServingStatus("", st)
}

// StartGRPC starts the gRPC server (blocking).
func (s *GRPCServer) StartGRPC(ctx context.Context) error {
	lis, err := net.Listen("tcp", s.grpcAddr)
	if err != nil {
		return fmt.Errorf("grpc listen: %w", err)
	}

	go func() {
		<-ctx.Done()
		s.logger.Info().Msg("gRPC server shutting down")
		s.healthServer.Shutdown()
		s.grpcServer.GracefulStop()
	}()

	s.logger.Info().Str("addr", s.grpcAddr).Msg("gRPC server listening")
	return s.grpcServer.Serve(lis)
}

// StartHTTPGateway starts the HTTP/JSON server (blocking). /v1/health
// proxies the gRPC health service.
func (s *GRPCServer) StartHTTPGateway(ctx context.Context) error {
	conn, err := grpc.NewClient(s.grpcAddr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return fmt.Errorf("dial grpc: %w", err)
	}
	defer conn.Close()

	mux, err := s.NewGatewayMux(runtime.WithHealthEndpointAt(healthpb.NewHealthClient(conn), "/v1/health"))
	if err != nil {
		return err
	}

	httpMux := http.NewServeMux()
	if s.healthChecker != nil {
		httpMux.HandleFunc("/healthz", s.healthChecker.LivenessHandler)
		httpMux.HandleFunc("/readyz", s.healthChecker.ReadinessHandler)
	}
	httpMux.Handle("/", mux)

	s.httpServer = &http.Server{
		Addr:              s.httpAddr,
		Handler:           httpMux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		s.logger.Info().Msg("HTTP gateway shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.httpServer.Shutdown(shutdownCtx)
	}()

	s.logger.Info().Str("addr", s.httpAddr).Str("grpc", s.grpcAddr).Msg("HTTP gateway listening")
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// NewGatewayMux builds the JSON route table.
func (s *GRPCServer) NewGatewayMux(opts ...runtime.ServeMuxOption) (*runtime.ServeMux, error) {
	mux := runtime.NewServeMux(opts...)
	h := &handlers{mux: mux, deps: s.deps, logger: s.logger}

	routes := []struct {
		method, pattern string
		handler         runtime.HandlerFunc
	}{
		{http.MethodGet, "/v1/troves", h.listTroves},
		{http.MethodGet, "/v1/troves/{owner}", h.getTrove},
		{http.MethodGet, "/v1/system", h.systemStatus},
		{http.MethodGet, "/v1/liquidations", h.liquidations},
		{http.MethodGet, "/v1/balances/{owner}/{asset}", h.balance},
		{http.MethodGet, "/v1/journals/{owner}", h.journals},

		{http.MethodGet, "/v1/admin/integrity", h.verifyIntegrity},
		{http.MethodGet, "/v1/admin/log", h.logInfo},
		{http.MethodPost, "/v1/admin/projections/rebuild", h.rebuildProjections},
		{http.MethodPost, "/v1/admin/mint", h.injectMint},
		{http.MethodPost, "/v1/admin/prices/{token}/primary", h.injectPrimary},
		{http.MethodPost, "/v1/admin/prices/{token}/secondary", h.injectSecondary},
	}
	for _, r := range routes {
		if err := mux.HandlePath(r.method, r.pattern, r.handler); err != nil {
			return nil, fmt.Errorf("register %s %s: %w", r.method, r.pattern, err)
		}
	}
	return mux, nil
}

// ============================================================================
// Responses
// ============================================================================

func (h *handlers) reply(w http.ResponseWriter, r *http.Request, code int, body any) {
	_, outbound := runtime.MarshalerForRequest(h.mux, r)
	buf, err := outbound.Marshal(body)
	if err != nil {
		h.fail(w, r, status.Errorf(codes.Internal, "marshal: %v", err))
		return
	}
	w.Header().Set("Content-Type", outbound.ContentType(body))
	w.WriteHeader(code)
	if _, err := w.Write(buf); err != nil {
		h.logger.Debug().Err(err).Str("path", r.URL.Path).Msg("write response")
	}
}

func (h *handlers) fail(w http.ResponseWriter, r *http.Request, err error) {
	st := toStatus(err)
	if st.Code() == codes.Internal {
		h.logger.Error().Err(err).Str("path", r.URL.Path).Msg("request failed")
	}
	_, outbound := runtime.MarshalerForRequest(h.mux, r)
	runtime.HTTPError(r.Context(), h.mux, outbound, w, r, st.Err())
}

func toStatus(err error) *status.Status {
	if st, ok := status.FromError(err); ok {
		return st
	}
	switch {
	case errors.Is(err, query.ErrNotFound):
		return status.New(codes.NotFound, err.Error())
	case errors.Is(err, query.ErrNotReady), errors.Is(err, query.ErrNoDatabase):
		return status.New(codes.Unavailable, err.Error())
	case errors.Is(err, ingestion.ErrNonPositive):
		return status.New(codes.InvalidArgument, err.Error())
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return status.New(codes.DeadlineExceeded, err.Error())
	}
	return status.New(codes.Internal, err.Error())
}

func intParam(r *http.Request, name string, def int) (int, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return def, nil
	}
	i, err := strconv.Atoi(v)
	if err != nil || i < 0 {
		return 0, status.Errorf(codes.InvalidArgument, "invalid %s: %q", name, v)
	}
	return i, nil
}
