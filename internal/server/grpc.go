package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"time"

	"MarketCore/internal/observability"

	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"
	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
	"google.golang.org/grpc/status"
)

// ServiceName is the fully qualified gRPC service name
const ServiceName = "marketcore.v1.PricingService"

// maxBodyBytes caps HTTP request bodies
const maxBodyBytes = 1 << 20

// ServiceDesc describes PricingService for grpc.Server.RegisterService.
// Messages travel with the json codec, so clients must call with
// grpc.CallContentSubtype(CodecName).
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*PricingServer)(nil),
	Methods: []grpc.MethodDesc{
		unary("QuoteCurveBuy", PricingServer.QuoteCurveBuy),
		unary("QuoteCurveSell", PricingServer.QuoteCurveSell),
		unary("CreateCurve", PricingServer.CreateCurve),
		unary("GetCurve", PricingServer.GetCurve),
		unary("BuyShares", PricingServer.BuyShares),
		unary("SellShares", PricingServer.SellShares),
		unary("CreateMarket", PricingServer.CreateMarket),
		unary("GetMarket", PricingServer.GetMarket),
		unary("QuoteBet", PricingServer.QuoteBet),
		unary("PlaceBet", PricingServer.PlaceBet),
		unary("Probability", PricingServer.Probability),
		unary("Transition", PricingServer.Transition),
		unary("ClaimPayout", PricingServer.ClaimPayout),
		unary("ListTrades", PricingServer.ListTrades),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "marketcore/v1/pricing.json",
}

// FullMethod returns the gRPC method path for name
func FullMethod(name string) string {
	return "/" + ServiceName + "/" + name
}

func unary[Req, Resp any](name string, call func(PricingServer, context.Context, *Req) (*Resp, error)) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(Req)
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv.(PricingServer), ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: FullMethod(name)}
			handler := func(ctx context.Context, req any) (any, error) {
				return call(srv.(PricingServer), ctx, req.(*Req))
			}
			return interceptor(ctx, in, info, handler)
		},
	}
}

// Server runs PricingService over gRPC and HTTP/JSON.
type Server struct {
	grpcServer *grpc.Server
	httpServer *http.Server
	grpcAddr   string
	httpAddr   string
	health     *health.Server
	logger     zerolog.Logger
}

// ServerDeps holds what the transports need.
type ServerDeps struct {
	Service       PricingServer
	HealthChecker *observability.HealthChecker
	Metrics       *observability.Metrics
	Logger        zerolog.Logger
}

// NewServer creates the gRPC server and the HTTP handler. Nothing listens
// until StartGRPC and StartHTTP are called.
func NewServer(grpcAddr, httpAddr string, deps *ServerDeps) *Server {
	grpcServer := grpc.NewServer(
		grpc.ChainUnaryInterceptor(metricsInterceptor(deps.Metrics)),
	)
	grpcServer.RegisterService(&ServiceDesc, deps.Service)

	// Health check
	healthServer := health.NewServer()
	healthpb.RegisterHealthServer(grpcServer, healthServer)
	healthServer.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	healthServer.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_SERVING)

	// Reflection for grpcurl / grpcui
	reflection.Register(grpcServer)

	s := &Server{
		grpcServer: grpcServer,
		grpcAddr:   grpcAddr,
		httpAddr:   httpAddr,
		health:     healthServer,
		logger:     deps.Logger,
	}
	s.httpServer = &http.Server{
		Addr:              httpAddr,
		Handler:           NewHTTPHandler(deps.Service, deps.HealthChecker, deps.Metrics),
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// StartGRPC serves gRPC until ctx is cancelled.
func (s *Server) StartGRPC(ctx context.Context) error {
	lis, err := net.Listen("tcp", s.grpcAddr)
	if err != nil {
		return fmt.Errorf("grpc listen: %w", err)
	}
	return s.ServeGRPC(ctx, lis)
}

// ServeGRPC serves gRPC on lis until ctx is cancelled.
func (s *Server) ServeGRPC(ctx context.Context, lis net.Listener) error {
	go func() {
		<-ctx.Done()
		s.logger.Info().Msg("gRPC server shutting down")
		s.health.Shutdown()
		s.grpcServer.GracefulStop()
	}()

	s.logger.Info().Str("addr", lis.Addr().String()).Msg("gRPC server listening")
	return s.grpcServer.Serve(lis)
}

// StartHTTP serves the HTTP/JSON API until ctx is cancelled.
func (s *Server) StartHTTP(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		s.logger.Info().Msg("HTTP server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.httpServer.Shutdown(shutdownCtx)
	}()

	s.logger.Info().Str("addr", s.httpAddr).Msg("HTTP server listening")
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func metricsInterceptor(m *observability.Metrics) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		start := time.Now()
		resp, err := handler(ctx, req)
		observe(m, info.FullMethod, start, status.Code(err))
		return resp, err
	}
}

func observe(m *observability.Metrics, method string, start time.Time, code codes.Code) {
	if m == nil {
		return
	}
	m.APIRequests.WithLabelValues(method, code.String()).Inc()
	m.APIDuration.WithLabelValues(method).Observe(time.Since(start).Seconds())
}

// ============================================================================
// HTTP/JSON
// ============================================================================

// NewHTTPHandler serves PricingService as JSON over HTTP, plus /healthz and
// /readyz. Errors use the gRPC code's HTTP status.
func NewHTTPHandler(svc PricingServer, hc *observability.HealthChecker, m *observability.Metrics) http.Handler {
	mux := runtime.NewServeMux()

	routes := []struct {
		method, path string
		h            runtime.HandlerFunc
	}{
		{"POST", "/v1/curves/quote-buy", route(m, "QuoteCurveBuy", svc.QuoteCurveBuy, nil)},
		{"POST", "/v1/curves/quote-sell", route(m, "QuoteCurveSell", svc.QuoteCurveSell, nil)},
		{"POST", "/v1/curves", route(m, "CreateCurve", svc.CreateCurve, nil)},
		{"GET", "/v1/curves/{curve_id}", route(m, "GetCurve", svc.GetCurve, func(req *GetCurveRequest, _ *http.Request, p map[string]string) error {
			req.CurveID = p["curve_id"]
			return nil
		})},
		{"POST", "/v1/curves/{curve_id}/buy", route(m, "BuyShares", svc.BuyShares, func(req *CurveTradeRequest, _ *http.Request, p map[string]string) error {
			req.CurveID = p["curve_id"]
			return nil
		})},
		{"POST", "/v1/curves/{curve_id}/sell", route(m, "SellShares", svc.SellShares, func(req *CurveTradeRequest, _ *http.Request, p map[string]string) error {
			req.CurveID = p["curve_id"]
			return nil
		})},
		{"POST", "/v1/markets", route(m, "CreateMarket", svc.CreateMarket, nil)},
		{"GET", "/v1/markets/{market_id}", route(m, "GetMarket", svc.GetMarket, func(req *GetMarketRequest, _ *http.Request, p map[string]string) error {
			req.MarketID = p["market_id"]
			return nil
		})},
		{"POST", "/v1/markets/{market_id}/quote", route(m, "QuoteBet", svc.QuoteBet, func(req *QuoteBetRequest, _ *http.Request, p map[string]string) error {
			req.MarketID = p["market_id"]
			return nil
		})},
		{"POST", "/v1/markets/{market_id}/bets", route(m, "PlaceBet", svc.PlaceBet, func(req *PlaceBetRequest, _ *http.Request, p map[string]string) error {
			req.MarketID = p["market_id"]
			return nil
		})},
		{"GET", "/v1/markets/{market_id}/probabilities", route(m, "Probability", svc.Probability, bindProbability)},
		{"POST", "/v1/markets/{market_id}/transition", route(m, "Transition", svc.Transition, func(req *TransitionRequest, _ *http.Request, p map[string]string) error {
			req.MarketID = p["market_id"]
			return nil
		})},
		{"POST", "/v1/markets/{market_id}/claims", route(m, "ClaimPayout", svc.ClaimPayout, func(req *ClaimPayoutRequest, _ *http.Request, p map[string]string) error {
			req.MarketID = p["market_id"]
			return nil
		})},
		{"GET", "/v1/trades", route(m, "ListTrades", svc.ListTrades, bindListTrades)},
	}
	for _, rt := range routes {
		// patterns are static, so a failure here is a programming error
		if err := mux.HandlePath(rt.method, rt.path, rt.h); err != nil {
			panic(fmt.Sprintf("register %s %s: %v", rt.method, rt.path, err))
		}
	}

	httpMux := http.NewServeMux()
	if hc != nil {
		httpMux.HandleFunc("/healthz", hc.LivenessHandler)
		httpMux.HandleFunc("/readyz", hc.ReadinessHandler)
	} else {
		httpMux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		})
	}
	httpMux.Handle("/", mux)
	return httpMux
}

// bindProbability reads the optional ?outcome= query parameter
func bindProbability(req *ProbabilityRequest, r *http.Request, p map[string]string) error {
	req.MarketID = p["market_id"]
	if raw := r.URL.Query().Get("outcome"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			return invalidArgument("invalid outcome %q", raw)
		}
		req.Outcome = &n
	}
	return nil
}

// bindListTrades reads the trade filter from the query string
func bindListTrades(req *ListTradesRequest, r *http.Request, _ map[string]string) error {
	q := r.URL.Query()
	req.AggregateID = q.Get("aggregate_id")
	req.UserID = q.Get("user_id")
	for _, f := range []struct {
		name string
		set  func(int64)
	}{
		{"after_sequence", func(v int64) { req.AfterSequence = v }},
		{"limit", func(v int64) { req.Limit = int(v) }},
	} {
		raw := q.Get(f.name)
		if raw == "" {
			continue
		}
		v, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return invalidArgument("invalid %s %q", f.name, raw)
		}
		f.set(v)
	}
	return nil
}

// route adapts a service method to a gateway handler. The JSON body (if
// any) is decoded first, then bind copies path and query parameters over it.
func route[Req, Resp any](
	m *observability.Metrics,
	name string,
	call func(context.Context, *Req) (*Resp, error),
	bind func(*Req, *http.Request, map[string]string) error,
) runtime.HandlerFunc {
	method := FullMethod(name)
	return func(w http.ResponseWriter, r *http.Request, params map[string]string) {
		start := time.Now()
		req := new(Req)

		if r.Method != http.MethodGet && r.ContentLength != 0 {
			dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
			dec.DisallowUnknownFields()
			if err := dec.Decode(req); err != nil && !errors.Is(err, io.EOF) {
				err = invalidArgument("decode body: %v", err)
				observe(m, method, start, status.Code(err))
				writeError(w, err)
				return
			}
		}
		if bind != nil {
			if err := bind(req, r, params); err != nil {
				observe(m, method, start, status.Code(err))
				writeError(w, err)
				return
			}
		}

		resp, err := call(r.Context(), req)
		observe(m, method, start, status.Code(err))
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeError(w http.ResponseWriter, err error) {
	st := status.Convert(err)
	writeJSON(w, runtime.HTTPStatusFromCode(st.Code()), errorBody{
		Code:    st.Code().String(),
		Message: st.Message(),
	})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}
