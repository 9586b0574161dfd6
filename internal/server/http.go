package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"PerpRisk/internal/core"
	"PerpRisk/internal/observability"
)

// maxBodyBytes bounds request bodies on the JSON routes.
const maxBodyBytes = 1 << 20

// errorBody is the JSON error returned by every /v1 route.
type errorBody struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
}

// HTTPServer serves the JSON API, health checks and /metrics.
type HTTPServer struct {
	svc     *RiskService
	health  *observability.HealthChecker
	gather  prometheus.Gatherer
	logger  zerolog.Logger
	metrics *observability.Metrics

	server *http.Server
}

// NewHTTPServer builds the router. gather may be nil to omit /metrics.
func NewHTTPServer(addr string, svc *RiskService, health *observability.HealthChecker, gather prometheus.Gatherer, logger zerolog.Logger, metrics *observability.Metrics) (*HTTPServer, error) {
	s := &HTTPServer{
		svc:     svc,
		health:  health,
		gather:  gather,
		logger:  logger,
		metrics: metrics,
	}
	handler, err := s.routes()
	if err != nil {
		return nil, err
	}
	s.server = &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s, nil
}

// Handler returns the root handler.
func (s *HTTPServer) Handler() http.Handler {
	return s.server.Handler
}

func (s *HTTPServer) routes() (http.Handler, error) {
	gw, err := s.gateway()
	if err != nil {
		return nil, err
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.logRequests)
	r.Use(middleware.Recoverer)

	if s.health != nil {
		r.Get("/healthz", s.health.LivenessHandler)
		r.Get("/readyz", s.health.ReadinessHandler)
	} else {
		r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		})
	}
	if s.gather != nil {
		r.Handle("/metrics", promhttp.HandlerFor(s.gather, promhttp.HandlerOpts{}))
	}
	r.With(middleware.Timeout(30*time.Second)).Handle("/v1/*", gw)
	return r, nil
}

// gateway registers the /v1 JSON routes on a gateway mux. Each route calls
// the same RiskService method as its RPC.
func (s *HTTPServer) gateway() (*runtime.ServeMux, error) {
	mux := runtime.NewServeMux()

	routes := []struct {
		method, pattern string
		h               runtime.HandlerFunc
	}{
		{"POST", "/v1/positions", route(s, "OpenPosition", (*RiskService).OpenPosition, nil)},
		{"POST", "/v1/positions/{position_id}/modify", route(s, "ModifyPosition", (*RiskService).ModifyPosition,
			func(r *ModifyPositionRequest, p map[string]string) error { return parseID(p, "position_id", &r.PositionID) })},
		{"POST", "/v1/positions/{position_id}/close", route(s, "ClosePosition", (*RiskService).ClosePosition,
			func(r *ClosePositionRequest, p map[string]string) error { return parseID(p, "position_id", &r.PositionID) })},
		{"GET", "/v1/accounts/{owner}", route(s, "GetAccount", (*RiskService).GetAccount,
			func(r *AccountRequest, p map[string]string) error { return parseID(p, "owner", &r.Owner) })},
		{"GET", "/v1/accounts/{owner}/positions/{position_id}", route(s, "GetPosition", (*RiskService).GetPosition,
			func(r *PositionRequest, p map[string]string) error {
				if err := parseID(p, "owner", &r.Owner); err != nil {
					return err
				}
				return parseID(p, "position_id", &r.PositionID)
			})},
		{"POST", "/v1/collateral/deposit", route(s, "Deposit", (*RiskService).Deposit, nil)},
		{"POST", "/v1/collateral/withdraw", route(s, "Withdraw", (*RiskService).Withdraw, nil)},
		{"POST", "/v1/insurance", route(s, "FundInsurance", (*RiskService).FundInsurance, nil)},
		{"GET", "/v1/insurance/{asset}", route(s, "GetInsurance", (*RiskService).GetInsurance,
			func(r *PriceRequest, p map[string]string) error { r.Asset = p["asset"]; return nil })},
		{"GET", "/v1/prices/{asset}", route(s, "GetPrice", (*RiskService).GetPrice,
			func(r *PriceRequest, p map[string]string) error { r.Asset = p["asset"]; return nil })},
		{"POST", "/v1/prices/{asset}/attest", route(s, "AttestPrice", (*RiskService).AttestPrice,
			func(r *AttestPriceRequest, p map[string]string) error { r.Asset = p["asset"]; return nil })},
		{"POST", "/v1/funding/settle", route(s, "SettleFunding", (*RiskService).SettleFunding, nil)},
		{"GET", "/v1/funding/{market}/epochs", route(s, "GetFundingEpochs", (*RiskService).GetFundingEpochs,
			func(r *MarketRequest, p map[string]string) error { r.Market = p["market"]; return nil })},
		{"POST", "/v1/liquidations", route(s, "Liquidate", (*RiskService).Liquidate, nil)},
		{"GET", "/v1/liquidations/candidates", route(s, "LiquidationCandidates", (*RiskService).LiquidationCandidates, nil)},
		{"GET", "/v1/deleverage/{market}", route(s, "GetDeleverageActions", (*RiskService).GetDeleverageActions,
			func(r *MarketRequest, p map[string]string) error { r.Market = p["market"]; return nil })},
		{"POST", "/v1/deleverage/{action_id}/execute", route(s, "ExecuteDeleveraging", (*RiskService).ExecuteDeleveraging,
			func(r *ActionRequest, p map[string]string) error { return parseID(p, "action_id", &r.ActionID) })},
		{"POST", "/v1/deleverage/{action_id}/cancel", route(s, "CancelDeleveraging", (*RiskService).CancelDeleveraging,
			func(r *ActionRequest, p map[string]string) error { return parseID(p, "action_id", &r.ActionID) })},
		{"GET", "/v1/circuits", route(s, "ListCircuits", (*RiskService).ListCircuits, nil)},
		{"POST", "/v1/circuits/{market}/trip", route(s, "TripCircuit", (*RiskService).TripCircuit,
			func(r *CircuitRequest, p map[string]string) error { r.Market = p["market"]; return nil })},
		{"POST", "/v1/circuits/{market}/reset", route(s, "ResetCircuit", (*RiskService).ResetCircuit,
			func(r *CircuitRequest, p map[string]string) error { r.Market = p["market"]; return nil })},
	}
	for _, rt := range routes {
		if err := mux.HandlePath(rt.method, rt.pattern, rt.h); err != nil {
			return nil, fmt.Errorf("register %s %s: %w", rt.method, rt.pattern, err)
		}
	}
	return mux, nil
}

// route decodes the JSON body, applies path parameters and calls the
// service method. Path parameters override body fields.
func route[Req, Resp any](
	s *HTTPServer,
	name string,
	call func(*RiskService, context.Context, *Req) (*Resp, error),
	bind func(*Req, map[string]string) error,
) runtime.HandlerFunc {
	method := "/" + ServiceName + "/" + name
	return func(w http.ResponseWriter, r *http.Request, params map[string]string) {
		start := time.Now()
		in := new(Req)

		if r.Method == http.MethodPost {
			dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
			if err := dec.Decode(in); err != nil && !errors.Is(err, io.EOF) {
				s.writeError(w, method, start, fmt.Errorf("%w: body: %v", core.ErrInvalidArgument, err))
				return
			}
		}
		if bind != nil {
			if err := bind(in, params); err != nil {
				s.writeError(w, method, start, err)
				return
			}
		}

		ctx := r.Context()
		if tok := r.Header.Get(AdminTokenHeader); tok != "" {
			ctx = metadata.NewIncomingContext(ctx, metadata.Pairs(AdminTokenHeader, tok))
		}
		resp, err := call(s.svc, ctx, in)
		if err != nil {
			s.writeError(w, method, start, err)
			return
		}
		s.observe(method, "OK", start)
		writeJSON(w, http.StatusOK, resp)
	}
}

func (s *HTTPServer) writeError(w http.ResponseWriter, method string, start time.Time, err error) {
	st, _ := status.FromError(toStatus(err))
	code := runtime.HTTPStatusFromCode(st.Code())

	body := errorBody{
		Code:      core.Classify(err).String(),
		Message:   err.Error(),
		Retryable: core.Retryable(err),
	}
	if errors.Is(err, ErrUnauthorized) {
		body.Code = "unauthorized"
	}
	if code >= http.StatusInternalServerError {
		s.logger.Error().Err(err).Str("method", method).Msg("request failed")
	}
	s.observe(method, st.Code().String(), start)
	writeJSON(w, code, body)
}

func (s *HTTPServer) observe(method, code string, start time.Time) {
	if s.metrics == nil {
		return
	}
	s.metrics.RequestsTotal.WithLabelValues(method, code).Inc()
	s.metrics.RequestDuration.WithLabelValues(method).Observe(time.Since(start).Seconds())
}

// logRequests logs one line per request at debug level.
func (s *HTTPServer) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.logger.Debug().
			Str("request_id", middleware.GetReqID(r.Context())).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("duration", time.Since(start)).
			Msg("http request")
	})
}

// Serve serves on lis until ctx is cancelled.
func (s *HTTPServer) Serve(ctx context.Context, lis net.Listener) error {
	go func() {
		<-ctx.Done()
		s.logger.Info().Msg("HTTP server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.server.Shutdown(shutdownCtx)
	}()

	s.logger.Info().Str("addr", lis.Addr().String()).Msg("HTTP server listening")
	if err := s.server.Serve(lis); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// StartHTTP listens on the configured address and serves (blocking).
func (s *HTTPServer) StartHTTP(ctx context.Context) error {
	lis, err := net.Listen("tcp", s.server.Addr)
	if err != nil {
		return fmt.Errorf("http listen: %w", err)
	}
	return s.Serve(ctx, lis)
}

func parseID(params map[string]string, key string, dst *uuid.UUID) error {
	id, err := uuid.Parse(params[key])
	if err != nil {
		return fmt.Errorf("%w: %s: %v", core.ErrInvalidArgument, key, err)
	}
	*dst = id
	return nil
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
