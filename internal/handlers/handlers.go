// Package handlers serves the controller operations over HTTP.
package handlers

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/metal-toolbox/bmcmgmt/internal/diagnostics"
	"github.com/metal-toolbox/bmcmgmt/internal/elog"
	"github.com/metal-toolbox/bmcmgmt/internal/fru"
	"github.com/metal-toolbox/bmcmgmt/internal/ipmi"
	"github.com/metal-toolbox/bmcmgmt/internal/metrics"
	"github.com/metal-toolbox/bmcmgmt/internal/model"
	"github.com/metal-toolbox/bmcmgmt/internal/readiness"
	"github.com/metal-toolbox/bmcmgmt/internal/sel"
	"github.com/metal-toolbox/bmcmgmt/internal/tasks"
	"github.com/pkg/errors"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/net/netutil"
	"golang.org/x/time/rate"
)

const (
	pkgName = "bmcmgmt/handlers"

	// PathPrefix is the base of every route.
	PathPrefix = "/api/v1"

	maxBodySize       = 64 << 10
	maxEventLogData   = 1024
	readHeaderTimeout = 2 * time.Second
	shutdownTimeout   = 5 * time.Second
)

// Controller holds the components the API operates on.
type Controller struct {
	Probe *readiness.Probe
	SEL   *sel.Manager
	Elog  *elog.Dispatcher
	FRU   *fru.Accessor
	// FRUs routes slot data access, defaults to FRU alone.
	FRUs *fru.Dispatcher
	// Boot is the boot sequence runner, optional.
	Boot *tasks.TaskRunner
}

// Server is the HTTP API. Controller operations are serialized.
type Server struct {
	controller *Controller
	limiter    *rate.Limiter
	router     *mux.Router

	mu sync.Mutex
}

type Option func(*Server)

// WithRateLimit limits requests to r per second with bursts of b, r <= 0 disables it.
func WithRateLimit(r float64, b int) Option {
	return func(s *Server) {
		if r <= 0 {
			s.limiter = nil
			return
		}

		s.limiter = rate.NewLimiter(rate.Limit(r), b)
	}
}

func New(c *Controller, opts ...Option) *Server {
	if c.FRUs == nil && c.FRU != nil {
		c.FRUs = fru.NewDispatcher(c.FRU)
	}

	s := &Server{controller: c}

	for _, opt := range opts {
		opt(s)
	}

	s.setupRouter()

	return s
}

func (s *Server) setupRouter() {
	s.router = mux.NewRouter()
	api := s.router.PathPrefix(PathPrefix).Subrouter()

	s.route(api, "/health", http.MethodGet, s.health)
	s.route(api, "/probe", http.MethodPost, s.probe)
	s.route(api, "/boot", http.MethodGet, s.boot)
	s.route(api, "/sel/info", http.MethodGet, s.selInfo)
	s.route(api, "/sel/entries", http.MethodGet, s.selList)
	s.route(api, "/sel/entries", http.MethodPost, s.selAdd)
	s.route(api, "/sel/entries", http.MethodDelete, s.selClear)
	s.route(api, "/sel/entries/{id}", http.MethodGet, s.selGet)
	s.route(api, "/sel/entries/{id}", http.MethodDelete, s.selErase)
	s.route(api, "/sel/logging", http.MethodPut, s.selActivate)
	s.route(api, "/fru/slots", http.MethodGet, s.fruSlots)
	s.route(api, "/fru/{slot}", http.MethodGet, s.fruRead)
	s.route(api, "/fru/{slot}", http.MethodPut, s.fruWrite)
}

type handlerFunc func(w http.ResponseWriter, r *http.Request) (int, any, error)

// route registers h behind the rate limiter, the controller lock and a span.
func (s *Server) route(router *mux.Router, path, method string, h handlerFunc) {
	name := method + " " + PathPrefix + path

	router.HandleFunc(path, func(w http.ResponseWriter, r *http.Request) {
		if s.limiter != nil && !s.limiter.Allow() {
			s.write(w, name, http.StatusTooManyRequests, errorBody("rate limit exceeded"))
			return
		}

		ctx, span := otel.Tracer(pkgName).Start(
			r.Context(),
			name,
			trace.WithSpanKind(trace.SpanKindServer),
		)
		defer span.End()

		code, body, err := func() (int, any, error) {
			s.mu.Lock()
			defer s.mu.Unlock()

			return h(w, r.WithContext(ctx))
		}()

		if err != nil {
			code = StatusFor(err)
			body = errorBody(err.Error())

			span.RecordError(err)
			slog.Warn("request failed", "route", name, "status", code, "error", err)
		}

		span.SetAttributes(attribute.Int("http.status_code", code))
		s.write(w, name, code, body)
	}).Methods(method)
}

func (s *Server) write(w http.ResponseWriter, route string, code int, body any) {
	metrics.APIRequestsTotal.WithLabelValues(route, strconv.Itoa(code)).Inc()

	if body == nil {
		w.WriteHeader(code)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)

	if err := json.NewEncoder(w).Encode(body); err != nil {
		slog.Error("Error marshaling response", "route", route, "error", err)
	}
}

func errorBody(msg string) map[string]string {
	return map[string]string{"error": msg}
}

// StatusFor maps controller errors to HTTP status codes.
func StatusFor(err error) int {
	switch {
	case errors.Is(err, model.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, model.ErrInvalidParameter), errors.Is(err, model.ErrBufferTooSmall):
		return http.StatusBadRequest
	case errors.Is(err, model.ErrUnsupported):
		return http.StatusNotImplemented
	case errors.Is(err, model.ErrNotReady):
		return http.StatusServiceUnavailable
	case errors.Is(err, model.ErrNoResponse), errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.Is(err, model.ErrOutOfResources):
		return http.StatusInsufficientStorage
	default:
		return http.StatusInternalServerError
	}
}

// Handler returns the router wrapped with CORS, panic recovery and tracing.
func (s *Server) Handler() http.Handler {
	h := handlers.CORS(
		handlers.AllowedHeaders([]string{"X-Requested-With", "Content-Type", "Authorization"}),
		handlers.AllowedOrigins([]string{"*"}),
		handlers.AllowedMethods([]string{"PUT", "GET", "POST", "DELETE"}),
	)(s.router)

	h = handlers.RecoveryHandler(handlers.PrintRecoveryStack(true))(h)

	return otelhttp.NewHandler(h, pkgName)
}

// ListenAndServe serves the API on addr with at most maxConn open connections
// until ctx ends.
func (s *Server) ListenAndServe(ctx context.Context, addr string, maxConn int) error {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return errors.Wrap(err, "api listen")
	}

	if maxConn > 0 {
		listener = netutil.LimitListener(listener, maxConn)
	}

	return s.Serve(ctx, listener)
}

// Serve serves the API on listener until ctx ends.
func (s *Server) Serve(ctx context.Context, listener net.Listener) error {
	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: readHeaderTimeout,
		WriteTimeout:      15 * time.Second,
		ReadTimeout:       15 * time.Second,
	}

	errc := make(chan error, 1)

	go func() {
		slog.Info("api listening", "addr", listener.Addr().String())
		errc <- srv.Serve(listener)
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}

	slog.Info("api listener stopped")

	return nil
}

type healthResponse struct {
	State    model.HealthState      `json:"state"`
	Codes    []string               `json:"codes"`
	Firmware string                 `json:"firmware,omitempty"`
	DeviceID *ipmi.DeviceIDResponse `json:"device_id,omitempty"`
	Probed   time.Time              `json:"probed,omitempty"`
}

func newHealthResponse(state model.HealthState, result *readiness.Result) *healthResponse {
	resp := &healthResponse{State: state, Codes: []string{}}

	if result == nil {
		return resp
	}

	for _, code := range result.Codes {
		resp.Codes = append(resp.Codes, code.String())
	}

	if result.DeviceID != nil {
		resp.DeviceID = result.DeviceID
		resp.Firmware = result.DeviceID.FirmwareVersion()
	}

	resp.Probed = result.Finished

	return resp
}

func (s *Server) health(_ http.ResponseWriter, _ *http.Request) (int, any, error) {
	probe := s.controller.Probe

	return http.StatusOK, newHealthResponse(probe.Health(), probe.Last()), nil
}

func (s *Server) probe(_ http.ResponseWriter, r *http.Request) (int, any, error) {
	result, err := s.controller.Probe.Run(r.Context())
	if err != nil {
		return 0, nil, err
	}

	return http.StatusOK, newHealthResponse(result.State, result), nil
}

// BootResponse is the state of the boot sequence.
type BootResponse struct {
	Status *tasks.TaskStatus   `json:"status"`
	Report *diagnostics.Report `json:"report,omitempty"`
}

func (s *Server) boot(_ http.ResponseWriter, _ *http.Request) (int, any, error) {
	if s.controller.Boot == nil {
		return 0, nil, errors.Wrap(model.ErrNotFound, "no boot sequence")
	}

	return http.StatusOK, &BootResponse{
		Status: s.controller.Boot.Status(),
		Report: s.controller.Boot.Report(),
	}, nil
}

// dataTypeParam returns the event log data type named by the type query
// parameter, ipmi when absent.
func dataTypeParam(r *http.Request) (elog.DataType, error) {
	return elog.ParseDataType(r.URL.Query().Get("type"))
}

// ipmiOnly guards the routes only the local SEL serves.
func ipmiOnly(r *http.Request) error {
	dataType, err := dataTypeParam(r)
	if err != nil {
		return err
	}

	if dataType != elog.TypeIPMI {
		return errors.Wrapf(model.ErrUnsupported, "%s event logs", dataType)
	}

	return nil
}

func (s *Server) selInfo(_ http.ResponseWriter, r *http.Request) (int, any, error) {
	if err := ipmiOnly(r); err != nil {
		return 0, nil, err
	}

	info, err := s.controller.SEL.Info(r.Context())
	if err != nil {
		return 0, nil, err
	}

	return http.StatusOK, info, nil
}

func (s *Server) selList(_ http.ResponseWriter, r *http.Request) (int, any, error) {
	if err := ipmiOnly(r); err != nil {
		return 0, nil, err
	}

	entries, err := s.controller.SEL.List(r.Context())
	if err != nil {
		return 0, nil, err
	}

	if entries == nil {
		entries = []*sel.Entry{}
	}

	return http.StatusOK, entries, nil
}

func recordIDVar(r *http.Request) (uint64, error) {
	v := mux.Vars(r)["id"]

	id, err := strconv.ParseUint(v, 0, 64)
	if err != nil {
		return 0, errors.Wrap(model.ErrInvalidParameter, "record id "+v)
	}

	return id, nil
}

// EventLogEntry is a record of an event log other than the IPMI SEL.
type EventLogEntry struct {
	Type string `json:"type"`
	ID   uint64 `json:"id"`
	Next uint64 `json:"next"`
	Data string `json:"data"`
}

func (s *Server) selGet(_ http.ResponseWriter, r *http.Request) (int, any, error) {
	dataType, err := dataTypeParam(r)
	if err != nil {
		return 0, nil, err
	}

	id, err := recordIDVar(r)
	if err != nil {
		return 0, nil, err
	}

	if dataType == elog.TypeIPMI {
		record := sel.Record{}

		next, _, err := s.controller.Elog.GetEventLogData(r.Context(), dataType, id, record[:])
		if err != nil {
			return 0, nil, err
		}

		return http.StatusOK, sel.NewEntry(&record, uint16(next)), nil
	}

	buf := make([]byte, maxEventLogData)

	next, n, err := s.controller.Elog.GetEventLogData(r.Context(), dataType, id, buf)
	if err != nil {
		return 0, nil, err
	}

	return http.StatusOK, &EventLogEntry{Type: dataType.String(), ID: id, Next: next, Data: string(buf[:n])}, nil
}

// AddRequest is the body of POST /sel/entries.
type AddRequest struct {
	// Data is the hex encoded record.
	Data  string `json:"data"`
	Alert bool   `json:"alert"`
	Type  string `json:"type"`
}

func (s *Server) selAdd(_ http.ResponseWriter, r *http.Request) (int, any, error) {
	req := &AddRequest{}
	if err := decodeBody(r, req); err != nil {
		return 0, nil, err
	}

	dataType, err := elog.ParseDataType(req.Type)
	if err != nil {
		return 0, nil, err
	}

	data, err := hex.DecodeString(req.Data)
	if err != nil {
		return 0, nil, errors.Wrap(model.ErrInvalidParameter, "record data: "+err.Error())
	}

	id, err := s.controller.Elog.SetEventLogData(r.Context(), dataType, data, req.Alert)
	if err != nil {
		return 0, nil, err
	}

	return http.StatusCreated, map[string]uint64{"id": id}, nil
}

func (s *Server) selErase(_ http.ResponseWriter, r *http.Request) (int, any, error) {
	dataType, err := dataTypeParam(r)
	if err != nil {
		return 0, nil, err
	}

	id, err := recordIDVar(r)
	if err != nil {
		return 0, nil, err
	}

	if err := s.controller.Elog.EraseEventLogData(r.Context(), dataType, &id); err != nil {
		return 0, nil, err
	}

	return http.StatusNoContent, nil, nil
}

func (s *Server) selClear(_ http.ResponseWriter, r *http.Request) (int, any, error) {
	dataType, err := dataTypeParam(r)
	if err != nil {
		return 0, nil, err
	}

	if err := s.controller.Elog.EraseEventLogData(r.Context(), dataType, nil); err != nil {
		return 0, nil, err
	}

	return http.StatusNoContent, nil, nil
}

// ActivateRequest is the body of PUT /sel/logging, a missing enable only
// reports the state.
type ActivateRequest struct {
	Enable *bool  `json:"enable"`
	Type   string `json:"type"`
}

func (s *Server) selActivate(_ http.ResponseWriter, r *http.Request) (int, any, error) {
	req := &ActivateRequest{}
	if err := decodeBody(r, req); err != nil {
		return 0, nil, err
	}

	dataType, err := elog.ParseDataType(req.Type)
	if err != nil {
		return 0, nil, err
	}

	enabled, err := s.controller.Elog.ActivateEventLog(r.Context(), dataType, req.Enable)
	if err != nil {
		return 0, nil, err
	}

	return http.StatusOK, map[string]bool{"enabled": enabled}, nil
}

// fruTypeParam returns the FRU type named by the type query parameter,
// system when absent.
func fruTypeParam(r *http.Request) fru.Type {
	if v := r.URL.Query().Get("type"); v != "" {
		return fru.Type(v)
	}

	return fru.TypeSystem
}

func (s *Server) fruSlots(_ http.ResponseWriter, r *http.Request) (int, any, error) {
	if _, err := s.controller.FRUs.GetFruSlotInfo(fruTypeParam(r)); err != nil {
		return 0, nil, err
	}

	return http.StatusOK, s.controller.FRU.Slots(), nil
}

type fruParams struct {
	fruType fru.Type
	slot    int
	offset  uint16
	length  int
}

func parseFRUParams(r *http.Request) (*fruParams, error) {
	p := &fruParams{fruType: fruTypeParam(r)}

	slot, err := strconv.Atoi(mux.Vars(r)["slot"])
	if err != nil {
		return nil, errors.Wrap(model.ErrInvalidParameter, "slot "+mux.Vars(r)["slot"])
	}

	p.slot = slot

	q := r.URL.Query()

	if v := q.Get("offset"); v != "" {
		offset, err := strconv.ParseUint(v, 0, 16)
		if err != nil {
			return nil, errors.Wrap(model.ErrInvalidParameter, "offset "+v)
		}

		p.offset = uint16(offset)
	}

	if v := q.Get("length"); v != "" {
		length, err := strconv.ParseUint(v, 0, 16)
		if err != nil {
			return nil, errors.Wrap(model.ErrInvalidParameter, "length "+v)
		}

		p.length = int(length)
	}

	return p, nil
}

// FRUData is the response of a FRU read.
type FRUData struct {
	Slot   int    `json:"slot"`
	Offset uint16 `json:"offset"`
	Length int    `json:"length"`
	Data   string `json:"data"`
}

func (s *Server) fruRead(_ http.ResponseWriter, r *http.Request) (int, any, error) {
	p, err := parseFRUParams(r)
	if err != nil {
		return 0, nil, err
	}

	if _, err := s.controller.FRUs.GetFruRedirInfo(p.fruType); err != nil {
		return 0, nil, err
	}

	// no length reads up to the end of the inventory area
	if p.length == 0 {
		if !strings.EqualFold(string(p.fruType), string(fru.TypeSystem)) {
			return 0, nil, errors.Wrapf(model.ErrInvalidParameter, "FRU type %q reads need a length", p.fruType)
		}

		area, err := s.controller.FRU.AreaInfo(r.Context(), p.slot)
		if err != nil {
			return 0, nil, err
		}

		if int(area.Size) <= int(p.offset) {
			return 0, nil, errors.Wrapf(model.ErrInvalidParameter, "offset %d beyond area size %d", p.offset, area.Size)
		}

		p.length = int(area.Size) - int(p.offset)
	}

	buf := make([]byte, p.length)

	n, err := s.controller.FRUs.GetFruData(r.Context(), p.fruType, p.slot, p.offset, buf)
	if err != nil {
		return 0, nil, err
	}

	return http.StatusOK, &FRUData{Slot: p.slot, Offset: p.offset, Length: n, Data: hex.EncodeToString(buf[:n])}, nil
}

func (s *Server) fruWrite(_ http.ResponseWriter, r *http.Request) (int, any, error) {
	p, err := parseFRUParams(r)
	if err != nil {
		return 0, nil, err
	}

	data, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize+1))
	if err != nil {
		return 0, nil, errors.Wrap(model.ErrInvalidParameter, "body: "+err.Error())
	}

	if len(data) > maxBodySize {
		return 0, nil, errors.Wrapf(model.ErrInvalidParameter, "body exceeds %d bytes", maxBodySize)
	}

	n, err := s.controller.FRUs.SetFruData(r.Context(), p.fruType, p.slot, p.offset, data)
	if err != nil {
		return 0, nil, err
	}

	return http.StatusOK, map[string]int{"written": n}, nil
}

func decodeBody(r *http.Request, v any) error {
	if r.Body == nil {
		return nil
	}

	err := json.NewDecoder(io.LimitReader(r.Body, maxBodySize)).Decode(v)
	if err != nil && !errors.Is(err, io.EOF) {
		return errors.Wrap(model.ErrInvalidParameter, "request body: "+err.Error())
	}

	return nil
}
