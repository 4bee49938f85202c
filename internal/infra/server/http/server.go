// Package httpserver exposes the gateway control surface: subscriptions and the instrument catalogue.
package httpserver

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"

	json "github.com/goccy/go-json"

	"github.com/coachpo/meltica-md/errs"
	"github.com/coachpo/meltica-md/internal/domain/schema"
	"github.com/coachpo/meltica-md/internal/infra/adapters/binance"
	"github.com/coachpo/meltica-md/internal/infra/adapters/shared"
	"github.com/coachpo/meltica-md/internal/infra/config"
	"github.com/coachpo/meltica-md/internal/observability"
)

const (
	maxJSONBodyBytes int64 = 1 << 20 // 1 MiB

	healthPath             = "/health"
	subscriptionsPath      = "/subscriptions"
	instrumentsPath        = "/instruments"
	instrumentDetailPrefix = instrumentsPath + "/"
	instrumentRefreshPath  = instrumentsPath + "/refresh"
)

// Gateway is the slice of the data client the control API drives. *binance.DataClient satisfies it.
type Gateway interface {
	Name() string
	Subscriptions() []shared.SubscriptionKey
	Subscribe(ctx context.Context, req binance.SubscriptionRequest) error
	Unsubscribe(ctx context.Context, req binance.SubscriptionRequest) error
	Instruments() []schema.Instrument
	Instrument(id schema.InstrumentID) (schema.Instrument, bool)
	LoadInstruments(ctx context.Context) error
}

type handlerFunc func(http.ResponseWriter, *http.Request)

type httpServer struct {
	environment config.Environment
	gateway     Gateway
	logger      observability.Logger
}

type subscriptionPayload struct {
	Kind       string `json:"kind"`
	Instrument string `json:"instrument"`
	Depth      *int   `json:"depth,omitempty"`
	BookType   string `json:"bookType,omitempty"`
	Bar        string `json:"bar,omitempty"`
}

func (p subscriptionPayload) request() binance.SubscriptionRequest {
	return binance.SubscriptionRequest{
		Kind:       shared.SubscriptionKind(strings.ToLower(strings.TrimSpace(p.Kind))),
		Instrument: schema.InstrumentID(strings.TrimSpace(p.Instrument)),
		Depth:      p.Depth,
		BookType:   schema.BookType(strings.ToUpper(strings.TrimSpace(p.BookType))),
		Bar:        strings.TrimSpace(p.Bar),
	}
}

type subscriptionView struct {
	Kind       string `json:"kind"`
	Instrument string `json:"instrument"`
	Params     string `json:"params,omitempty"`
}

// NewHandler creates the control API handler.
func NewHandler(environment config.Environment, gateway Gateway, logger observability.Logger) http.Handler {
	server := &httpServer{environment: environment, gateway: gateway, logger: observability.OrDefault(logger)}
	mux := http.NewServeMux()

	mux.Handle(healthPath, server.methodHandlers(map[string]handlerFunc{
		http.MethodGet: server.health,
	}))
	mux.Handle(subscriptionsPath, server.methodHandlers(map[string]handlerFunc{
		http.MethodGet:    server.listSubscriptions,
		http.MethodPost:   server.createSubscription,
		http.MethodDelete: server.deleteSubscription,
	}))
	mux.Handle(instrumentsPath, server.methodHandlers(map[string]handlerFunc{
		http.MethodGet: server.listInstruments,
	}))
	mux.Handle(instrumentRefreshPath, server.methodHandlers(map[string]handlerFunc{
		http.MethodPost: server.refreshInstruments,
	}))
	mux.Handle(instrumentDetailPrefix, server.methodHandlers(map[string]handlerFunc{
		http.MethodGet: server.getInstrument,
	}))

	return withCORS(mux)
}

func (s *httpServer) methodHandlers(handlers map[string]handlerFunc) http.Handler {
	allowed := allowedMethods(handlers)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if handler, ok := handlers[r.Method]; ok {
			handler(w, r)
			return
		}
		methodNotAllowed(w, allowed...)
	})
}

func allowedMethods(handlers map[string]handlerFunc) []string {
	if len(handlers) == 0 {
		return nil
	}
	allowed := make([]string, 0, len(handlers))
	for method := range handlers {
		allowed = append(allowed, method)
	}
	sort.Strings(allowed)
	return allowed
}

func (s *httpServer) health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":        "ok",
		"environment":   s.environment,
		"provider":      s.gateway.Name(),
		"subscriptions": len(s.gateway.Subscriptions()),
	})
}

func (s *httpServer) listSubscriptions(w http.ResponseWriter, _ *http.Request) {
	keys := s.gateway.Subscriptions()
	views := make([]subscriptionView, 0, len(keys))
	for _, key := range keys {
		views = append(views, subscriptionView{Kind: string(key.Kind), Instrument: key.Instrument.String(), Params: key.Params})
	}
	writeJSON(w, http.StatusOK, map[string]any{"subscriptions": views})
}

func (s *httpServer) createSubscription(w http.ResponseWriter, r *http.Request) {
	var payload subscriptionPayload
	if !decodeJSON(w, r, &payload) {
		return
	}
	req := payload.request()
	if err := s.gateway.Subscribe(r.Context(), req); err != nil {
		s.logger.Warn("control api subscribe failed",
			observability.F("kind", req.Kind), observability.F("instrument", req.Instrument), observability.Err(err))
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"status": "subscribed"})
}

func (s *httpServer) deleteSubscription(w http.ResponseWriter, r *http.Request) {
	var payload subscriptionPayload
	if !decodeJSON(w, r, &payload) {
		return
	}
	req := payload.request()
	if err := s.gateway.Unsubscribe(r.Context(), req); err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "unsubscribed"})
}

func (s *httpServer) listInstruments(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"instruments": s.gateway.Instruments()})
}

func (s *httpServer) getInstrument(w http.ResponseWriter, r *http.Request) {
	id := strings.Trim(strings.TrimPrefix(r.URL.Path, instrumentDetailPrefix), "/")
	if id == "" {
		writeError(w, http.StatusNotFound, "instrument id required")
		return
	}
	inst, ok := s.gateway.Instrument(schema.InstrumentID(id))
	if !ok {
		writeError(w, http.StatusNotFound, "instrument not found")
		return
	}
	writeJSON(w, http.StatusOK, inst)
}

func (s *httpServer) refreshInstruments(w http.ResponseWriter, r *http.Request) {
	if err := s.gateway.LoadInstruments(r.Context()); err != nil {
		writeError(w, statusFor(err), fmt.Sprintf("refresh instruments: %v", err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "refreshed", "instruments": len(s.gateway.Instruments())})
}

// statusFor maps error envelope codes onto HTTP statuses.
func statusFor(err error) int {
	switch errs.CodeOf(err) {
	case errs.CodeInvalid, errs.CodeInvalidDepth, errs.CodeUnsupportedBookType,
		errs.CodeUnsupportedBarSpec, errs.CodeDecode:
		return http.StatusBadRequest
	case errs.CodeUnsupportedRequest:
		return http.StatusNotImplemented
	case errs.CodeNotFound:
		return http.StatusNotFound
	case errs.CodeExchange, errs.CodeNetwork:
		return http.StatusBadGateway
	case errs.CodeUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	body := http.MaxBytesReader(w, r.Body, maxJSONBodyBytes)
	defer body.Close()
	decoder := json.NewDecoder(body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dst); err != nil {
		var tooLarge *http.MaxBytesError
		switch {
		case errors.As(err, &tooLarge):
			writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
		case errors.Is(err, io.EOF):
			writeError(w, http.StatusBadRequest, "request body required")
		default:
			writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid json: %v", err))
		}
		return false
	}
	return true
}

func methodNotAllowed(w http.ResponseWriter, allowed ...string) {
	if len(allowed) > 0 {
		w.Header().Set("Allow", strings.Join(allowed, ", "))
	}
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"status": "error", "error": message})
}

func withCORS(handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		handler.ServeHTTP(w, r)
	})
}
