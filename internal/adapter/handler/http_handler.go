package handler

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/rl1809/order-service/internal/core/domain"
	"github.com/rl1809/order-service/internal/core/service"
	"github.com/rl1809/order-service/internal/observability"
)

const (
	apiKeyHeader         = "X-API-Key"
	idempotencyKeyHeader = "Idempotency-Key"
	maxBodyBytes         = 1 << 20
	defaultTimeout       = 30 * time.Second
)

type clientIDKey struct{}

type HTTPHandler struct {
	orderService  *service.OrderService
	clientService *service.ClientService
	logger        *zap.Logger
}

func NewHTTPHandler(orderService *service.OrderService, clientService *service.ClientService, logger *zap.Logger) *HTTPHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HTTPHandler{
		orderService:  orderService,
		clientService: clientService,
		logger:        logger,
	}
}

// Router builds the route table. timeout bounds each request; zero uses the
// default.
func (h *HTTPHandler) Router(timeout time.Duration) http.Handler {
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(observability.RequestLogger(h.logger))
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(timeout))

	r.NotFound(func(w http.ResponseWriter, req *http.Request) {
		writeFailure(w, http.StatusNotFound, "route_not_found", "no route for "+req.URL.Path)
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, req *http.Request) {
		writeFailure(w, http.StatusMethodNotAllowed, "method_not_allowed", "method "+req.Method+" not allowed on "+req.URL.Path)
	})

	r.Get("/health", h.HealthCheck)

	r.Route("/api", func(r chi.Router) {
		r.Post("/auth/register", h.Register)

		r.Group(func(r chi.Router) {
			r.Use(h.authenticate)
			r.Get("/auth/me", h.Me)
			r.Post("/orders", h.CreateOrder)
			r.Get("/orders/{orderID}", h.GetOrder)
			r.Post("/orders/{orderID}/items", h.AddItem)
		})
	})

	return r
}

type envelope struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
	Data    any    `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
}

type registerRequest struct {
	Name    string  `json:"name"`
	Address *string `json:"address"`
}

type registerResponse struct {
	ClientID int64  `json:"client_id"`
	Name     string `json:"name"`
	APIKey   string `json:"api_key"`
}

type clientResponse struct {
	ID      int64   `json:"id"`
	Name    string  `json:"name"`
	Address *string `json:"address"`
}

type addItemRequest struct {
	NomenclatureID int64 `json:"nomenclature_id"`
	Quantity       int   `json:"quantity"`
}

type orderResponse struct {
	ID          int64               `json:"id"`
	ClientID    int64               `json:"client_id"`
	Status      string              `json:"status"`
	Items       []orderItemResponse `json:"items"`
	TotalAmount string              `json:"total_amount"`
}

type orderItemResponse struct {
	ID             int64  `json:"id"`
	NomenclatureID int64  `json:"nomenclature_id"`
	Quantity       int    `json:"quantity"`
	UnitPrice      string `json:"unit_price"`
	TotalPrice     string `json:"total_price"`
}

func newOrderResponse(view domain.OrderView) orderResponse {
	resp := orderResponse{
		ID:          view.ID,
		ClientID:    view.ClientID,
		Status:      string(view.Status),
		Items:       make([]orderItemResponse, 0, len(view.Items)),
		TotalAmount: view.TotalAmount.StringFixed(2),
	}
	for _, item := range view.Items {
		resp.Items = append(resp.Items, orderItemResponse{
			ID:             item.ID,
			NomenclatureID: item.CatalogItemID,
			Quantity:       item.Quantity,
			UnitPrice:      item.UnitPrice.StringFixed(2),
			TotalPrice:     item.TotalPrice.StringFixed(2),
		})
	}
	return resp
}

func (h *HTTPHandler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *HTTPHandler) Register(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if !decodeBody(w, r, &req) {
		return
	}

	client, err := h.clientService.Register(r.Context(), req.Name, req.Address)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, envelope{
		Success: true,
		Message: "Client registered successfully",
		Data: registerResponse{
			ClientID: client.ID,
			Name:     client.Name,
			APIKey:   client.APIKey,
		},
	})
}

func (h *HTTPHandler) Me(w http.ResponseWriter, r *http.Request) {
	client, err := h.clientService.Me(r.Context(), clientIDFrom(r.Context()))
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, envelope{
		Success: true,
		Data: clientResponse{
			ID:      client.ID,
			Name:    client.Name,
			Address: client.Address,
		},
	})
}

func (h *HTTPHandler) CreateOrder(w http.ResponseWriter, r *http.Request) {
	view, err := h.orderService.CreateOrder(r.Context(), clientIDFrom(r.Context()))
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusCreated, envelope{
		Success: true,
		Message: "Order created successfully",
		Data:    newOrderResponse(view),
	})
}

func (h *HTTPHandler) GetOrder(w http.ResponseWriter, r *http.Request) {
	orderID, ok := orderIDParam(w, r)
	if !ok {
		return
	}

	view, err := h.orderService.GetOrder(r.Context(), orderID, clientIDFrom(r.Context()))
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, envelope{
		Success: true,
		Data:    newOrderResponse(view),
	})
}

func (h *HTTPHandler) AddItem(w http.ResponseWriter, r *http.Request) {
	orderID, ok := orderIDParam(w, r)
	if !ok {
		return
	}

	var req addItemRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.NomenclatureID <= 0 {
		writeFailure(w, http.StatusBadRequest, "invalid_request", "nomenclature_id must be a positive integer")
		return
	}

	view, err := h.orderService.AddItem(r.Context(), service.AddItemCommand{
		OrderID:        orderID,
		ClientID:       clientIDFrom(r.Context()),
		CatalogItemID:  req.NomenclatureID,
		Quantity:       req.Quantity,
		IdempotencyKey: strings.TrimSpace(r.Header.Get(idempotencyKeyHeader)),
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, envelope{
		Success: true,
		Message: "Item added to order successfully",
		Data:    newOrderResponse(view),
	})
}

func (h *HTTPHandler) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		clientID, err := h.clientService.Authenticate(r.Context(), strings.TrimSpace(r.Header.Get(apiKeyHeader)))
		if err != nil {
			h.writeError(w, r, err)
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), clientIDKey{}, clientID)))
	})
}

func clientIDFrom(ctx context.Context) int64 {
	id, _ := ctx.Value(clientIDKey{}).(int64)
	return id
}

func orderIDParam(w http.ResponseWriter, r *http.Request) (int64, bool) {
	orderID, err := strconv.ParseInt(chi.URLParam(r, "orderID"), 10, 64)
	if err != nil || orderID <= 0 {
		writeFailure(w, http.StatusBadRequest, "invalid_request", "order id must be a positive integer")
		return 0, false
	}
	return orderID, true
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dst); err != nil {
		var tooLarge *http.MaxBytesError
		switch {
		case errors.As(err, &tooLarge):
			writeFailure(w, http.StatusRequestEntityTooLarge, "payload_too_large", "request body exceeds allowed size")
		case errors.Is(err, io.EOF):
			writeFailure(w, http.StatusBadRequest, "invalid_request", "request body is required")
		default:
			writeFailure(w, http.StatusBadRequest, "invalid_request", "invalid request body")
		}
		return false
	}
	return true
}

func (h *HTTPHandler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	m := mapError(err)
	if m.httpStatus >= http.StatusInternalServerError {
		h.logger.Error("request failed",
			zap.String("request_id", middleware.GetReqID(r.Context())),
			zap.String("path", r.URL.Path),
			zap.Error(err),
		)
	}
	writeFailure(w, m.httpStatus, m.code, m.publicMessage(err))
}

func writeFailure(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, envelope{
		Success: false,
		Message: message,
		Error:   code,
	})
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}
