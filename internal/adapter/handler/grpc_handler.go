package handler

import (
	"context"
	"encoding/json"
	"strings"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/encoding"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/rl1809/order-service/internal/core/service"
)

const (
	grpcServiceName = "orders.v1.OrderService"
	apiKeyMetadata  = "x-api-key"
	idempotencyMD   = "idempotency-key"
)

// JSONCodecName is the content subtype clients select with
// grpc.CallContentSubtype to talk to OrderService.
const JSONCodecName = "json"

func init() {
	encoding.RegisterCodec(jsonCodec{})
}

type jsonCodec struct{}

func (jsonCodec) Marshal(v any) ([]byte, error) { return json.Marshal(v) }
func (jsonCodec) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }
func (jsonCodec) Name() string { return JSONCodecName }

type AddItemRequest struct {
	OrderID        int64 `json:"order_id"`
	NomenclatureID int64 `json:"nomenclature_id"`
	Quantity       int   `json:"quantity"`
}

type GetOrderRequest struct {
	OrderID int64 `json:"order_id"`
}

type CreateOrderRequest struct{}

type OrderReply struct {
	Success bool          `json:"success"`
	Message string        `json:"message,omitempty"`
	Order   orderResponse `json:"order"`
}

// OrderServiceServer is the server API of orders.v1.OrderService.
type OrderServiceServer interface {
	AddItem(context.Context, *AddItemRequest) (*OrderReply, error)
	GetOrder(context.Context, *GetOrderRequest) (*OrderReply, error)
	CreateOrder(context.Context, *CreateOrderRequest) (*OrderReply, error)
}

var orderServiceDesc = grpc.ServiceDesc{
	ServiceName: grpcServiceName,
	HandlerType: (*OrderServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "AddItem", Handler: addItemHandler},
		{MethodName: "GetOrder", Handler: getOrderHandler},
		{MethodName: "CreateOrder", Handler: createOrderHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "orders/v1/order_service",
}

func RegisterOrderServiceServer(s grpc.ServiceRegistrar, srv OrderServiceServer) {
	s.RegisterService(&orderServiceDesc, srv)
}

func addItemHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(AddItemRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(OrderServiceServer).AddItem(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + grpcServiceName + "/AddItem"}
	return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
		return srv.(OrderServiceServer).AddItem(ctx, req.(*AddItemRequest))
	})
}

func getOrderHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(GetOrderRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(OrderServiceServer).GetOrder(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + grpcServiceName + "/GetOrder"}
	return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
		return srv.(OrderServiceServer).GetOrder(ctx, req.(*GetOrderRequest))
	})
}

func createOrderHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(CreateOrderRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(OrderServiceServer).CreateOrder(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + grpcServiceName + "/CreateOrder"}
	return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
		return srv.(OrderServiceServer).CreateOrder(ctx, req.(*CreateOrderRequest))
	})
}

type GRPCHandler struct {
	orderService  *service.OrderService
	clientService *service.ClientService
	logger        *zap.Logger
}

func NewGRPCHandler(orderService *service.OrderService, clientService *service.ClientService, logger *zap.Logger) *GRPCHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &GRPCHandler{
		orderService:  orderService,
		clientService: clientService,
		logger:        logger,
	}
}

// AuthInterceptor resolves the x-api-key metadata into a client id before
// any OrderService method runs.
func (h *GRPCHandler) AuthInterceptor(ctx context.Context, req any, info *grpc.UnaryServerInfo, next grpc.UnaryHandler) (any, error) {
	clientID, err := h.clientService.Authenticate(ctx, firstMetadata(ctx, apiKeyMetadata))
	if err != nil {
		return nil, h.toStatus(info.FullMethod, err)
	}
	return next(context.WithValue(ctx, clientIDKey{}, clientID), req)
}

func (h *GRPCHandler) AddItem(ctx context.Context, req *AddItemRequest) (*OrderReply, error) {
	if req.NomenclatureID <= 0 {
		return nil, status.Error(codes.InvalidArgument, "nomenclature_id must be a positive integer")
	}

	view, err := h.orderService.AddItem(ctx, service.AddItemCommand{
		OrderID:        req.OrderID,
		ClientID:       clientIDFrom(ctx),
		CatalogItemID:  req.NomenclatureID,
		Quantity:       req.Quantity,
		IdempotencyKey: firstMetadata(ctx, idempotencyMD),
	})
	if err != nil {
		return nil, h.toStatus("AddItem", err)
	}

	return &OrderReply{
		Success: true,
		Message: "Item added to order successfully",
		Order:   newOrderResponse(view),
	}, nil
}

func (h *GRPCHandler) GetOrder(ctx context.Context, req *GetOrderRequest) (*OrderReply, error) {
	view, err := h.orderService.GetOrder(ctx, req.OrderID, clientIDFrom(ctx))
	if err != nil {
		return nil, h.toStatus("GetOrder", err)
	}
	return &OrderReply{Success: true, Order: newOrderResponse(view)}, nil
}

func (h *GRPCHandler) CreateOrder(ctx context.Context, _ *CreateOrderRequest) (*OrderReply, error) {
	view, err := h.orderService.CreateOrder(ctx, clientIDFrom(ctx))
	if err != nil {
		return nil, h.toStatus("CreateOrder", err)
	}
	return &OrderReply{
		Success: true,
		Message: "Order created successfully",
		Order:   newOrderResponse(view),
	}, nil
}

func (h *GRPCHandler) toStatus(method string, err error) error {
	m := mapError(err)
	if m.grpcCode == codes.Internal || m.grpcCode == codes.Unavailable {
		h.logger.Error("rpc failed", zap.String("method", method), zap.Error(err))
	}
	return status.Error(m.grpcCode, m.publicMessage(err))
}

func firstMetadata(ctx context.Context, key string) string {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return ""
	}
	values := md.Get(key)
	if len(values) == 0 {
		return ""
	}
	return strings.TrimSpace(values[0])
}
