package handler

import (
	"errors"
	"net/http"

	"google.golang.org/grpc/codes"

	"github.com/rl1809/order-service/internal/core/service"
)

// errorMapping describes how a service error surfaces on each transport.
type errorMapping struct {
	code       string
	httpStatus int
	grpcCode   codes.Code
	// message replaces err.Error() in responses when set.
	message string
}

var errorMappings = []struct {
	target  error
	mapping errorMapping
}{
	{service.ErrInvalidArgument, errorMapping{"invalid_request", http.StatusBadRequest, codes.InvalidArgument, ""}},
	{service.ErrUnauthorized, errorMapping{"unauthorized", http.StatusUnauthorized, codes.Unauthenticated, "invalid or missing api key"}},
	{service.ErrNotFound, errorMapping{"not_found", http.StatusNotFound, codes.NotFound, ""}},
	{service.ErrForbidden, errorMapping{"forbidden", http.StatusForbidden, codes.PermissionDenied, "order belongs to another client"}},
	{service.ErrLifecycleLocked, errorMapping{"order_locked", http.StatusLocked, codes.FailedPrecondition, ""}},
	{service.ErrInsufficientStock, errorMapping{"insufficient_stock", http.StatusConflict, codes.ResourceExhausted, ""}},
	{service.ErrDuplicateRequest, errorMapping{"duplicate_request", http.StatusConflict, codes.AlreadyExists, "request with this idempotency key was already processed"}},
	{service.ErrTransactionFailure, errorMapping{"transaction_failure", http.StatusServiceUnavailable, codes.Unavailable, "the order could not be updated, please retry"}},
}

var internalError = errorMapping{"internal_error", http.StatusInternalServerError, codes.Internal, "internal error"}

func mapError(err error) errorMapping {
	for _, m := range errorMappings {
		if errors.Is(err, m.target) {
			return m.mapping
		}
	}
	return internalError
}

func (m errorMapping) publicMessage(err error) string {
	if m.message != "" {
		return m.message
	}
	return err.Error()
}
