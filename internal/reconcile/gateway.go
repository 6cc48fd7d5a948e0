package reconcile

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// ErrGatewayUnavailable is transient and never leads to a terminal decision.
var ErrGatewayUnavailable = errors.New("gateway unavailable")

// ErrReferenceNotFound is the gateway's explicit answer that it has never seen the reference.
var ErrReferenceNotFound = errors.New("payment reference not found")

// ErrInvalidGatewayStatus reports a status string outside the known set.
var ErrInvalidGatewayStatus = errors.New("invalid gateway status")

// GatewayStatus is the gateway's view of a payment.
type GatewayStatus string

const (
	GatewayPending GatewayStatus = "pending"
	GatewaySuccess GatewayStatus = "success"
	GatewayFailed  GatewayStatus = "failed"
	GatewayExpired GatewayStatus = "expired"
)

// ParseGatewayStatus validates a raw gateway status.
func ParseGatewayStatus(raw string) (GatewayStatus, error) {
	switch status := GatewayStatus(strings.ToLower(strings.TrimSpace(raw))); status {
	case GatewayPending, GatewaySuccess, GatewayFailed, GatewayExpired:
		return status, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidGatewayStatus, raw)
	}
}

// PaymentStatus is one read of a payment's state.
type PaymentStatus struct {
	ReferenceID   string
	Status        GatewayStatus
	SettledAmount int64
	Channel       string
}

// Gateway queries the payment provider.
type Gateway interface {
	Status(ctx context.Context, referenceID string) (PaymentStatus, error)
}
