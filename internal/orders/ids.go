// Package orders places and tracks order chains: an entry plus its
// protective stop-loss and take-profit, linked through structured client
// order IDs.
package orders

import (
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// Role marks an order's job inside a chain.
type Role string

const (
	RoleEntry      Role = "E"
	RoleStopLoss   Role = "SL"
	RoleTakeProfit Role = "TP"
	RoleClose      Role = "C"
)

// Binance caps client order IDs at 36 characters.
const maxClientOrderIDLength = 36

const idPrefix = "BOT"

var ErrInvalidClientOrderID = errors.New("invalid client order id")

// NewChainID returns a fresh base ID shared by all orders in one chain.
// Format: BOT-<8 hex chars>, e.g. "BOT-a3f7c2e9".
func NewChainID() string {
	return fmt.Sprintf("%s-%s", idPrefix, uuid.New().String()[:8])
}

// ChainOrderID builds the client order ID for one role within a chain.
// "BOT-a3f7c2e9" + RoleStopLoss -> "BOT-a3f7c2e9-SL".
func ChainOrderID(chainID string, role Role) string {
	return fmt.Sprintf("%s-%s", chainID, role)
}

// ParseOrderID splits a client order ID into its chain ID and role. IDs not
// produced by this package (manual orders, exchange-assigned IDs) return
// ErrInvalidClientOrderID.
func ParseOrderID(id string) (chainID string, role Role, err error) {
	if id == "" || len(id) > maxClientOrderIDLength {
		return "", "", ErrInvalidClientOrderID
	}
	parts := strings.Split(id, "-")
	if len(parts) != 3 || parts[0] != idPrefix {
		return "", "", ErrInvalidClientOrderID
	}
	switch Role(parts[2]) {
	case RoleEntry, RoleStopLoss, RoleTakeProfit, RoleClose:
		return parts[0] + "-" + parts[1], Role(parts[2]), nil
	}
	return "", "", fmt.Errorf("%w: unknown role %q", ErrInvalidClientOrderID, parts[2])
}
