package engine

import (
	"strings"

	"brokerlink/internal/domain"
)

// NormalizeStatus maps a venue-native order status onto the local status
// enum by keyword containment. The second result is false when no keyword
// matches, in which case the caller keeps the prior status.
//
// Kite's "COMPLETE" and "TRIGGER PENDING" are deliberately unmapped.
func NormalizeStatus(venue string) (domain.OrderStatus, bool) {
	s := strings.ToLower(strings.TrimSpace(venue))
	switch {
	case s == "":
		return "", false
	case strings.Contains(s, "fill") && !strings.Contains(s, "partial"):
		return domain.OrderStatusFilled, true
	case strings.Contains(s, "partial"):
		return domain.OrderStatusPartiallyFilled, true
	case strings.Contains(s, "cancel"):
		return domain.OrderStatusCanceled, true
	case strings.Contains(s, "reject"):
		return domain.OrderStatusRejected, true
	case strings.Contains(s, "new"), strings.Contains(s, "accepted"), strings.Contains(s, "open"):
		return domain.OrderStatusAccepted, true
	}
	return "", false
}

// shouldAdvance reports whether a reconciled status may replace the local one.
func shouldAdvance(local, remote domain.OrderStatus) bool {
	return !local.Terminal() && remote.Rank() > local.Rank()
}
