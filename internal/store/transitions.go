package store

import "ticketpay/internal/models"

// Refunds are allowed from void and refunded because a late confirmation can
// still leave money on those tickets.
var transitionMap = map[string][]string{
	"checkout": {models.StatusOpen, models.StatusPendingPayment},
	"settle":   {models.StatusOpen, models.StatusPendingPayment},
	"void":     {models.StatusOpen, models.StatusPendingPayment},
	"refund":   {models.StatusPaid, models.StatusOpen, models.StatusPendingPayment, models.StatusVoid, models.StatusRefunded},
}

func ValidTransition(action, fromStatus string) bool {
	allowed, ok := transitionMap[action]
	if !ok {
		return false
	}
	for _, status := range allowed {
		if status == fromStatus {
			return true
		}
	}
	return false
}
