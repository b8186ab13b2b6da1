package tokenizer

import "github.com/golang-jwt/jwt/v5"

// TicketClaims combines standard claims with the pending challenge details
type TicketClaims struct {
	jwt.RegisteredClaims
	NotificationURL string `json:"nurl"`
}
