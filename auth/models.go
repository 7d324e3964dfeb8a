package auth

import "errors"

type Role string

const (
	RoleShipper Role = "shipper"
	RoleCarrier Role = "carrier"
	RoleAdmin   Role = "admin"
)

var (
	// ErrInvalidToken signals a missing, malformed, expired or forged bearer token.
	ErrInvalidToken = errors.New("auth: invalid token")
)

// Principal is the authenticated caller attached to a request.
type Principal struct {
	UserID string
	Role   Role
}

// IsAdmin reports whether the principal may act on resources it does not own.
func (p Principal) IsAdmin() bool {
	return p.Role == RoleAdmin
}

func isValidRole(role Role) bool {
	switch role {
	case RoleShipper, RoleCarrier, RoleAdmin:
		return true
	default:
		return false
	}
}
