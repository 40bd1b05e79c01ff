package models

import (
	"github.com/dgrijalva/jwt-go"
)

// Claims for JWT authentication. Tokens are issued by the platform's
// auth service; this service only verifies them.
type Claims struct {
	UserID uint   `json:"uid"`
	Role   string `json:"role"`
	jwt.StandardClaims
}

// AllModels lists every table managed by this service.
func AllModels() []interface{} {
	return []interface{}{
		&Connection{},
		&Trade{},
		&TrailingConfig{},
		&TrailingLog{},
		&Instruction{},
		&AuditEntry{},
		&AgentError{},
	}
}
