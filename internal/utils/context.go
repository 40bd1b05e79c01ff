package utils

import (
	"context"
	"errors"
)

// Key type for context values
type contextKey string

const (
	userIDKey contextKey = "userID"
	roleKey   contextKey = "role"
)

// RoleAdmin may suspend and resume any connection.
const RoleAdmin = "admin"

// GetUserIDFromContext extracts the user ID from the context
func GetUserIDFromContext(ctx context.Context) (uint, error) {
	userID, ok := ctx.Value(userIDKey).(uint)
	if !ok || userID == 0 {
		return 0, errors.New("user ID not found in context")
	}
	return userID, nil
}

// SetUserToContext adds the authenticated user and role to the context
func SetUserToContext(ctx context.Context, userID uint, role string) context.Context {
	ctx = context.WithValue(ctx, userIDKey, userID)
	return context.WithValue(ctx, roleKey, role)
}

// GetRoleFromContext returns the caller's role, or "" when unset.
func GetRoleFromContext(ctx context.Context) string {
	role, _ := ctx.Value(roleKey).(string)
	return role
}
