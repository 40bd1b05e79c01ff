package models

import (
	"time"

	"gorm.io/datatypes"
)

// AuditEntry is an append-only record of who did what to which resource.
type AuditEntry struct {
	ID         uint           `gorm:"primaryKey" json:"id"`
	Actor      string         `json:"actor" gorm:"index"`
	Action     string         `json:"action"`
	Resource   string         `json:"resource" gorm:"index:idx_audit_resource,priority:1"`
	ResourceID string         `json:"resourceId" gorm:"column:resource_id;index:idx_audit_resource,priority:2"`
	Metadata   datatypes.JSON `json:"metadata"`
	CreatedAt  time.Time      `json:"createdAt" gorm:"column:created_at"`
}

// TableName specifies the table name for AuditEntry model
func (AuditEntry) TableName() string {
	return "audit_entries"
}

// Critical agent fault types force a connection offline.
const (
	FaultConnectionLost       = "connection_lost"
	FaultAuthenticationFailed = "authentication_failed"
	FaultAccountDisabled      = "account_disabled"
)

// IsCriticalFault reports whether faultType belongs to the critical set.
func IsCriticalFault(faultType string) bool {
	switch faultType {
	case FaultConnectionLost, FaultAuthenticationFailed, FaultAccountDisabled:
		return true
	}
	return false
}

// AgentError is a fault reported by a remote agent.
type AgentError struct {
	ID           uint      `gorm:"primaryKey" json:"id"`
	ConnectionID uint      `json:"connectionId" gorm:"column:connection_id;index"`
	FaultType    string    `json:"faultType" gorm:"column:fault_type"`
	Code         string    `json:"code,omitempty"`
	Message      string    `json:"message"`
	Ticket       *int64    `json:"ticket,omitempty"`
	Critical     bool      `json:"critical"`
	CreatedAt    time.Time `json:"createdAt" gorm:"column:created_at"`
}

// TableName specifies the table name for AgentError model
func (AgentError) TableName() string {
	return "agent_errors"
}

// AgentErrorRequest is the body of webhook.error.
type AgentErrorRequest struct {
	Credential string `json:"credential"`
	FaultType  string `json:"faultType"`
	Code       string `json:"code,omitempty"`
	Message    string `json:"message"`
	Ticket     *int64 `json:"ticket,omitempty"`
}
