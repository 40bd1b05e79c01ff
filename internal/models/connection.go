package models

import (
	"time"
)

// ConnectionStatus is the lifecycle state of a bridge connection.
type ConnectionStatus string

const (
	ConnectionPending   ConnectionStatus = "pending"
	ConnectionActive    ConnectionStatus = "active"
	ConnectionSuspended ConnectionStatus = "suspended"
	ConnectionRevoked   ConnectionStatus = "revoked"
)

// Quality is the health tier derived from heartbeat recency.
type Quality string

const (
	QualityExcellent Quality = "excellent"
	QualityGood      Quality = "good"
	QualityPoor      Quality = "poor"
	QualityOffline   Quality = "offline"
)

// Connection binds a platform user, one device and one broker account.
type Connection struct {
	ID             uint             `gorm:"primaryKey" json:"id"`
	UserID         uint             `json:"userId" gorm:"column:user_id;index"`
	DeviceHash     string           `json:"-" gorm:"column:device_hash;uniqueIndex;size:64"`
	DeviceName     string           `json:"deviceName" gorm:"column:device_name"`
	CredentialHash string           `json:"-" gorm:"column:credential_hash;uniqueIndex;size:64"`
	AccountNumber  string           `json:"accountNumber" gorm:"column:account_number"`
	Platform       string           `json:"platform"`
	BrokerName     string           `json:"brokerName" gorm:"column:broker_name"`
	BrokerServer   string           `json:"brokerServer" gorm:"column:broker_server"`
	Status         ConnectionStatus `json:"status" gorm:"index;default:pending"`
	AgentVersion   string           `json:"agentVersion" gorm:"column:agent_version"`

	LastHeartbeat *time.Time `json:"lastHeartbeat,omitempty" gorm:"column:last_heartbeat"`
	IsOnline      bool       `json:"isOnline" gorm:"column:is_online"`
	Quality       Quality    `json:"quality" gorm:"default:offline"`
	// FaultOffline is set by a critical agent fault and cleared by the next heartbeat.
	FaultOffline bool `json:"faultOffline" gorm:"column:fault_offline"`

	Balance          float64    `json:"balance"`
	Equity           float64    `json:"equity"`
	FreeMargin       float64    `json:"freeMargin" gorm:"column:free_margin"`
	MarginLevel      float64    `json:"marginLevel" gorm:"column:margin_level"`
	Leverage         int        `json:"leverage"`
	Currency         string     `json:"currency"`
	AccountUpdatedAt *time.Time `json:"accountUpdatedAt,omitempty" gorm:"column:account_updated_at"`

	RiskPerTrade   float64 `json:"riskPerTrade" gorm:"column:risk_per_trade;default:1"`
	MaxLotSize     float64 `json:"maxLotSize" gorm:"column:max_lot_size;default:1"`
	MaxOpenTrades  int     `json:"maxOpenTrades" gorm:"column:max_open_trades;default:5"`
	DailyLossLimit float64 `json:"dailyLossLimit" gorm:"column:daily_loss_limit;default:0"`
	AllowBuy       bool    `json:"allowBuy" gorm:"column:allow_buy;default:true"`
	AllowSell      bool    `json:"allowSell" gorm:"column:allow_sell;default:true"`

	RevokedAt *time.Time `json:"revokedAt,omitempty" gorm:"column:revoked_at"`
	CreatedAt time.Time  `json:"createdAt" gorm:"column:created_at"`
	UpdatedAt time.Time  `json:"updatedAt" gorm:"column:updated_at"`
}

// TableName specifies the table name for Connection model
func (Connection) TableName() string {
	return "connections"
}

// CreateConnectionRequest is the body of connection.create.
type CreateConnectionRequest struct {
	DeviceFingerprint string `json:"deviceFingerprint"`
	DeviceName        string `json:"deviceName"`
	AccountNumber     string `json:"accountNumber"`
	Platform          string `json:"platform"`
	BrokerName        string `json:"brokerName"`
	BrokerServer      string `json:"brokerServer"`
}

// CreateConnectionResponse returns the one-time credential.
type CreateConnectionResponse struct {
	ConnectionID uint   `json:"connectionId"`
	Credential   string `json:"credential"`
}

// ConnectionSummary is a connection annotated with read-time health.
type ConnectionSummary struct {
	Connection
	Quality      Quality `json:"quality"`
	IsOnline     bool    `json:"isOnline"`
	SecondsSince *int64  `json:"secondsSinceHeartbeat,omitempty"`
	OpenTrades   int64   `json:"openTrades"`
}

// HeartbeatRequest is the body of webhook.heartbeat.
type HeartbeatRequest struct {
	Credential   string `json:"credential"`
	AgentVersion string `json:"agentVersion"`
	Status       string `json:"status"`
}

// AccountUpdateRequest is the body of webhook.accountUpdate.
type AccountUpdateRequest struct {
	Credential  string  `json:"credential"`
	Balance     float64 `json:"balance"`
	Equity      float64 `json:"equity"`
	Leverage    int     `json:"leverage"`
	FreeMargin  float64 `json:"freeMargin"`
	MarginLevel float64 `json:"marginLevel"`
	Currency    string  `json:"currency"`
}
