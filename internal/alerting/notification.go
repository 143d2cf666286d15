package alerting

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Type 区分通知来源。
type Type string

const (
	TypePrice  Type = "price"
	TypeSystem Type = "system"
)

// Priority 通知优先级。
type Priority string

const (
	PriorityLow      Priority = "low"
	PriorityMedium   Priority = "medium"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

// Notification 封装一次推送的上下文。UserID 为空表示运维通知。
type Notification struct {
	ID        string            `json:"id" bson:"_id"`
	UserID    string            `json:"userId,omitempty" bson:"user_id,omitempty"`
	Type      Type              `json:"type" bson:"type"`
	Priority  Priority          `json:"priority" bson:"priority"`
	Title     string            `json:"title" bson:"title"`
	Message   string            `json:"message" bson:"message"`
	Data      map[string]string `json:"data,omitempty" bson:"data,omitempty"`
	CreatedAt time.Time         `json:"createdAt" bson:"created_at"`
}

// NewNotification fills in the id and defaults the priority to low.
func NewNotification(userID string, typ Type, priority Priority, title, message string, data map[string]string, now time.Time) Notification {
	if priority == "" {
		priority = PriorityLow
	}
	return Notification{
		ID:        uuid.NewString(),
		UserID:    userID,
		Type:      typ,
		Priority:  priority,
		Title:     title,
		Message:   message,
		Data:      data,
		CreatedAt: now.UTC(),
	}
}

// PriceAlert builds the notification sent when a user's price alert fires.
func PriceAlert(userID, symbol string, price, threshold decimal.Decimal, direction string, now time.Time) Notification {
	return NewNotification(userID, TypePrice, PriorityMedium, "Price Alert",
		fmt.Sprintf("%s is %s %s (current %s)", symbol, direction, threshold.String(), price.String()),
		map[string]string{
			"symbol":    symbol,
			"price":     price.String(),
			"threshold": threshold.String(),
			"direction": direction,
		}, now)
}
