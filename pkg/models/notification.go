package models

import (
	"encoding/json"
	"time"
)

// Priority orders proactive notifications for delivery. Alerts always
// deliver before conversation-priority messages.
type Priority string

const (
	PriorityAlert        Priority = "alert"
	PriorityConversation Priority = "conversation"
)

// Rank returns the delivery ordering weight, higher first.
func (p Priority) Rank() int {
	if p == PriorityAlert {
		return 1
	}
	return 0
}

// NotificationStatus is the delivery state of a notification.
type NotificationStatus string

const (
	NotificationPending   NotificationStatus = "pending"
	NotificationDelivered NotificationStatus = "delivered"
	NotificationFailed    NotificationStatus = "failed"
)

// Notification is a proactive outbound message queued for adapter delivery.
// Parent links form escalation chains rooted at the first pending
// notification about a topic.
type Notification struct {
	ID               string             `json:"id"`
	UserID           string             `json:"user_id"`
	TargetMedium     Medium             `json:"target_medium"`
	TargetLocation   string             `json:"target_location"`
	Message          string             `json:"message"`
	Priority         Priority           `json:"priority"`
	RoutingReasoning string             `json:"routing_reasoning,omitempty"`
	Status           NotificationStatus `json:"status"`
	CreatedAt        time.Time          `json:"created_at"`
	DeliveredAt      *time.Time         `json:"delivered_at,omitempty"`
	ErrorMessage     string             `json:"error_message,omitempty"`
	Acknowledged     bool               `json:"acknowledged"`
	AcknowledgedAt   *time.Time         `json:"acknowledged_at,omitempty"`
	ParentID         string             `json:"parent_notification_id,omitempty"`

	Context *NotificationContext `json:"context,omitempty"`
}

// NotificationContext records what triggered a notification and the context
// snapshot the decision was made from.
type NotificationContext struct {
	TriggerType     string          `json:"trigger_type,omitempty"`
	TriggerID       string          `json:"trigger_id,omitempty"`
	TriggerData     json.RawMessage `json:"trigger_data,omitempty"`
	ContextSnapshot json.RawMessage `json:"context_snapshot,omitempty"`
}
