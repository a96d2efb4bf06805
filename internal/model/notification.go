package model

import (
	"errors"
	"fmt"
	"strings"
)

var ErrInvalidNotification = errors.New("invalid notification")

// Notification is a pre-verified, parsed provider event handed to the engine by
// a transport (HTTP webhook, Kafka topic, manual trigger).
type Notification struct {
	ProviderEventID string  `json:"provider_event_id"`
	EventType       string  `json:"event_type"`
	Payload         Payload `json:"payload"`
	OwnerID         string  `json:"owner_id,omitempty"`
}

// Normalize trims identifiers and returns ErrInvalidNotification when the
// dedup key or the type tag is missing.
func (n *Notification) Normalize() error {
	n.ProviderEventID = strings.TrimSpace(n.ProviderEventID)
	n.EventType = strings.TrimSpace(n.EventType)
	n.OwnerID = strings.TrimSpace(n.OwnerID)
	if n.ProviderEventID == "" {
		return fmt.Errorf("%w: provider_event_id is required", ErrInvalidNotification)
	}
	if n.EventType == "" {
		return fmt.Errorf("%w: event_type is required", ErrInvalidNotification)
	}
	return nil
}
