package notify

import (
	"errors"
	"fmt"
)

// ErrDelivery marks a failed send attempt.
var ErrDelivery = errors.New("notification delivery failed")

// abandonedError is recorded on entries whose sender died mid-send.
const abandonedError = "send abandoned in processing"

// DeliveryError records which entry failed and on which attempt.
type DeliveryError struct {
	NotificationID string
	Kind           string
	Attempt        int
	Err            error
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("deliver %s %s (attempt %d): %v", e.Kind, e.NotificationID, e.Attempt, e.Err)
}

func (e *DeliveryError) Unwrap() []error {
	return []error{ErrDelivery, e.Err}
}
