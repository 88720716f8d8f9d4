// Package notify is the notification port the workflow talks to, plus the
// delivery plumbing behind it: a detached retrying sender, a Postgres outbox
// with its relay, and an HTTP webhook transport.
package notify

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// ErrDeliveryFailed is logged when a notification could not be delivered.
// It never fails the operation that produced the notification.
var ErrDeliveryFailed = errors.New("notify: delivery failed")

// Type is the notification kind understood by the delivery side.
type Type string

const (
	TypeContractSent     Type = "contract_sent"
	TypeContractSigned   Type = "contract_signed"
	TypeContractDeclined Type = "contract_declined"
)

// RelatedTypeContract tags notifications that point at a contract instance.
const RelatedTypeContract = "contract_instance"

// Notification is the payload handed to the port.
type Notification struct {
	UserID      string `json:"userId,omitempty"`
	Email       string `json:"email,omitempty"`
	Type        Type   `json:"type"`
	Title       string `json:"title"`
	Description string `json:"description"`
	RelatedID   string `json:"relatedId"`
	RelatedType string `json:"relatedType"`
	ActionURL   string `json:"actionUrl,omitempty"`
}

// Port delivers one notification and reports success.
type Port interface {
	Notify(ctx context.Context, n Notification) bool
}

// PortFunc adapts a function to Port.
type PortFunc func(ctx context.Context, n Notification) bool

func (f PortFunc) Notify(ctx context.Context, n Notification) bool {
	return f(ctx, n)
}

// Dispatcher hands notifications off without waiting for delivery.
type Dispatcher interface {
	Send(ctx context.Context, n Notification)
}

// SigningURL builds the link a signer follows to reach their session.
func SigningURL(baseURL, contractID, signerID, code string) string {
	return fmt.Sprintf("%s/sign/%s/%s?code=%s",
		strings.TrimRight(baseURL, "/"),
		url.PathEscape(contractID),
		url.PathEscape(signerID),
		url.QueryEscape(code),
	)
}
