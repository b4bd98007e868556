package models

import "time"

// JobKind names an asynchronous side effect of a subscription transition.
type JobKind string

// Possible values for JobKind.
const (
	JobConfirmationEmail JobKind = "confirmation_email"
	JobWelcomeEmail      JobKind = "welcome_email"
	JobAdminNotification JobKind = "admin_notification"
)

// AdminEvent tells the project owner what happened.
type AdminEvent string

// Possible values for AdminEvent.
const (
	EventNewSubscription AdminEvent = "new_subscription"
	EventConfirmed       AdminEvent = "subscription_confirmed"
	EventResubscribed    AdminEvent = "resubscribed"
	EventUnsubscribed    AdminEvent = "unsubscribe"
)

// Job is the payload handed to the dispatcher. It carries ids only; the
// worker reloads current state before acting.
type Job struct {
	Kind           JobKind    `json:"kind"`
	SubscriptionID string     `json:"subscription_id"`
	ProjectID      int64      `json:"project_id"`
	Event          AdminEvent `json:"event,omitempty"`
	Reason         string     `json:"reason,omitempty"`
	EnqueuedAt     time.Time  `json:"enqueued_at"`
}
