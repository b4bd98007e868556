package models

import (
	"database/sql/driver"
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Status is the lifecycle state of a Subscription.
type Status string

// Possible values for Status.
const (
	StatusPending      Status = "pending"      // Waiting for the address owner to confirm.
	StatusSubscribed   Status = "subscribed"   // Confirmed, or created without double opt-in.
	StatusUnsubscribed Status = "unsubscribed" // Opted out. Kept as a negative signal.
	StatusBounced      Status = "bounced"      // Undeliverable. Nothing leaves this state.
)

// Meta is the free-form JSON object stored with a subscription.
type Meta map[string]interface{}

// Merge returns a copy of m with every key of other written over it.
func (m Meta) Merge(other Meta) Meta {
	merged := make(Meta, len(m)+len(other))
	for k, v := range m {
		merged[k] = v
	}
	for k, v := range other {
		merged[k] = v
	}
	return merged
}

// Value implements driver.Valuer.
func (m Meta) Value() (driver.Value, error) {
	if m == nil {
		return "{}", nil
	}
	b, err := json.Marshal(m)
	return string(b), err
}

// Scan implements sql.Scanner.
func (m *Meta) Scan(src interface{}) error {
	b, err := jsonBytes(src)
	if err != nil {
		return err
	}
	*m = Meta{}
	if len(b) == 0 {
		return nil
	}
	return json.Unmarshal(b, m)
}

// Subscription is one address on one project's list. (ProjectID, Email)
// is unique and rows are never deleted.
type Subscription struct {
	ID          string     `db:"id" json:"subscription_id"`
	ProjectID   int64      `db:"project_id" json:"-"`
	Email       string     `db:"email" json:"email"`
	Status      Status     `db:"status" json:"status"`
	IPAddress   string     `db:"ip_address" json:"-"`
	UserAgent   string     `db:"user_agent" json:"-"`
	Referrer    string     `db:"referrer" json:"-"`
	SourceURL   string     `db:"source_url" json:"-"`
	Meta        Meta       `db:"meta" json:"-"`
	ConfirmedAt *time.Time `db:"confirmed_at" json:"confirmed_at,omitempty"`
	CreatedAt   time.Time  `db:"created_at" json:"-"`
	UpdatedAt   time.Time  `db:"updated_at" json:"-"`
}

// RequiresConfirmation is true while the owner has not clicked the
// confirmation link yet.
func (s Subscription) RequiresConfirmation() bool {
	return s.Status == StatusPending
}

// Actor describes the request that triggers a transition.
type Actor struct {
	IPAddress string
	UserAgent string
	Referrer  string
	SourceURL string
	Meta      Meta
	At        time.Time
}

// Result names the outcome of a lifecycle event. Handlers pick the
// response message from it.
type Result string

// Possible values for Result.
const (
	ResultPending             Result = "pending"
	ResultSubscribed          Result = "subscribed"
	ResultAlreadyPending      Result = "already_pending"
	ResultAlreadySubscribed   Result = "already_subscribed"
	ResultResubscribed        Result = "resubscribed"
	ResultSuppressed          Result = "suppressed"
	ResultUnsubscribed        Result = "unsubscribed"
	ResultAlreadyUnsubscribed Result = "already_unsubscribed"
	ResultConfirmed           Result = "confirmed"
	ResultAlreadyConfirmed    Result = "already_confirmed"
	ResultResubscribeOffer    Result = "resubscribe_offer"
	ResultBounced             Result = "bounced"
	ResultInvalid             Result = "invalid"
)

// Transition is what a lifecycle event did to a subscription. Changed is
// false for no-ops, in which case nothing needs to be written. Jobs are
// the side effects to enqueue once the change commits.
type Transition struct {
	From    Status
	To      Status
	Result  Result
	Changed bool
	Jobs    []Job
}

func timestamp(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

// NewSubscription creates the record for an address a project has never
// seen. With double opt-in it starts pending and a confirmation email is
// queued; otherwise it is subscribed straight away.
func NewSubscription(project Project, email string, actor Actor) (Subscription, Transition) {
	s := Subscription{
		ID:        uuid.NewString(),
		ProjectID: project.ID,
		Email:     email,
		IPAddress: actor.IPAddress,
		UserAgent: actor.UserAgent,
		Referrer:  actor.Referrer,
		SourceURL: actor.SourceURL,
		Meta:      Meta{}.Merge(actor.Meta),
		CreatedAt: actor.At,
		UpdatedAt: actor.At,
	}
	t := Transition{Changed: true}
	if project.DoubleOptIn {
		s.Status = StatusPending
		t.Result = ResultPending
		t.Jobs = append(t.Jobs, s.job(JobConfirmationEmail, actor.At))
	} else {
		s.markSubscribed(actor.At)
		t.Result = ResultSubscribed
		t.Jobs = append(t.Jobs, s.welcomeJobs(project, actor.At)...)
	}
	t.To = s.Status
	t.Jobs = append(t.Jobs, s.adminJobs(project, EventNewSubscription, "", actor.At)...)
	return s, t
}

// Subscribe applies a repeated subscribe call to an existing record.
// Duplicates while pending or subscribed are strict no-ops. An
// unsubscribed address is fully resubscribed with fresh tracking fields.
// A bounced address is suppressed.
func (s *Subscription) Subscribe(project Project, actor Actor) Transition {
	t := Transition{From: s.Status, To: s.Status}
	switch s.Status {
	case StatusPending:
		t.Result = ResultAlreadyPending
	case StatusSubscribed:
		t.Result = ResultAlreadySubscribed
	case StatusBounced:
		t.Result = ResultSuppressed
	case StatusUnsubscribed:
		s.IPAddress = actor.IPAddress
		s.UserAgent = actor.UserAgent
		s.Referrer = actor.Referrer
		s.SourceURL = actor.SourceURL
		s.Meta = s.Meta.Merge(actor.Meta).Merge(Meta{"resubscribed_at": timestamp(actor.At)})
		s.markSubscribed(actor.At)
		t.To = s.Status
		t.Result = ResultResubscribed
		t.Changed = true
		t.Jobs = append(s.welcomeJobs(project, actor.At), s.adminJobs(project, EventResubscribed, "", actor.At)...)
	default:
		t.Result = ResultInvalid
	}
	return t
}

// Confirm handles a click on the confirmation link. Only a pending
// subscription changes; the other states report what the page should
// tell the visitor.
func (s *Subscription) Confirm(project Project, actor Actor) Transition {
	t := Transition{From: s.Status, To: s.Status}
	switch s.Status {
	case StatusPending:
		s.Meta = s.Meta.Merge(Meta{
			"confirmed_at":            timestamp(actor.At),
			"confirmation_ip":         actor.IPAddress,
			"confirmation_user_agent": actor.UserAgent,
		})
		s.markSubscribed(actor.At)
		t.To = s.Status
		t.Result = ResultConfirmed
		t.Changed = true
		t.Jobs = append(s.welcomeJobs(project, actor.At), s.adminJobs(project, EventConfirmed, "", actor.At)...)
	case StatusSubscribed:
		t.Result = ResultAlreadyConfirmed
	case StatusUnsubscribed:
		t.Result = ResultResubscribeOffer
	case StatusBounced:
		t.Result = ResultBounced
	default:
		t.Result = ResultInvalid
	}
	return t
}

// Resubscribe is the explicit opt back in offered on the confirmation page
// to an unsubscribed address. Any other state is an invalid request.
func (s *Subscription) Resubscribe(project Project, actor Actor) Transition {
	t := Transition{From: s.Status, To: s.Status, Result: ResultInvalid}
	if s.Status != StatusUnsubscribed {
		return t
	}
	s.Meta = s.Meta.Merge(Meta{
		"resubscribed_at":        timestamp(actor.At),
		"resubscribe_ip":         actor.IPAddress,
		"resubscribe_user_agent": actor.UserAgent,
	})
	s.markSubscribed(actor.At)
	t.To = s.Status
	t.Result = ResultResubscribed
	t.Changed = true
	t.Jobs = append(s.welcomeJobs(project, actor.At), s.adminJobs(project, EventResubscribed, "", actor.At)...)
	return t
}

// Unsubscribe opts the address out and records why and from where in the
// metadata. Already unsubscribed and bounced records are left alone.
// ConfirmedAt is kept as history.
func (s *Subscription) Unsubscribe(project Project, actor Actor, reason string) Transition {
	t := Transition{From: s.Status, To: s.Status}
	switch s.Status {
	case StatusUnsubscribed:
		t.Result = ResultAlreadyUnsubscribed
		return t
	case StatusBounced:
		t.Result = ResultBounced
		return t
	}
	extra := Meta{
		"unsubscribe_reason":     reason,
		"unsubscribed_at":        timestamp(actor.At),
		"unsubscribe_ip":         actor.IPAddress,
		"unsubscribe_user_agent": actor.UserAgent,
	}
	s.Meta = s.Meta.Merge(extra).Merge(actor.Meta)
	s.Status = StatusUnsubscribed
	s.UpdatedAt = actor.At
	t.To = s.Status
	t.Result = ResultUnsubscribed
	t.Changed = true
	t.Jobs = s.adminJobs(project, EventUnsubscribed, reason, actor.At)
	return t
}

// MarkBounced records that mail to this address is undeliverable.
func (s *Subscription) MarkBounced(reason string, at time.Time) Transition {
	t := Transition{From: s.Status, To: StatusBounced, Result: ResultBounced}
	if s.Status == StatusBounced {
		return t
	}
	s.Meta = s.Meta.Merge(Meta{"bounced_at": timestamp(at), "bounce_reason": reason})
	s.Status = StatusBounced
	s.UpdatedAt = at
	t.Changed = true
	return t
}

func (s *Subscription) markSubscribed(at time.Time) {
	s.Status = StatusSubscribed
	confirmed := at
	s.ConfirmedAt = &confirmed
	s.UpdatedAt = at
}

func (s *Subscription) job(kind JobKind, at time.Time) Job {
	return Job{Kind: kind, SubscriptionID: s.ID, ProjectID: s.ProjectID, EnqueuedAt: at}
}

func (s *Subscription) welcomeJobs(project Project, at time.Time) []Job {
	if !project.WelcomeEmail {
		return nil
	}
	return []Job{s.job(JobWelcomeEmail, at)}
}

func (s *Subscription) adminJobs(project Project, event AdminEvent, reason string, at time.Time) []Job {
	if !project.AdminNotifications {
		return nil
	}
	j := s.job(JobAdminNotification, at)
	j.Event = event
	j.Reason = reason
	return []Job{j}
}
