// Package dispatch delivers the notification jobs produced by subscription
// transitions. Jobs go through an in-process watermill queue; retries,
// per-attempt timeouts and dead-lettering belong to the router.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/message/router/middleware"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	raven "github.com/getsentry/raven-go"
	json "github.com/goccy/go-json"

	"github.com/EFForg/newsletter-backend/db"
	"github.com/EFForg/newsletter-backend/email"
	"github.com/EFForg/newsletter-backend/logging"
	"github.com/EFForg/newsletter-backend/metrics"
	"github.com/EFForg/newsletter-backend/models"
)

// Queue topics.
const (
	TopicJobs       = "newsletter.jobs"
	TopicDeadLetter = "newsletter.jobs.dead"
)

// Mailer sends the emails jobs ask for.
type Mailer interface {
	SendConfirmation(ctx context.Context, project models.Project, sub models.Subscription) error
	SendWelcome(ctx context.Context, project models.Project, sub models.Subscription) error
	SendAdminNotification(ctx context.Context, to string, project models.Project, sub models.Subscription, event models.AdminEvent, reason string) error
}

// Store is what workers read before acting on a job.
type Store interface {
	GetProject(context.Context, int64) (models.Project, error)
	GetSubscription(context.Context, string) (models.Subscription, error)
	MergeSubscriptionMeta(ctx context.Context, id string, meta models.Meta) error
}

// Config controls delivery.
type Config struct {
	// MaxAttempts counts the first try. Defaults to 3.
	MaxAttempts int
	// Timeout bounds each attempt. Defaults to 30s.
	Timeout time.Duration
	// RetryDelay is the first backoff interval.
	RetryDelay time.Duration
	// AdminEmail receives admin notifications. Empty disables them.
	AdminEmail string
	// Buffer is the queue's channel size.
	Buffer int64
}

// Dispatcher owns the queue and its workers.
type Dispatcher struct {
	pubsub *gochannel.GoChannel
	router *message.Router
	store  Store
	mailer Mailer
	cfg    Config
	now    func() time.Time
}

// New wires the queue and router. Call Serve to start consuming.
func New(store Store, mailer Mailer, cfg Config) (*Dispatcher, error) {
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 3
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = time.Second
	}
	if cfg.Buffer <= 0 {
		cfg.Buffer = 256
	}
	logger := NewLogger()

	pubsub := gochannel.NewGoChannel(gochannel.Config{OutputChannelBuffer: cfg.Buffer}, logger)
	router, err := message.NewRouter(message.RouterConfig{CloseTimeout: cfg.Timeout}, logger)
	if err != nil {
		return nil, fmt.Errorf("create watermill router: %w", err)
	}

	poisonQueue, err := middleware.PoisonQueue(pubsub, TopicDeadLetter)
	if err != nil {
		return nil, fmt.Errorf("create poison queue middleware: %w", err)
	}
	retry := middleware.Retry{
		MaxRetries:      cfg.MaxAttempts - 1,
		InitialInterval: cfg.RetryDelay,
		MaxInterval:     cfg.RetryDelay * 10,
		Multiplier:      2,
		Logger:          logger,
	}
	// First added runs outermost: a job reaches the dead letter topic only
	// after every retry failed, and panics count as failures.
	router.AddMiddleware(
		poisonQueue,
		retry.Middleware,
		middleware.Timeout(cfg.Timeout),
		middleware.Recoverer,
	)

	d := &Dispatcher{
		pubsub: pubsub,
		router: router,
		store:  store,
		mailer: mailer,
		cfg:    cfg,
		now:    time.Now,
	}
	router.AddConsumerHandler("jobs", TopicJobs, pubsub, d.handle)
	router.AddConsumerHandler("dead_letter", TopicDeadLetter, pubsub, d.handleDeadLetter)
	return d, nil
}

// Enqueue hands jobs to the queue. The caller's responsibility ends here.
func (d *Dispatcher) Enqueue(ctx context.Context, jobs ...models.Job) error {
	msgs := make([]*message.Message, 0, len(jobs))
	for _, job := range jobs {
		payload, err := json.Marshal(job)
		if err != nil {
			return fmt.Errorf("encoding %s job: %w", job.Kind, err)
		}
		msg := message.NewMessage(watermill.NewUUID(), payload)
		msg.Metadata.Set("kind", string(job.Kind))
		msgs = append(msgs, msg)
	}
	if len(msgs) == 0 {
		return nil
	}
	if err := d.pubsub.Publish(TopicJobs, msgs...); err != nil {
		return fmt.Errorf("publishing jobs: %w", err)
	}
	return nil
}

// Serve runs the workers until ctx is cancelled.
func (d *Dispatcher) Serve(ctx context.Context) error {
	return d.router.Run(ctx)
}

// Running is closed once workers are subscribed.
func (d *Dispatcher) Running() chan struct{} {
	return d.router.Running()
}

// Close stops the router and the queue.
func (d *Dispatcher) Close() error {
	err := d.router.Close()
	if perr := d.pubsub.Close(); err == nil {
		err = perr
	}
	return err
}

func decode(msg *message.Message) (models.Job, error) {
	var job models.Job
	if err := json.Unmarshal(msg.Payload, &job); err != nil {
		return job, fmt.Errorf("decoding job %s: %w", msg.UUID, err)
	}
	return job, nil
}

func (d *Dispatcher) handle(msg *message.Message) error {
	job, err := decode(msg)
	if err != nil {
		// Undecodable payloads can never succeed.
		logging.Error().Err(err).Msg("dropping malformed job")
		return nil
	}
	ctx := msg.Context()
	outcome, err := d.run(ctx, job)
	if errors.Is(err, email.ErrSuppressed) {
		outcome, err = "suppressed", nil
	}
	if err != nil {
		metrics.RecordJob(string(job.Kind), "failed_attempt")
		return err
	}
	metrics.RecordJob(string(job.Kind), outcome)
	return nil
}

// run re-reads current state and performs job if it still applies.
func (d *Dispatcher) run(ctx context.Context, job models.Job) (string, error) {
	sub, err := d.store.GetSubscription(ctx, job.SubscriptionID)
	if errors.Is(err, db.ErrNotFound) {
		return "skipped", nil
	}
	if err != nil {
		return "", fmt.Errorf("loading subscription %s: %w", job.SubscriptionID, err)
	}
	project, err := d.store.GetProject(ctx, job.ProjectID)
	if errors.Is(err, db.ErrNotFound) {
		return "skipped", nil
	}
	if err != nil {
		return "", fmt.Errorf("loading project %d: %w", job.ProjectID, err)
	}

	switch job.Kind {
	case models.JobConfirmationEmail:
		if sub.Status != models.StatusPending || !project.IsActive() {
			return "skipped", nil
		}
		attempts, _ := sub.Meta["confirmation_attempts"].(float64)
		if err := d.store.MergeSubscriptionMeta(ctx, sub.ID, models.Meta{"confirmation_attempts": attempts + 1}); err != nil {
			logging.Warn().Err(err).Str("subscription", sub.ID).Msg("could not record confirmation attempt")
		}
		if err := d.mailer.SendConfirmation(ctx, project, sub); err != nil {
			return "", err
		}
		if err := d.store.MergeSubscriptionMeta(ctx, sub.ID, models.Meta{
			"confirmation_email_sent_at": d.now().UTC().Format(time.RFC3339),
		}); err != nil {
			logging.Warn().Err(err).Str("subscription", sub.ID).Msg("could not record confirmation send time")
		}
	case models.JobWelcomeEmail:
		if sub.Status != models.StatusSubscribed || !project.IsActive() || !project.WelcomeEmail {
			return "skipped", nil
		}
		if err := d.mailer.SendWelcome(ctx, project, sub); err != nil {
			return "", err
		}
	case models.JobAdminNotification:
		if !project.AdminNotifications || d.cfg.AdminEmail == "" {
			return "skipped", nil
		}
		if err := d.mailer.SendAdminNotification(ctx, d.cfg.AdminEmail, project, sub, job.Event, job.Reason); err != nil {
			return "", err
		}
	default:
		return "skipped", nil
	}
	return "sent", nil
}

func (d *Dispatcher) handleDeadLetter(msg *message.Message) error {
	job, _ := decode(msg)
	reason := msg.Metadata.Get(middleware.ReasonForPoisonedKey)
	metrics.RecordJob(string(job.Kind), "dead_letter")
	logging.Error().
		Str("kind", string(job.Kind)).
		Str("subscription", job.SubscriptionID).
		Int64("project", job.ProjectID).
		Str("reason", reason).
		Msg("job failed permanently")
	raven.CaptureMessage("Notification job failed permanently", map[string]string{
		"kind":   string(job.Kind),
		"reason": reason,
	})
	return nil
}
