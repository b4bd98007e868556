package db

import (
	"context"
	"errors"
	"time"

	"github.com/EFForg/newsletter-backend/models"
)

// Errors returned by every Database implementation.
var (
	ErrNotFound  = errors.New("record not found")
	ErrDuplicate = errors.New("record already exists")
)

// Database interface: These are the things that the Database should be able to do.
type Database interface {
	// Inserts a project and fills in its ID.
	PutProject(context.Context, *models.Project) error
	// Saves name, status, origins, flags and secret key of an existing project.
	UpdateProject(context.Context, models.Project) error
	// Retrieves a project by its internal id.
	GetProject(context.Context, int64) (models.Project, error)
	// Retrieves a project by the id it presents in the X-Project-ID header.
	GetProjectByPublicID(context.Context, string) (models.Project, error)

	// Retrieves a subscription by its id, without locking.
	GetSubscription(context.Context, string) (models.Subscription, error)
	// Runs fn in one transaction. Jobs queued on the Tx are returned only
	// if the transaction commits.
	Transact(context.Context, func(Tx) error) ([]models.Job, error)
	// Shallow-merges keys into a subscription's metadata.
	MergeSubscriptionMeta(ctx context.Context, id string, meta models.Meta) error
	// Returns true if any project has this address marked as bounced.
	IsSuppressedEmail(context.Context, string) (bool, error)

	// Appends request log entries.
	PutRequestLogs(context.Context, []models.RequestLog) error
	// Deletes request log entries older than the given time.
	DeleteRequestLogsBefore(context.Context, time.Time) (int64, error)

	ClearTables() error
}

// Tx is the view of the database inside a Transact call. Reads lock the
// rows they return until the transaction ends.
type Tx interface {
	LockSubscription(ctx context.Context, projectID int64, email string) (models.Subscription, error)
	LockSubscriptionByID(ctx context.Context, id string) (models.Subscription, error)
	LockSubscriptionsByEmail(ctx context.Context, email string) ([]models.Subscription, error)
	// Returns ErrDuplicate if (project, email) already exists.
	InsertSubscription(context.Context, *models.Subscription) error
	UpdateSubscription(context.Context, *models.Subscription) error
	// Queues jobs to be handed out after commit.
	Enqueue(...models.Job)
}

// Config is a configuration struct for a Database.
type Config struct {
	Host       string `koanf:"host"`
	Name       string `koanf:"name"`
	TestName   string `koanf:"test_name"`
	Username   string `koanf:"username"`
	Password   string `koanf:"password"`
	SSLMode    string `koanf:"sslmode"`
	MaxConns   int    `koanf:"max_conns"`
	SkipSchema bool   `koanf:"skip_migrations"`
}

// DefaultConfig is used for anything the environment doesn't override.
func DefaultConfig() Config {
	return Config{
		Host:     "localhost",
		Name:     "newsletter",
		TestName: "newsletter_test",
		Username: "postgres",
		Password: "postgres",
		SSLMode:  "disable",
		MaxConns: 10,
	}
}
