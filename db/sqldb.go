package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/lib/pq"
	"github.com/pressly/goose/v3"
	"gopkg.in/gorp.v2"

	"github.com/EFForg/newsletter-backend/db/migrations"
	"github.com/EFForg/newsletter-backend/logging"
	"github.com/EFForg/newsletter-backend/models"
)

// Postgres error code for a unique constraint violation.
const uniqueViolation = "23505"

// SQLDatabase is a Database interface backed by postgresql.
type SQLDatabase struct {
	cfg  Config // Configuration to define the DB connection.
	conn *gorp.DbMap
}

func getConnectionString(cfg Config) string {
	sslmode := cfg.SSLMode
	if sslmode == "" {
		sslmode = "disable"
	}
	connectionString := fmt.Sprintf("postgres://%s:%s@%s/%s?sslmode=%s",
		url.PathEscape(cfg.Username),
		url.PathEscape(cfg.Password),
		url.PathEscape(cfg.Host),
		url.PathEscape(cfg.Name),
		url.QueryEscape(sslmode))
	return connectionString
}

// InitSQLDatabase creates a DB connection based on information in a Config, and
// returns a pointer the resulting SQLDatabase object. If connection fails,
// returns an error.
func InitSQLDatabase(cfg Config) (*SQLDatabase, error) {
	logging.Info().Str("host", cfg.Host).Str("database", cfg.Name).Msg("Connecting to Postgres DB")
	conn, err := sql.Open("postgres", getConnectionString(cfg))
	if err != nil {
		return nil, err
	}
	if cfg.MaxConns > 0 {
		conn.SetMaxOpenConns(cfg.MaxConns)
	}
	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("connecting to postgres: %w", err)
	}
	dbmap := &gorp.DbMap{Db: conn, Dialect: gorp.PostgresDialect{}}
	dbmap.AddTableWithName(models.Project{}, "projects").SetKeys(true, "ID")
	dbmap.AddTableWithName(models.Subscription{}, "subscriptions").SetKeys(false, "ID")
	dbmap.AddTableWithName(models.RequestLog{}, "api_requests").SetKeys(true, "ID")
	return &SQLDatabase{cfg: cfg, conn: dbmap}, nil
}

// Migrate brings the schema up to date with the embedded goose migrations.
func (db *SQLDatabase) Migrate(ctx context.Context) error {
	if db.cfg.SkipSchema {
		return nil
	}
	goose.SetBaseFS(migrations.FS)
	if err := goose.SetDialect("postgres"); err != nil {
		return err
	}
	if err := goose.UpContext(ctx, db.conn.Db, "."); err != nil {
		return fmt.Errorf("applying migrations: %w", err)
	}
	return nil
}

// Close releases the connection pool.
func (db *SQLDatabase) Close() error {
	return db.conn.Db.Close()
}

// translateError maps driver errors onto ErrNotFound and ErrDuplicate.
func translateError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
		return fmt.Errorf("%w: %s", ErrDuplicate, pqErr.Constraint)
	}
	return err
}

// PROJECT DB FUNCTIONS

// PutProject inserts a new project and sets its ID.
func (db *SQLDatabase) PutProject(ctx context.Context, p *models.Project) error {
	return translateError(db.conn.WithContext(ctx).Insert(p))
}

// UpdateProject saves the mutable fields of a project. The public id is
// never rewritten.
func (db *SQLDatabase) UpdateProject(ctx context.Context, p models.Project) error {
	res, err := db.conn.WithContext(ctx).Exec(`UPDATE projects SET
		name=$2, status=$3, allowed_origins=$4, double_opt_in=$5, welcome_email=$6,
		admin_notifications=$7, api_key=$8, updated_at=NOW()
		WHERE id=$1`,
		p.ID, p.Name, p.Status, p.AllowedOrigins, p.DoubleOptIn, p.WelcomeEmail,
		p.AdminNotifications, p.SecretKey)
	if err != nil {
		return translateError(err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

// GetProject retrieves a project by internal id.
func (db *SQLDatabase) GetProject(ctx context.Context, id int64) (models.Project, error) {
	var p models.Project
	err := db.conn.WithContext(ctx).SelectOne(&p, "SELECT * FROM projects WHERE id=$1", id)
	return p, translateError(err)
}

// GetProjectByPublicID retrieves a project by its public id.
func (db *SQLDatabase) GetProjectByPublicID(ctx context.Context, publicID string) (models.Project, error) {
	var p models.Project
	err := db.conn.WithContext(ctx).SelectOne(&p, "SELECT * FROM projects WHERE public_id=$1", publicID)
	return p, translateError(err)
}

// SUBSCRIPTION DB FUNCTIONS

// GetSubscription retrieves a subscription without locking it.
func (db *SQLDatabase) GetSubscription(ctx context.Context, id string) (models.Subscription, error) {
	var s models.Subscription
	err := db.conn.WithContext(ctx).SelectOne(&s, "SELECT * FROM subscriptions WHERE id=$1", id)
	return s, translateError(err)
}

// MergeSubscriptionMeta shallow-merges keys into the stored metadata.
func (db *SQLDatabase) MergeSubscriptionMeta(ctx context.Context, id string, meta models.Meta) error {
	_, err := db.conn.WithContext(ctx).Exec(
		"UPDATE subscriptions SET meta = meta || $2::jsonb, updated_at=NOW() WHERE id=$1", id, meta)
	return translateError(err)
}

// IsSuppressedEmail returns true iff some project has this address bounced.
func (db *SQLDatabase) IsSuppressedEmail(ctx context.Context, email string) (bool, error) {
	count, err := db.conn.WithContext(ctx).SelectInt(
		"SELECT count(*) FROM subscriptions WHERE email=$1 AND status=$2", email, models.StatusBounced)
	return count > 0, err
}

// Transact runs fn inside a transaction and returns the jobs it queued
// once the transaction has committed.
func (db *SQLDatabase) Transact(ctx context.Context, fn func(Tx) error) ([]models.Job, error) {
	trans, err := db.conn.Begin()
	if err != nil {
		return nil, err
	}
	tx := &sqlTx{exec: trans.WithContext(ctx)}
	if err := fn(tx); err != nil {
		if rbErr := trans.Rollback(); rbErr != nil {
			return nil, fmt.Errorf("%w (rollback failed: %v)", err, rbErr)
		}
		return nil, err
	}
	if err := trans.Commit(); err != nil {
		return nil, translateError(err)
	}
	return tx.jobs, nil
}

type sqlTx struct {
	exec gorp.SqlExecutor
	jobs []models.Job
}

func (tx *sqlTx) LockSubscription(ctx context.Context, projectID int64, email string) (models.Subscription, error) {
	var s models.Subscription
	err := tx.exec.SelectOne(&s,
		"SELECT * FROM subscriptions WHERE project_id=$1 AND email=$2 FOR UPDATE", projectID, email)
	return s, translateError(err)
}

func (tx *sqlTx) LockSubscriptionByID(ctx context.Context, id string) (models.Subscription, error) {
	var s models.Subscription
	err := tx.exec.SelectOne(&s, "SELECT * FROM subscriptions WHERE id=$1 FOR UPDATE", id)
	return s, translateError(err)
}

func (tx *sqlTx) LockSubscriptionsByEmail(ctx context.Context, email string) ([]models.Subscription, error) {
	subs := []models.Subscription{}
	_, err := tx.exec.Select(&subs, "SELECT * FROM subscriptions WHERE email=$1 ORDER BY created_at FOR UPDATE", email)
	return subs, translateError(err)
}

// InsertSubscription relies on the (project_id, email) constraint: a row
// inserted concurrently by another transaction shows up as zero affected
// rows, not as an aborted transaction.
func (tx *sqlTx) InsertSubscription(ctx context.Context, s *models.Subscription) error {
	res, err := tx.exec.Exec(`INSERT INTO subscriptions
		(id, project_id, email, status, ip_address, user_agent, referrer, source_url, meta, confirmed_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (project_id, email) DO NOTHING`,
		s.ID, s.ProjectID, s.Email, s.Status, s.IPAddress, s.UserAgent, s.Referrer, s.SourceURL,
		s.Meta, s.ConfirmedAt, s.CreatedAt, s.UpdatedAt)
	if err != nil {
		return translateError(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrDuplicate
	}
	return nil
}

func (tx *sqlTx) UpdateSubscription(ctx context.Context, s *models.Subscription) error {
	_, err := tx.exec.Update(s)
	return translateError(err)
}

func (tx *sqlTx) Enqueue(jobs ...models.Job) {
	tx.jobs = append(tx.jobs, jobs...)
}

// REQUEST LOG DB FUNCTIONS

// PutRequestLogs inserts a batch of request log rows in one transaction.
func (db *SQLDatabase) PutRequestLogs(ctx context.Context, logs []models.RequestLog) error {
	if len(logs) == 0 {
		return nil
	}
	trans, err := db.conn.Begin()
	if err != nil {
		return err
	}
	rows := make([]interface{}, 0, len(logs))
	for i := range logs {
		rows = append(rows, &logs[i])
	}
	if err := trans.WithContext(ctx).Insert(rows...); err != nil {
		trans.Rollback()
		return err
	}
	return trans.Commit()
}

// DeleteRequestLogsBefore prunes request logs older than cutoff.
func (db *SQLDatabase) DeleteRequestLogsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := db.conn.WithContext(ctx).Exec("DELETE FROM api_requests WHERE created_at < $1", cutoff)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func tryExec(database *SQLDatabase, commands []string) error {
	for _, command := range commands {
		if _, err := database.conn.Exec(command); err != nil {
			return fmt.Errorf("command failed: %s\nwith error: %v",
				command, err.Error())
		}
	}
	return nil
}

// ClearTables nukes all the tables. ** Should only be used during testing **
func (db *SQLDatabase) ClearTables() error {
	return tryExec(db, []string{
		"DELETE FROM api_requests",
		"DELETE FROM subscriptions",
		"DELETE FROM projects",
	})
}
