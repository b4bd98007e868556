package db

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/EFForg/newsletter-backend/models"
)

// MemDatabase is a straw-man in-memory database (for testing!). Transactions
// are serialized on a single lock, which is a stronger guarantee than the
// row locks SQLDatabase takes.
type MemDatabase struct {
	mu            sync.Mutex // guards the maps below
	txMu          sync.Mutex // held for the whole of a Transact call
	nextProjectID int64
	nextLogID     int64
	projects      map[int64]models.Project
	subscriptions map[string]models.Subscription
	requestLogs   []models.RequestLog
}

// InitMemDatabase returns an empty MemDatabase.
func InitMemDatabase() *MemDatabase {
	return &MemDatabase{
		projects:      make(map[int64]models.Project),
		subscriptions: make(map[string]models.Subscription),
	}
}

// PutProject stores a new project and assigns its ID.
func (db *MemDatabase) PutProject(ctx context.Context, p *models.Project) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	for _, existing := range db.projects {
		if existing.PublicID == p.PublicID || existing.SecretKey == p.SecretKey {
			return ErrDuplicate
		}
	}
	db.nextProjectID++
	p.ID = db.nextProjectID
	db.projects[p.ID] = *p
	return nil
}

// UpdateProject overwrites a stored project, keeping its public id.
func (db *MemDatabase) UpdateProject(ctx context.Context, p models.Project) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	existing, ok := db.projects[p.ID]
	if !ok {
		return ErrNotFound
	}
	for id, other := range db.projects {
		if id != p.ID && other.SecretKey == p.SecretKey {
			return ErrDuplicate
		}
	}
	p.PublicID = existing.PublicID
	p.UpdatedAt = time.Now()
	db.projects[p.ID] = p
	return nil
}

// GetProject retrieves a project by internal id.
func (db *MemDatabase) GetProject(ctx context.Context, id int64) (models.Project, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	p, ok := db.projects[id]
	if !ok {
		return p, ErrNotFound
	}
	return p, nil
}

// GetProjectByPublicID retrieves a project by public id.
func (db *MemDatabase) GetProjectByPublicID(ctx context.Context, publicID string) (models.Project, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	for _, p := range db.projects {
		if p.PublicID == publicID {
			return p, nil
		}
	}
	return models.Project{}, ErrNotFound
}

// GetSubscription retrieves a subscription by id.
func (db *MemDatabase) GetSubscription(ctx context.Context, id string) (models.Subscription, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	s, ok := db.subscriptions[id]
	if !ok {
		return s, ErrNotFound
	}
	return s, nil
}

// Subscriptions returns every stored subscription for a project, oldest
// first.
func (db *MemDatabase) Subscriptions(projectID int64) []models.Subscription {
	db.mu.Lock()
	defer db.mu.Unlock()
	subs := []models.Subscription{}
	for _, s := range db.subscriptions {
		if s.ProjectID == projectID {
			subs = append(subs, s)
		}
	}
	sort.Slice(subs, func(i, j int) bool { return subs[i].CreatedAt.Before(subs[j].CreatedAt) })
	return subs
}

// MergeSubscriptionMeta shallow-merges keys into the stored metadata.
func (db *MemDatabase) MergeSubscriptionMeta(ctx context.Context, id string, meta models.Meta) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	s, ok := db.subscriptions[id]
	if !ok {
		return ErrNotFound
	}
	s.Meta = s.Meta.Merge(meta)
	db.subscriptions[id] = s
	return nil
}

// IsSuppressedEmail returns true iff some project has this address bounced.
func (db *MemDatabase) IsSuppressedEmail(ctx context.Context, email string) (bool, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	for _, s := range db.subscriptions {
		if s.Email == email && s.Status == models.StatusBounced {
			return true, nil
		}
	}
	return false, nil
}

// Transact stages writes in a memTx and applies them only if fn succeeds.
func (db *MemDatabase) Transact(ctx context.Context, fn func(Tx) error) ([]models.Job, error) {
	db.txMu.Lock()
	defer db.txMu.Unlock()
	tx := &memTx{db: db, staged: make(map[string]models.Subscription)}
	if err := fn(tx); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	db.mu.Lock()
	for id, s := range tx.staged {
		db.subscriptions[id] = s
	}
	db.mu.Unlock()
	return tx.jobs, nil
}

type memTx struct {
	db     *MemDatabase
	staged map[string]models.Subscription
	jobs   []models.Job
}

func (tx *memTx) all() map[string]models.Subscription {
	tx.db.mu.Lock()
	defer tx.db.mu.Unlock()
	merged := make(map[string]models.Subscription, len(tx.db.subscriptions)+len(tx.staged))
	for id, s := range tx.db.subscriptions {
		merged[id] = s
	}
	for id, s := range tx.staged {
		merged[id] = s
	}
	return merged
}

func (tx *memTx) LockSubscription(ctx context.Context, projectID int64, email string) (models.Subscription, error) {
	for _, s := range tx.all() {
		if s.ProjectID == projectID && s.Email == email {
			return s, nil
		}
	}
	return models.Subscription{}, ErrNotFound
}

func (tx *memTx) LockSubscriptionByID(ctx context.Context, id string) (models.Subscription, error) {
	s, ok := tx.all()[id]
	if !ok {
		return s, ErrNotFound
	}
	return s, nil
}

func (tx *memTx) LockSubscriptionsByEmail(ctx context.Context, email string) ([]models.Subscription, error) {
	subs := []models.Subscription{}
	for _, s := range tx.all() {
		if s.Email == email {
			subs = append(subs, s)
		}
	}
	return subs, nil
}

func (tx *memTx) InsertSubscription(ctx context.Context, s *models.Subscription) error {
	if _, err := tx.LockSubscription(ctx, s.ProjectID, s.Email); err == nil {
		return ErrDuplicate
	}
	tx.staged[s.ID] = *s
	return nil
}

func (tx *memTx) UpdateSubscription(ctx context.Context, s *models.Subscription) error {
	if _, ok := tx.all()[s.ID]; !ok {
		return ErrNotFound
	}
	tx.staged[s.ID] = *s
	return nil
}

func (tx *memTx) Enqueue(jobs ...models.Job) {
	tx.jobs = append(tx.jobs, jobs...)
}

// PutRequestLogs appends request log rows.
func (db *MemDatabase) PutRequestLogs(ctx context.Context, logs []models.RequestLog) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	for _, l := range logs {
		db.nextLogID++
		l.ID = db.nextLogID
		db.requestLogs = append(db.requestLogs, l)
	}
	return nil
}

// RequestLogs returns a copy of every stored request log row.
func (db *MemDatabase) RequestLogs() []models.RequestLog {
	db.mu.Lock()
	defer db.mu.Unlock()
	return append([]models.RequestLog(nil), db.requestLogs...)
}

// DeleteRequestLogsBefore prunes request logs older than cutoff.
func (db *MemDatabase) DeleteRequestLogsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	kept := db.requestLogs[:0]
	var deleted int64
	for _, l := range db.requestLogs {
		if l.CreatedAt.Before(cutoff) {
			deleted++
			continue
		}
		kept = append(kept, l)
	}
	db.requestLogs = kept
	return deleted, nil
}

// ClearTables empties every map.
func (db *MemDatabase) ClearTables() error {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.projects = make(map[int64]models.Project)
	db.subscriptions = make(map[string]models.Subscription)
	db.requestLogs = nil
	return nil
}
