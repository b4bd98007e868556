// Package requestlog records API requests for per-project analytics.
// Entries are buffered and written by a single goroutine so logging never
// slows down or fails a request.
package requestlog

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/EFForg/newsletter-backend/admission"
	"github.com/EFForg/newsletter-backend/logging"
	"github.com/EFForg/newsletter-backend/metrics"
	"github.com/EFForg/newsletter-backend/models"
	"github.com/EFForg/newsletter-backend/util"
)

// Store persists request log entries.
type Store interface {
	PutRequestLogs(context.Context, []models.RequestLog) error
}

// LoggedHeaders is the allow-list of request headers kept in the log.
// Credentials and cookies are never in it.
var LoggedHeaders = []string{
	"Content-Type",
	"Accept",
	"Origin",
	"Referer",
	"User-Agent",
	"X-Forwarded-For",
	"X-Real-Ip",
}

const maxBatch = 100

// Logger buffers entries on a bounded channel.
type Logger struct {
	store  Store
	ch     chan models.RequestLog
	maskIP bool
}

// New returns a logger with room for buffer pending entries.
func New(store Store, buffer int, maskIP bool) *Logger {
	if buffer < 1 {
		buffer = 1
	}
	return &Logger{store: store, ch: make(chan models.RequestLog, buffer), maskIP: maskIP}
}

// Observe implements admission.Observer. It never blocks: when the buffer
// is full the entry is dropped and counted.
func (l *Logger) Observe(req *admission.Request, tenant *models.Project, status int, elapsed time.Duration) {
	entry := models.RequestLog{
		Method:         req.Method,
		Path:           req.Path,
		StatusCode:     status,
		ResponseTimeMS: elapsed.Milliseconds(),
		IPAddress:      req.ClientIP,
		UserAgent:      truncate(req.UserAgent, 512),
		Headers:        headerSubset(req.Header),
		CreatedAt:      req.ReceivedAt,
	}
	if l.maskIP {
		entry.IPAddress = util.MaskIP(entry.IPAddress)
	}
	if tenant != nil {
		id := tenant.ID
		entry.ProjectID = &id
	}
	select {
	case l.ch <- entry:
	default:
		metrics.RequestLogDropped.Inc()
	}
}

// Serve writes buffered entries until ctx is cancelled, then drains what
// is left.
func (l *Logger) Serve(ctx context.Context) error {
	for {
		select {
		case entry := <-l.ch:
			l.write(context.Background(), l.collect(entry))
		case <-ctx.Done():
			l.drain()
			return ctx.Err()
		}
	}
}

// collect batches whatever else is already waiting.
func (l *Logger) collect(first models.RequestLog) []models.RequestLog {
	batch := []models.RequestLog{first}
	for len(batch) < maxBatch {
		select {
		case entry := <-l.ch:
			batch = append(batch, entry)
		default:
			return batch
		}
	}
	return batch
}

func (l *Logger) drain() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for {
		select {
		case entry := <-l.ch:
			l.write(ctx, l.collect(entry))
		default:
			return
		}
	}
}

func (l *Logger) write(ctx context.Context, batch []models.RequestLog) {
	if err := l.store.PutRequestLogs(ctx, batch); err != nil {
		logging.Error().Err(err).Int("entries", len(batch)).Msg("failed to write request log")
	}
}

func headerSubset(h http.Header) models.HeaderSubset {
	subset := models.HeaderSubset{}
	for _, name := range LoggedHeaders {
		if v := h.Values(name); len(v) > 0 {
			subset[strings.ToLower(name)] = truncate(strings.Join(v, ", "), 512)
		}
	}
	return subset
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
