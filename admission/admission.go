package admission

import (
	"time"

	"github.com/ulule/limiter"
	"github.com/ulule/limiter/drivers/store/memory"
)

// Options configures the standard pipeline.
type Options struct {
	LookupTimeout   time.Duration
	SubscribeRate   int64
	UnsubscribeRate int64
	Window          time.Duration
}

// NewLimiters returns one in-memory fixed window counter per class.
func NewLimiters(opts Options) map[Class]Counter {
	store := memory.NewStore()
	return map[Class]Counter{
		ClassSubscribe:   limiter.New(store, limiter.Rate{Period: opts.Window, Limit: opts.SubscribeRate}),
		ClassUnsubscribe: limiter.New(store, limiter.Rate{Period: opts.Window, Limit: opts.UnsubscribeRate}),
	}
}

// New builds the credentials, CORS and rate limit pipeline.
func New(store ProjectStore, observer Observer, opts Options) *Pipeline {
	return NewPipeline(observer,
		Credentials{Store: store, Timeout: opts.LookupTimeout},
		CORS{},
		RateLimit{Limiters: NewLimiters(opts)},
	)
}
