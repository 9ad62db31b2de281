package pubsub

// SubscriptionOptions holds configuration for a subscription.
type SubscriptionOptions struct {
	// Concurrency is the number of goroutines running the handler.
	// Defaults to 1, which keeps messages in publish order.
	Concurrency int
	// QueueSize is the number of messages buffered for the handler.
	// Defaults to 64.
	QueueSize int
}

// Option configures a subscription.
type Option func(*SubscriptionOptions)

// DefaultSubscriptionOptions returns the default options.
func DefaultSubscriptionOptions() *SubscriptionOptions {
	return &SubscriptionOptions{
		Concurrency: 1,
		QueueSize:   64,
	}
}

// WithConcurrency sets the number of handler goroutines.
func WithConcurrency(n int) Option {
	return func(o *SubscriptionOptions) {
		if n > 0 {
			o.Concurrency = n
		}
	}
}

// WithQueueSize sets the handler queue length.
func WithQueueSize(n int) Option {
	return func(o *SubscriptionOptions) {
		if n > 0 {
			o.QueueSize = n
		}
	}
}

// Apply applies opts to o.
func (o *SubscriptionOptions) Apply(opts ...Option) {
	for _, opt := range opts {
		opt(o)
	}
}
