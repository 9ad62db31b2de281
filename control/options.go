package control

import "time"

type options struct {
	queue      string
	blockTime  time.Duration
	replyTTL   time.Duration
	pubTimeout time.Duration
}

func defaultOptions() options {
	return options{
		queue:      DefaultQueue,
		blockTime:  5 * time.Second,
		replyTTL:   5 * time.Minute,
		pubTimeout: 5 * time.Second,
	}
}

// Option configures a Publisher or Consumer.
type Option func(*options)

// WithQueue overrides the request list.
func WithQueue(name string) Option {
	return func(o *options) {
		if name != "" {
			o.queue = name
		}
	}
}

// WithBlockTime sets how long a BRPOP call blocks. Defaults to 5s.
func WithBlockTime(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.blockTime = d
		}
	}
}

// WithReplyTTL sets how long unread replies are kept. Defaults to 5m.
func WithReplyTTL(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.replyTTL = d
		}
	}
}

// WithPublishTimeout bounds Enqueue when ctx has no deadline. Defaults to 5s.
func WithPublishTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.pubTimeout = d
		}
	}
}
