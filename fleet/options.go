package fleet

import (
	"time"

	"github.com/rs/zerolog/log"
)

const (
	DefaultKeyPrefix        = "cogbot:fleet"
	DefaultTTL              = 30 * time.Second
	defaultHeartbeatDivisor = 3
)

// Options holds registry configuration.
type Options struct {
	KeyPrefix         string
	TTL               time.Duration
	HeartbeatInterval time.Duration
}

// Option overrides one setting.
type Option func(*Options)

func newOptions(opts ...Option) *Options {
	options := &Options{
		KeyPrefix: DefaultKeyPrefix,
		TTL:       DefaultTTL,
	}
	for _, o := range opts {
		o(options)
	}

	if options.HeartbeatInterval <= 0 || options.HeartbeatInterval >= options.TTL {
		configured := options.HeartbeatInterval
		options.HeartbeatInterval = options.TTL / defaultHeartbeatDivisor
		if configured > 0 {
			log.Warn().
				Dur("configured_heartbeat", configured).
				Dur("ttl", options.TTL).
				Dur("adjusted_heartbeat", options.HeartbeatInterval).
				Msg("heartbeat interval was >= ttl, adjusted")
		}
	}
	return options
}

// WithKeyPrefix sets the key prefix.
func WithKeyPrefix(prefix string) Option {
	return func(o *Options) {
		if prefix != "" {
			o.KeyPrefix = prefix
		}
	}
}

// WithTTL sets how long an instance stays listed without heartbeats.
func WithTTL(ttl time.Duration) Option {
	return func(o *Options) {
		if ttl > 0 {
			o.TTL = ttl
		} else {
			log.Warn().Dur("invalid_ttl", ttl).Msg("ignoring non-positive ttl option")
		}
	}
}

// WithHeartbeatInterval sets the refresh period. Defaults to TTL/3.
func WithHeartbeatInterval(interval time.Duration) Option {
	return func(o *Options) {
		o.HeartbeatInterval = interval
	}
}
