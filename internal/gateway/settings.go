package gateway

import (
	"github.com/sawpanic/hedgerun/internal/config"
	"github.com/sawpanic/hedgerun/internal/net/ratelimit"
)

// Settings converts the gateway section of the application config
func Settings(c config.Gateway) Config {
	return Config{
		MaxRetries:    c.MaxRetries,
		BaseBackoff:   c.BaseBackoff,
		MaxBackoff:    c.MaxBackoff,
		CallTimeout:   c.CallTimeout,
		HealthTimeout: c.HealthTimeout,
	}
}

// VenueSettings converts one configured venue
func VenueSettings(v config.Venue) VenueConfig {
	return VenueConfig{
		Rank:  v.Rank,
		Limit: ratelimit.Limit{RPS: v.RPS, Burst: v.Burst},
		Breaker: BreakerConfig{
			MaxRequests:         v.Breaker.MaxRequests,
			Interval:            v.Breaker.Interval,
			Timeout:             v.Breaker.Timeout,
			ConsecutiveFailures: v.Breaker.ConsecutiveFailures,
		},
	}
}
