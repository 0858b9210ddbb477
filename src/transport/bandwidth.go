package transport

import (
	"github.com/trellis-network/trellis/src/common"
)

//OutboundLimiter gates outgoing bytes across all channels. Bootstrap
//traffic has its own bucket so a syncing peer cannot crowd out live
//traffic.
type OutboundLimiter struct {
	standard  *common.RateLimiter
	bootstrap *common.RateLimiter
}

//OutboundLimiterConfig sets the per-class rates. A zero limit disables the
//class entirely (everything passes).
type OutboundLimiterConfig struct {
	StandardLimit  int
	StandardBurst  float64
	BootstrapLimit int
	BootstrapBurst float64
}

func NewOutboundLimiter(config OutboundLimiterConfig) *OutboundLimiter {
	return &OutboundLimiter{
		standard:  common.NewRateLimiter(config.StandardLimit, config.StandardBurst),
		bootstrap: common.NewRateLimiter(config.BootstrapLimit, config.BootstrapBurst),
	}
}

//ShouldPass consumes size bytes from the bucket for the given traffic type
func (l *OutboundLimiter) ShouldPass(size int, traffic TrafficType) bool {
	return l.selectBucket(traffic).Allow(size)
}

//Reset replaces the limiter parameters
func (l *OutboundLimiter) Reset(config OutboundLimiterConfig) {
	l.standard.Reset(config.StandardLimit, config.StandardBurst)
	l.bootstrap.Reset(config.BootstrapLimit, config.BootstrapBurst)
}

func (l *OutboundLimiter) selectBucket(traffic TrafficType) *common.RateLimiter {
	if traffic == TrafficBootstrap {
		return l.bootstrap
	}
	return l.standard
}
