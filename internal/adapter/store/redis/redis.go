// Package redis implements the coordination store ports on Redis:
// partition locks, the execution tracker, the sliding-window rate limiter,
// revocation marks, and the inbox. All mutations that must be atomic
// across reads run as Lua scripts.
package redis

const (
	partitionKeyPrefix  = "dotcelery:lock:"
	trackerKeyPrefix    = "dotcelery:exec:"
	rateKeyPrefix       = "dotcelery:rate:"
	revocationKeyPrefix = "dotcelery:revoked:"
	inboxKeyPrefix      = "dotcelery:inbox:"

	revocationChannel = "dotcelery:revocations"
)
