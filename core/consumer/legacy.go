package consumer

import "strings"

const (
	legacyQueuePrefix = "jms.queue."
	legacyTopicPrefix = "jms.topic."
)

// RewriteAddress applies the legacy client address prefix,
// idempotently. Session adapters call this at send time; it isn't
// applied to msgref.Message itself, which is an external, immutable
// type.
func RewriteAddress(legacy bool, routing RoutingType, address string) string {
	if !legacy {
		return address
	}
	prefix := legacyTopicPrefix
	if routing == RoutingAnycast {
		prefix = legacyQueuePrefix
	}
	if strings.HasPrefix(address, prefix) {
		return address
	}
	return prefix + address
}
