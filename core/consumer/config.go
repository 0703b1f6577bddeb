package consumer

import (
	"time"

	"github.com/pepper-iot/broker-delivery/core/msgref"
)

// RoutingType distinguishes anycast (queue-like, point-to-point)
// bindings from multicast (topic-like, fan-out) bindings, used only by
// the legacy address-prefix rewrite.
type RoutingType int

const (
	RoutingAnycast RoutingType = iota
	RoutingMulticast
)

// Filter is consulted, if non-nil, as the final NO_MATCH gate in
// dispatch.Decide's caller-assembled Input.
type Filter func(ref msgref.Reference) bool

// Config configures a Controller. Zero-value fields are filled in by
// SetDefaults before use.
type Config struct {
	ConsumerID   uint64
	SequentialID uint64
	QueueBinding string
	Routing      RoutingType

	Priority int

	BrowseOnly                bool
	PreAck                    bool
	StrictUpdateDeliveryCount bool
	SupportLargeMessage       bool

	// LegacyClient marks a consumer created by an old client; outgoing
	// addresses get the jms.queue./jms.topic. prefix.
	LegacyClient bool

	MinLargeMessageSize int64

	FlushTimeout        time.Duration // stop() pending-delivery deadline
	TransferringTimeout time.Duration // set_transferring(true) barrier deadline

	CreatedAt time.Time

	// Notification fields, published verbatim on CONSUMER_CLOSED.
	Address       string
	ClusterName   string
	RoutingName   string
	FilterDesc    string
	Distance      int
	User          string
	RemoteAddress string
	SessionName   string
}

// SetDefaults returns a copy of cfg with zero-valued fields replaced by
// the engine's defaults.
func (c Config) SetDefaults() Config {
	if c.FlushTimeout <= 0 {
		c.FlushTimeout = 30 * time.Second
	}
	if c.TransferringTimeout <= 0 {
		c.TransferringTimeout = 10 * time.Second
	}
	if c.MinLargeMessageSize <= 0 {
		c.MinLargeMessageSize = 100 * 1024
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now()
	}
	return c
}
