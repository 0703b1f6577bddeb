// Package pluginlog is the plugin invocation audit trail, a separate
// logging concern from pkg/log so plugin activity can be filtered,
// shipped, and retained independently of the core event stream.
package pluginlog

import "github.com/sirupsen/logrus"

var logger = logrus.New()

// Hook names, matching the collab.Plugins surface.
const (
	HookCanAccept           = "can_accept"
	HookBeforeDeliver       = "before_deliver"
	HookAfterDeliver        = "after_deliver"
	HookBeforeCloseConsumer = "before_close_consumer"
	HookAfterCloseConsumer  = "after_close_consumer"
)

// Invoked logs a successful plugin hook call.
func Invoked(hook string, consumerID uint64, fields logrus.Fields) {
	f := logrus.Fields{"hook": hook, "consumer_id": consumerID}
	for k, v := range fields {
		f[k] = v
	}
	logger.WithFields(f).Debug("plugin hook invoked")
}

// Vetoed logs a plugin hook that changed a dispatch decision to
// NO_MATCH.
func Vetoed(hook string, consumerID uint64) {
	logger.WithFields(logrus.Fields{"hook": hook, "consumer_id": consumerID}).Info("plugin vetoed dispatch")
}

// Panicked logs a recovered plugin panic. The caller treats a
// panicking plugin the same as a vetoing one.
func Panicked(hook string, consumerID uint64, recovered interface{}) {
	logger.WithFields(logrus.Fields{
		"hook":        hook,
		"consumer_id": consumerID,
		"panic":       recovered,
	}).Error("plugin hook panicked")
}

// Errored logs a plugin hook that returned/produced an error without
// panicking.
func Errored(hook string, consumerID uint64, err error) {
	logger.WithFields(logrus.Fields{
		"hook":        hook,
		"consumer_id": consumerID,
		"error":       err,
	}).Error("plugin hook error")
}
