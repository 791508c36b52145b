package eventbus

import "github.com/HMasataka/castline/internal/logging"

// LogEvents writes every event on bus to logger at debug level and returns
// the subscription id.
func LogEvents(bus Bus, logger *logging.Logger) string {
	return bus.SubscribeAll(func(e *Event) {
		args := make([]any, 0, 4+2*len(e.Metadata))
		args = append(args, "event_type", string(e.Type), "source", e.Source)
		for k, v := range e.Metadata {
			args = append(args, k, v)
		}
		logger.Debug("event", args...)
	})
}
