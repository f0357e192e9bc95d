// Package notify is the outbound notification hook. Delivery is
// fire-and-forget: failures are logged and never block the pipeline.
package notify

import "github.com/rs/zerolog"

type Notifier interface {
	Notify(event string, detail map[string]any)
}

// LogNotifier writes notifications to the log; the default when no
// external channel is configured.
type LogNotifier struct {
	log zerolog.Logger
}

func NewLogNotifier(log zerolog.Logger) *LogNotifier {
	return &LogNotifier{log: log.With().Str("component", "notify").Logger()}
}

func (n *LogNotifier) Notify(event string, detail map[string]any) {
	n.log.Info().Str("event", event).Fields(detail).Msg("notification")
}

// Noop drops notifications; used in tests.
type Noop struct{}

func (Noop) Notify(string, map[string]any) {}
