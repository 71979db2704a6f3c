package notify

import "github.com/ipsix/plugboard/internal/logging"

type LogChannel struct {
	logger *logging.Logger
}

func NewLogChannel(logger *logging.Logger) *LogChannel {
	return &LogChannel{logger: logger}
}

func (l *LogChannel) Name() string { return "log" }

func (l *LogChannel) Send(event ScanEvent) error {
	l.logger.Warn("scan event",
		logging.Field{Key: "id", Value: event.ID},
		logging.Field{Key: "level", Value: event.Level},
		logging.Field{Key: "kind", Value: event.Kind},
		logging.Field{Key: "identifier", Value: event.Identifier},
		logging.Field{Key: "version", Value: event.Version},
		logging.Field{Key: "reason", Value: event.Reason},
	)
	return nil
}
