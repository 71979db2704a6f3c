package notify

import (
	"fmt"

	"github.com/ipsix/plugboard/internal/logging"
)

// ChannelConfig mirrors one configured delivery channel. Kept free of a
// dependency on the config package so notify can be imported without a
// cycle; internal/config.NotifyConfig.Channels is converted to this shape
// by the process runner when wiring the engine.
type ChannelConfig struct {
	Type          string
	Enabled       bool
	Levels        []Level
	URL           string
	SyslogNetwork string
	SyslogAddress string
	SyslogTag     string
	SMTPServer    string
	SMTPUser      string
	SMTPPass      string
	From          string
	To            []string
	Subject       string
}

// BuildChannels constructs one Channel per enabled entry in cfgs,
// defaulting to a single LogChannel if none are enabled.
func BuildChannels(cfgs []ChannelConfig, logger *logging.Logger) ([]Channel, error) {
	channels := []Channel{}
	for _, ch := range cfgs {
		if !ch.Enabled {
			continue
		}
		switch ch.Type {
		case "log":
			channels = append(channels, NewLogChannel(logger))
		case "webhook":
			if ch.URL == "" {
				return nil, fmt.Errorf("webhook url required")
			}
			channels = append(channels, NewWebhookChannel(ch.URL, ch.Levels))
		case "syslog":
			channels = append(channels, NewSyslogChannel(ch.SyslogNetwork, ch.SyslogAddress, ch.SyslogTag, ch.Levels))
		case "email":
			channels = append(channels, NewEmailChannel(EmailConfig{
				SMTPServer: ch.SMTPServer,
				SMTPUser:   ch.SMTPUser,
				SMTPPass:   ch.SMTPPass,
				From:       ch.From,
				To:         ch.To,
				Subject:    ch.Subject,
			}, ch.Levels))
		default:
			return nil, fmt.Errorf("unknown notify channel type: %s", ch.Type)
		}
	}
	if len(channels) == 0 {
		channels = append(channels, NewLogChannel(logger))
	}
	return channels, nil
}
