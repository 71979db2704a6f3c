package notify

import (
	"fmt"
	"log/syslog"
)

type SyslogChannel struct {
	writer *syslog.Writer
	levels []Level
}

func NewSyslogChannel(network, address, tag string, levels []Level) *SyslogChannel {
	if network == "" {
		network = "unixgram"
	}
	if address == "" {
		address = "/dev/log"
	}
	if tag == "" {
		tag = "plugboard"
	}
	writer, _ := syslog.Dial(network, address, syslog.LOG_USER|syslog.LOG_INFO, tag)
	return &SyslogChannel{writer: writer, levels: levels}
}

func (s *SyslogChannel) Name() string { return "syslog" }

func (s *SyslogChannel) Send(event ScanEvent) error {
	if !levelAllowed(s.levels, event.Level) {
		return nil
	}
	if s.writer == nil {
		return fmt.Errorf("syslog writer not available")
	}
	msg := fmt.Sprintf("[%s] %s %s", event.Level, event.Kind, event.Identifier)
	switch event.Level {
	case LevelError:
		return s.writer.Err(msg)
	case LevelWarn:
		return s.writer.Warning(msg)
	default:
		return s.writer.Info(msg)
	}
}
