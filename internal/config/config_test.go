package config

import "testing"

func TestValidateDefaults(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("expected defaults to validate, got: %v", err)
	}
}

func TestValidateAPIRequiresTokenWhenEnabled(t *testing.T) {
	cfg := Default()
	cfg.API.Enabled = true
	cfg.API.AuthToken = ""
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected validation error for missing api.auth_token")
	}
}

func TestValidateRescanRequiresScheduleWhenEnabled(t *testing.T) {
	cfg := Default()
	cfg.Rescan.Enabled = true
	cfg.Rescan.Schedule = ""
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected validation error for missing rescan.schedule")
	}
}

func TestValidateWebhookChannelRequiresURL(t *testing.T) {
	cfg := Default()
	cfg.Notify.Enabled = true
	cfg.Notify.Channels = []NotifyChannelConfig{
		{Type: "webhook", Enabled: true},
	}
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected validation error for missing notify.channels[0].url")
	}
}

func TestValidateEncryptionKeyMustBe32Bytes(t *testing.T) {
	cfg := Default()
	cfg.Storage.EncryptionKeyBase64 = "dG9vc2hvcnQ="
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected validation error for short encryption key")
	}
}

func TestRedacted(t *testing.T) {
	cfg := Default()
	cfg.API.AuthToken = "secret"
	cfg.Storage.EncryptionKeyBase64 = "c2VjcmV0LXNlY3JldC1zZWNyZXQtc2VjcmV0IQ=="
	cfg.Notify.Channels = []NotifyChannelConfig{
		{Type: "email", Enabled: true, SMTPPass: "hunter2"},
	}

	redacted := cfg.Redacted()
	if redacted.API.AuthToken == "secret" {
		t.Fatalf("expected auth token to be redacted")
	}
	if redacted.Storage.EncryptionKeyBase64 == cfg.Storage.EncryptionKeyBase64 {
		t.Fatalf("expected encryption key to be redacted")
	}
	if redacted.Notify.Channels[0].SMTPPass == "hunter2" {
		t.Fatalf("expected smtp password to be redacted")
	}
	if cfg.Notify.Channels[0].SMTPPass != "hunter2" {
		t.Fatalf("expected original config to be unmodified by Redacted")
	}
}

func TestShutdownTimeoutDuration(t *testing.T) {
	cfg := Default()
	cfg.Daemon.ShutdownTimeout = "2s"
	if got := cfg.Daemon.ShutdownTimeoutDuration(); got.String() != "2s" {
		t.Fatalf("expected 2s, got %s", got)
	}
	cfg.Daemon.ShutdownTimeout = "invalid"
	if got := cfg.Daemon.ShutdownTimeoutDuration(); got <= 0 {
		t.Fatalf("expected fallback duration, got %s", got)
	}
}

func TestDedupWindowDuration(t *testing.T) {
	cfg := Default()
	cfg.Notify.DedupWindow = "30s"
	if got := cfg.Notify.DedupWindowDuration(); got.String() != "30s" {
		t.Fatalf("expected 30s, got %s", got)
	}
	cfg.Notify.DedupWindow = "bogus"
	if got := cfg.Notify.DedupWindowDuration(); got <= 0 {
		t.Fatalf("expected fallback duration, got %s", got)
	}
}
