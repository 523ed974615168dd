package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if cfg.Network.SignalingPort != 10086 {
		t.Errorf("signaling port default = %d", cfg.Network.SignalingPort)
	}
	if cfg.Network.SRTInputPort != 9001 {
		t.Errorf("srt input port default = %d", cfg.Network.SRTInputPort)
	}
	if cfg.Network.VerificationCode != "114514" {
		t.Errorf("verification code default = %q", cfg.Network.VerificationCode)
	}
	if !cfg.Network.Isolation {
		t.Error("per-connection isolation should default to enabled")
	}
	if cfg.Ports.Base != 10000 || cfg.Ports.Size != 100 {
		t.Errorf("port pool default = [%d,+%d)", cfg.Ports.Base, cfg.Ports.Size)
	}
	if cfg.WebSocket.HandshakeTimeout != 10*time.Second {
		t.Errorf("handshake timeout default = %s", cfg.WebSocket.HandshakeTimeout)
	}
	if cfg.Network.MaxFailedAttempts != 5 {
		t.Errorf("max failed attempts default = %d", cfg.Network.MaxFailedAttempts)
	}
	if cfg.Network.Lockout != time.Minute {
		t.Errorf("lockout default = %s", cfg.Network.Lockout)
	}
	if cfg.Playback.SettleDelay != 5*time.Second {
		t.Errorf("settle delay default = %s", cfg.Playback.SettleDelay)
	}
}

func TestLoadRetryTable(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if cfg.Retry.Ingest.Mode != "infinite" {
		t.Errorf("ingest retry mode = %q", cfg.Retry.Ingest.Mode)
	}
	if cfg.Retry.Distribution.Mode != "bounded" || cfg.Retry.Distribution.MaxAttempts != 5 {
		t.Errorf("distribution retry = %+v", cfg.Retry.Distribution)
	}
	if cfg.Retry.Relay.MaxAttempts != 3 {
		t.Errorf("relay max attempts = %d", cfg.Retry.Relay.MaxAttempts)
	}
	if cfg.Retry.Playback.Interval != 3*time.Second {
		t.Errorf("playback retry interval = %s", cfg.Retry.Playback.Interval)
	}
}

func TestEnvOverride(t *testing.T) {
	t.Setenv("THEATRE_CODE", "654321")
	t.Setenv("THEATRE_SIGNALING_PORT", "20000")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Network.VerificationCode != "654321" {
		t.Errorf("env code override not applied, got %q", cfg.Network.VerificationCode)
	}
	if cfg.Network.SignalingPort != 20000 {
		t.Errorf("env port override not applied, got %d", cfg.Network.SignalingPort)
	}
}

func TestValidateRejectsBadRetryMode(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	cfg.Retry.Ingest.Mode = "sometimes"
	if err := cfg.validate(); err == nil {
		t.Error("expected validation to reject an unknown retry mode")
	}
}
