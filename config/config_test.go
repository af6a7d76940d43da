package config

import "testing"

func TestValidateAcceptsWellFormedConfig(t *testing.T) {
	c := Config{Rank: 0, WorldSize: 2, Mode: "ghost", LBPeriod: 10}
	if err := c.Validate(); err != nil {
		t.Fatalf("expected valid config to pass, got %v", err)
	}
}

func TestValidateRejectsUnknownMode(t *testing.T) {
	c := Config{Rank: 0, WorldSize: 2, Mode: "eventual", LBPeriod: 10}
	if err := c.Validate(); err == nil {
		t.Fatalf("expected an unknown Mode to fail validation")
	}
}

func TestValidateRejectsRankOutOfRange(t *testing.T) {
	c := Config{Rank: 2, WorldSize: 2, Mode: "hardsync", LBPeriod: 0}
	if err := c.Validate(); err == nil {
		t.Fatalf("expected rank >= world size to fail validation")
	}
}

func TestValidateRejectsZeroWorldSize(t *testing.T) {
	c := Config{Rank: 0, WorldSize: 0, Mode: "ghost"}
	if err := c.Validate(); err == nil {
		t.Fatalf("expected world size 0 to fail validation")
	}
}
