package util

import (
	"testing"
	"time"
)

func TestParseBoolEnv(t *testing.T) {
	tests := []struct {
		value string
		def   bool
		want  bool
	}{
		{"", true, true},
		{"", false, false},
		{"true", false, true},
		{"1", false, true},
		{"YES", false, true},
		{" on ", false, true},
		{"false", true, false},
		{"0", true, false},
		{"no", true, false},
		{"off", true, false},
		{"bogus", true, true},
		{"bogus", false, false},
	}
	for _, tt := range tests {
		t.Setenv("PAYINTAKE_TEST_BOOL", tt.value)
		if got := ParseBoolEnv("PAYINTAKE_TEST_BOOL", tt.def); got != tt.want {
			t.Errorf("ParseBoolEnv(%q, %v) = %v, want %v", tt.value, tt.def, got, tt.want)
		}
	}
}

func TestParseDurationEnv(t *testing.T) {
	tests := []struct {
		value string
		def   time.Duration
		want  time.Duration
	}{
		{"", time.Hour, time.Hour},
		{"24h", time.Hour, 24 * time.Hour},
		{" 90m ", time.Hour, 90 * time.Minute},
		{"1h30m", time.Hour, 90 * time.Minute},
		{"bogus", time.Hour, time.Hour},
		{"10", time.Hour, time.Hour},
	}
	for _, tt := range tests {
		t.Setenv("PAYINTAKE_TEST_DURATION", tt.value)
		if got := ParseDurationEnv("PAYINTAKE_TEST_DURATION", tt.def); got != tt.want {
			t.Errorf("ParseDurationEnv(%q, %v) = %v, want %v", tt.value, tt.def, got, tt.want)
		}
	}
}
