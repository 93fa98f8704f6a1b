package util

import (
	"math"
	"testing"
)

func TestRound2(t *testing.T) {
	tests := []struct {
		name     string
		x        float64
		expected float64
	}{
		{
			name:     "basic rounding down",
			x:        1.2345,
			expected: 1.23,
		},
		{
			name:     "tie rounds away from zero",
			x:        1.235,
			expected: 1.24,
		},
		{
			name:     "negative tie rounds away from zero",
			x:        -1.235,
			expected: -1.24,
		},
		{
			name:     "already two decimals",
			x:        97.50,
			expected: 97.50,
		},
		{
			name:     "pnl style computation",
			x:        (152.37 - 150.0) * 10,
			expected: 23.70,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := Round2(tt.x)
			if math.Abs(result-tt.expected) > 1e-10 {
				t.Errorf("Round2(%v) = %v, expected %v", tt.x, result, tt.expected)
			}
		})
	}
}

func TestRound4(t *testing.T) {
	if got := Round4(1.23456789); math.Abs(got-1.2346) > 1e-10 {
		t.Errorf("Round4(1.23456789) = %v, expected 1.2346", got)
	}
	if got := Round4(math.NaN()); !math.IsNaN(got) {
		t.Errorf("Round4(NaN) = %v, expected NaN", got)
	}
}

func TestMidPrice(t *testing.T) {
	tests := []struct {
		name     string
		bid      float64
		ask      float64
		expected float64
	}{
		{
			name:     "both sides quoted",
			bid:      100.00,
			ask:      100.10,
			expected: 100.05,
		},
		{
			name:     "bid missing falls back to ask",
			bid:      0,
			ask:      100.10,
			expected: 100.10,
		},
		{
			name:     "ask missing falls back to bid",
			bid:      99.95,
			ask:      0,
			expected: 99.95,
		},
		{
			name:     "empty book",
			bid:      0,
			ask:      0,
			expected: 0,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := MidPrice(tt.bid, tt.ask)
			if math.Abs(result-tt.expected) > 1e-10 {
				t.Errorf("MidPrice(%v, %v) = %v, expected %v", tt.bid, tt.ask, result, tt.expected)
			}
		})
	}
}

func TestShortID(t *testing.T) {
	tests := []struct {
		name     string
		id       string
		expected string
	}{
		{
			name:     "long id truncated",
			id:       "a1b2c3d4-e5f6-7890-abcd-ef1234567890",
			expected: "a1b2c3d4",
		},
		{
			name:     "exactly eight chars",
			id:       "12345678",
			expected: "12345678",
		},
		{
			name:     "short id unchanged",
			id:       "abc",
			expected: "abc",
		},
		{
			name:     "empty id",
			id:       "",
			expected: "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ShortID(tt.id); got != tt.expected {
				t.Errorf("ShortID(%q) = %q, expected %q", tt.id, got, tt.expected)
			}
		})
	}
}
