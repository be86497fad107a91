package main

import (
	"testing"
	"time"
)

func TestResolveDate(t *testing.T) {
	now := time.Date(2026, 3, 11, 9, 30, 0, 0, time.UTC) // a Wednesday

	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{"", "2026-03-11", false},
		{"today", "2026-03-11", false},
		{"2026-02-28", "2026-02-28", false},
		{"yesterday", "2026-03-10", false},
		{"tomorrow", "2026-03-12", false},
		{"gibberish", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := resolveDate(tt.in, now)
			if tt.wantErr {
				if err == nil {
					t.Errorf("resolveDate(%q) = %q, want error", tt.in, got)
				}
				return
			}
			if err != nil {
				t.Fatalf("resolveDate(%q) failed: %v", tt.in, err)
			}
			if got != tt.want {
				t.Errorf("resolveDate(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestParseRollNo(t *testing.T) {
	tests := []struct {
		in   string
		want int
		ok   bool
	}{
		{"7", 7, true},
		{" #12 ", 12, true},
		{"0", 0, false},
		{"-3", 0, false},
		{"seven", 0, false},
	}
	for _, tt := range tests {
		got, err := parseRollNo(tt.in)
		if (err == nil) != tt.ok || got != tt.want {
			t.Errorf("parseRollNo(%q) = %d, %v", tt.in, got, err)
		}
	}
}
