package logging

import (
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestFactory_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "rollbook.log")
	f := New(Options{File: path, MaxSizeMB: 1, MaxBackups: 1})

	f.Logger("sync").Printf("applied %d", 3)
	f.Logger("daemon").Println("started")
	if err := f.Close(); err != nil {
		t.Fatalf("Close() failed: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile() failed: %v", err)
	}
	text := string(data)
	for _, want := range []string{"[sync] applied 3", "[daemon] started"} {
		if !strings.Contains(text, want) {
			t.Errorf("log file missing %q:\n%s", want, text)
		}
	}
}

func TestFactory_Destinations(t *testing.T) {
	tests := []struct {
		name string
		opts Options
		want io.Writer
	}{
		{"stderr by default", Options{}, os.Stderr},
		{"quiet", Options{Quiet: true}, io.Discard},
		{"quiet wins over file", Options{Quiet: true, File: "ignored.log"}, io.Discard},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := New(tt.opts)
			if f.Writer() != tt.want {
				t.Errorf("Writer() = %v, want %v", f.Writer(), tt.want)
			}
			if err := f.Close(); err != nil {
				t.Errorf("Close() failed: %v", err)
			}
		})
	}
}

func TestLogger_Prefix(t *testing.T) {
	f := New(Options{Quiet: true})
	if got := f.Logger("api").Prefix(); got != "[api] " {
		t.Errorf("Prefix() = %q", got)
	}
}
