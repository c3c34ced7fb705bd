package iperf

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"
	"time"
)

type fakeRunner struct {
	commands []string
	errs     map[string]error
}

func (f *fakeRunner) Run(ctx context.Context, command string) (string, error) {
	f.commands = append(f.commands, command)
	return "", f.errs[command]
}

func (f *fakeRunner) Push(ctx context.Context, r io.Reader, remotePath string) error {
	return nil
}

func TestServerStart(t *testing.T) {
	runner := &fakeRunner{errs: map[string]error{
		"pkill -f 'iperf3 -s'": errors.New("exit status 1"),
	}}

	server := NewServer(runner, 5201)
	if err := server.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	if len(runner.commands) != 2 {
		t.Fatalf("expected 2 commands, got %v", runner.commands)
	}
	if !strings.Contains(runner.commands[0], "pkill") {
		t.Errorf("expected stale server kill first, got %q", runner.commands[0])
	}
	if runner.commands[1] != "iperf3 -s -p 5201 -D" {
		t.Errorf("unexpected start command %q", runner.commands[1])
	}
}

func TestParseReport(t *testing.T) {
	output := `{
		"end": {
			"sum_sent": {"bytes": 104857600, "seconds": 30.01}
		}
	}`
	report, err := parseReport([]byte(output))
	if err != nil {
		t.Fatalf("parseReport failed: %v", err)
	}
	if report.Bytes != 104857600 {
		t.Errorf("expected 104857600 bytes, got %d", report.Bytes)
	}
	if report.Seconds != 30.01 {
		t.Errorf("expected 30.01 seconds, got %f", report.Seconds)
	}
}

func TestParseReportWithStreamError(t *testing.T) {
	output := `{"end": {"sum_sent": {"bytes": 5242880, "seconds": 4.2}}, "error": "control socket has closed unexpectedly"}`
	report, err := parseReport([]byte(output))
	if err != nil {
		t.Fatalf("parseReport failed: %v", err)
	}
	if report.Error == "" {
		t.Error("expected the stream error to be reported")
	}
}

func TestStreamTimeout(t *testing.T) {
	if got := streamTimeout(30 * time.Second); got != 40*time.Second {
		t.Errorf("expected 40s cap for a 30s stream, got %s", got)
	}
}

func TestParseReportGarbage(t *testing.T) {
	if _, err := parseReport([]byte("not json")); err == nil {
		t.Fatal("expected error for unparseable output")
	}
}
