package iperf

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os/exec"
	"strings"
	"time"

	"github.com/OpenTollGate/tollgate-test-rig/src/remote"
)

// Server manages an iperf3 daemon on a remote measurement host.
type Server struct {
	runner remote.Runner
	port   int
}

func NewServer(runner remote.Runner, port int) *Server {
	return &Server{runner: runner, port: port}
}

// Start kills any stale iperf3 daemon and starts a fresh one. pkill exits
// non-zero when nothing matched, which is fine.
func (s *Server) Start(ctx context.Context) error {
	if _, err := s.runner.Run(ctx, "pkill -f 'iperf3 -s'"); err != nil {
		log.Printf("No old iperf3 server to stop: %v", err)
	}
	// Give a killed daemon a moment to release the port.
	time.Sleep(time.Second)

	output, err := s.runner.Run(ctx, fmt.Sprintf("iperf3 -s -p %d -D", s.port))
	if err != nil {
		return fmt.Errorf("failed to start iperf3 server: %w (output: %s)", err, output)
	}
	log.Printf("iperf3 server started as a daemon on port %d", s.port)
	return nil
}

// Stop kills the daemon.
func (s *Server) Stop(ctx context.Context) error {
	_, err := s.runner.Run(ctx, "pkill -f 'iperf3 -s'")
	return err
}

// Report is the part of iperf3's JSON output the rig cares about.
type Report struct {
	Bytes   int64
	Seconds float64
	// Error carries iperf3's own error string. A mid-stream error is the
	// expected outcome when the device cuts access.
	Error string
}

type iperfJSON struct {
	End struct {
		SumSent struct {
			Bytes   int64   `json:"bytes"`
			Seconds float64 `json:"seconds"`
		} `json:"sum_sent"`
	} `json:"end"`
	Error string `json:"error"`
}

// Stream runs a local iperf3 client against the measurement host, sending
// as fast as possible for at most the given duration. It returns the parsed
// report; the client erroring out mid-stream is reported, not failed, since
// a device enforcing its allotment kills the connection under us.
func Stream(ctx context.Context, host string, port int, duration time.Duration) (*Report, error) {
	seconds := int(duration.Seconds())
	args := []string{
		"-c", host,
		"-p", fmt.Sprintf("%d", port),
		"-t", fmt.Sprintf("%d", seconds),
		"-b", "0",
		"-J",
	}
	log.Printf("Executing local command: iperf3 %s", strings.Join(args, " "))

	streamCtx, cancel := context.WithTimeout(ctx, streamTimeout(duration))
	defer cancel()

	cmd := exec.CommandContext(streamCtx, "iperf3", args...)
	output, runErr := cmd.Output()
	if streamCtx.Err() == context.DeadlineExceeded {
		return nil, fmt.Errorf("data stream was not terminated within the %s timeout", streamTimeout(duration))
	}

	report, parseErr := parseReport(output)
	if parseErr != nil {
		if runErr != nil {
			return nil, fmt.Errorf("iperf3 client failed: %w (output: %s)", runErr, strings.TrimSpace(string(output)))
		}
		return nil, parseErr
	}
	return report, nil
}

// streamTimeout is the hard cap on a client run, the requested duration plus
// slack for connection setup and the final report.
func streamTimeout(duration time.Duration) time.Duration {
	return duration + 10*time.Second
}

func parseReport(output []byte) (*Report, error) {
	var parsed iperfJSON
	if err := json.Unmarshal(output, &parsed); err != nil {
		return nil, fmt.Errorf("failed to parse iperf3 output: %w", err)
	}
	return &Report{
		Bytes:   parsed.End.SumSent.Bytes,
		Seconds: parsed.End.SumSent.Seconds,
		Error:   parsed.Error,
	}, nil
}
