package uci

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/OpenTollGate/tollgate-test-rig/src/config_manager"
	"github.com/OpenTollGate/tollgate-test-rig/src/remote"
)

// Router drives the UCI configuration of an OpenWRT device over SSH.
type Router struct {
	runner remote.Runner
}

func NewRouter(runner remote.Runner) *Router {
	return &Router{runner: runner}
}

// Get reads a UCI option, for example "network.wwan.proto".
func (r *Router) Get(ctx context.Context, key string) (string, error) {
	output, err := r.runner.Run(ctx, fmt.Sprintf("uci get %s", key))
	if err != nil {
		return "", fmt.Errorf("failed to get %s: %w", key, err)
	}
	return strings.TrimSpace(output), nil
}

// Set writes a UCI option. The value is single-quoted so SSIDs and keys with
// spaces survive the shell.
func (r *Router) Set(ctx context.Context, key, value string) error {
	_, err := r.runner.Run(ctx, fmt.Sprintf("uci set %s='%s'", key, value))
	if err != nil {
		return fmt.Errorf("failed to set %s: %w", key, err)
	}
	return nil
}

func (r *Router) Commit(ctx context.Context, config string) error {
	_, err := r.runner.Run(ctx, fmt.Sprintf("uci commit %s", config))
	if err != nil {
		return fmt.Errorf("failed to commit %s: %w", config, err)
	}
	return nil
}

// EnsureWWAN creates the network.wwan interface if the router does not have
// one yet. The metric keeps the upstream route below the LAN routes so the
// router prefers the gateway it pays for.
func (r *Router) EnsureWWAN(ctx context.Context) error {
	output, err := r.runner.Run(ctx, "uci get network.wwan")
	if err == nil {
		log.Printf("network.wwan already present (%s)", strings.TrimSpace(output))
		return nil
	}
	if !strings.Contains(output, "Entry not found") {
		return fmt.Errorf("failed to check network.wwan: %w", err)
	}

	log.Printf("Creating network.wwan interface")
	steps := [][2]string{
		{"network.wwan", "interface"},
		{"network.wwan.proto", "dhcp"},
		{"network.wwan.metric", "2048"},
	}
	for _, step := range steps {
		if err := r.Set(ctx, step[0], step[1]); err != nil {
			return err
		}
	}
	return r.Commit(ctx, "network")
}

// ConfigureStations sets up the station interfaces that connect the router to
// its upstream networks. Each entry becomes a wifi-iface section bound to the
// wwan network; disabled entries are kept in the config but not brought up.
func (r *Router) ConfigureStations(ctx context.Context, stations []config_manager.StationNetwork) error {
	for i, station := range stations {
		section := fmt.Sprintf("wireless.wifinet%d", i)
		settings := [][2]string{
			{section, "wifi-iface"},
			{section + ".device", station.Device},
			{section + ".mode", "sta"},
			{section + ".network", "wwan"},
			{section + ".ssid", station.SSID},
		}
		if station.Key != "" {
			settings = append(settings,
				[2]string{section + ".encryption", "psk2"},
				[2]string{section + ".key", station.Key},
			)
		} else {
			settings = append(settings, [2]string{section + ".encryption", "none"})
		}
		disabled := "0"
		if station.Disabled {
			disabled = "1"
		}
		settings = append(settings, [2]string{section + ".disabled", disabled})

		log.Printf("Configuring %s: ssid=%s device=%s disabled=%s", section, station.SSID, station.Device, disabled)
		for _, setting := range settings {
			if err := r.Set(ctx, setting[0], setting[1]); err != nil {
				return err
			}
		}
	}
	return r.Commit(ctx, "wireless")
}

// RestartNetwork restarts the network service so committed changes take
// effect. The SSH connection usually drops mid-restart, which is not an
// error.
func (r *Router) RestartNetwork(ctx context.Context) error {
	output, err := r.runner.Run(ctx, "/etc/init.d/network restart")
	if err != nil && !connectionDropped(err) {
		return fmt.Errorf("failed to restart network: %w (output: %s)", err, output)
	}
	return nil
}

func connectionDropped(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "connection reset") ||
		strings.Contains(msg, "broken pipe") ||
		strings.Contains(msg, "EOF") ||
		strings.Contains(msg, "wait: remote command exited without exit status")
}

// WaitForRoute polls until the router has a route to the internet, which
// means the station interface associated and got a DHCP lease.
func (r *Router) WaitForRoute(ctx context.Context, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		output, err := r.runner.Run(ctx, "ip route get 1.1.1.1")
		if err == nil && strings.Contains(output, "via") {
			log.Printf("Router has upstream route: %s", strings.TrimSpace(output))
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(2 * time.Second):
		}
	}
	return fmt.Errorf("no upstream route after %s", timeout)
}

// VerifyInternet checks that the router can actually reach the internet,
// not just that it has a route.
func (r *Router) VerifyInternet(ctx context.Context, attempts int) error {
	for i := 0; i < attempts; i++ {
		output, err := r.runner.Run(ctx, "ping -c 1 -W 2 8.8.8.8")
		if err == nil && strings.Contains(output, "1 packets received") {
			return nil
		}
		log.Printf("Router internet check %d/%d failed, retrying...", i+1, attempts)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(2 * time.Second):
		}
	}
	return fmt.Errorf("router has no internet connectivity after %d attempts", attempts)
}
