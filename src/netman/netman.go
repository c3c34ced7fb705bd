package netman

import (
	"context"
	"fmt"
	"log"
	"os/exec"
	"strconv"
	"strings"
	"time"

	probing "github.com/prometheus-community/pro-bing"
	"github.com/vishvananda/netlink"
)

// Network is one entry from a wifi scan.
type Network struct {
	SSID     string
	Signal   int
	Security string
}

// ScanNetworks rescans and lists visible wifi networks via nmcli.
func ScanNetworks(ctx context.Context) ([]Network, error) {
	cmd := exec.CommandContext(ctx, "nmcli", "-t", "-f", "SSID,SIGNAL,SECURITY", "dev", "wifi", "list", "--rescan", "yes")
	output, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("wifi scan failed: %w", err)
	}
	return parseScanOutput(string(output)), nil
}

// parseScanOutput parses nmcli terse output (SSID:SIGNAL:SECURITY per line).
func parseScanOutput(output string) []Network {
	var networks []Network
	for _, line := range strings.Split(output, "\n") {
		parts := strings.Split(line, ":")
		if len(parts) < 3 || parts[0] == "" {
			continue
		}
		signal, err := strconv.Atoi(parts[1])
		if err != nil {
			signal = 0
		}
		networks = append(networks, Network{
			SSID:     parts[0],
			Signal:   signal,
			Security: parts[2],
		})
	}
	return networks
}

// TollgateNetworks filters scan results down to TollGate SSIDs, deduplicated.
func TollgateNetworks(networks []Network, prefix string) []string {
	seen := make(map[string]bool)
	var ssids []string
	for _, n := range networks {
		if !strings.HasPrefix(n.SSID, prefix) || seen[n.SSID] {
			continue
		}
		seen[n.SSID] = true
		ssids = append(ssids, n.SSID)
	}
	return ssids
}

// Connect joins a wifi network. TollGate access points are open, so key is
// usually empty and the password argument is omitted.
func Connect(ctx context.Context, ssid, key string) error {
	args := []string{"device", "wifi", "connect", ssid}
	if key != "" {
		args = append(args, "password", key)
	}
	cmd := exec.CommandContext(ctx, "nmcli", args...)
	output, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("failed to connect to network %s: %s: %w", ssid, strings.TrimSpace(string(output)), err)
	}
	return nil
}

// ConnectionUp re-activates a saved NetworkManager connection by name.
func ConnectionUp(ctx context.Context, name string) error {
	cmd := exec.CommandContext(ctx, "nmcli", "connection", "up", name)
	output, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("failed to bring up connection %s: %s: %w", name, strings.TrimSpace(string(output)), err)
	}
	return nil
}

// ActiveConnection returns the name of the currently active wifi connection,
// or an empty string if there is none.
func ActiveConnection(ctx context.Context) (string, error) {
	cmd := exec.CommandContext(ctx, "nmcli", "-t", "-f", "name,type", "connection", "show", "--active")
	output, err := cmd.Output()
	if err != nil {
		return "", fmt.Errorf("failed to list active connections: %w", err)
	}
	return parseActiveConnection(string(output)), nil
}

func parseActiveConnection(output string) string {
	for _, line := range strings.Split(output, "\n") {
		parts := strings.Split(line, ":")
		if len(parts) < 2 {
			continue
		}
		if strings.Contains(parts[1], "wireless") {
			return parts[0]
		}
	}
	return ""
}

// GatewayIP returns the IPv4 default gateway of the host, which on the rig is
// the router we are currently associated with.
func GatewayIP() (string, error) {
	routes, err := netlink.RouteList(nil, netlink.FAMILY_V4)
	if err != nil {
		return "", fmt.Errorf("failed to list routes: %w", err)
	}
	for _, route := range routes {
		if route.Dst == nil && route.Gw != nil {
			return route.Gw.String(), nil
		}
	}
	return "", fmt.Errorf("no default route found")
}

// GatewayForInterface returns the default gateway reachable through the named
// interface, or an empty string if there is none yet.
func GatewayForInterface(name string) (string, error) {
	link, err := netlink.LinkByName(name)
	if err != nil {
		return "", fmt.Errorf("failed to get link %s: %w", name, err)
	}
	routes, err := netlink.RouteList(link, netlink.FAMILY_V4)
	if err != nil {
		return "", fmt.Errorf("failed to list routes for %s: %w", name, err)
	}
	for _, route := range routes {
		if route.Dst == nil && route.Gw != nil {
			return route.Gw.String(), nil
		}
	}
	// Fall back to the global table in case the route is not scoped to the link.
	allRoutes, err := netlink.RouteList(nil, netlink.FAMILY_V4)
	if err != nil {
		return "", fmt.Errorf("failed to list global routes: %w", err)
	}
	for _, route := range allRoutes {
		if route.Dst == nil && route.Gw != nil && route.LinkIndex == link.Attrs().Index {
			return route.Gw.String(), nil
		}
	}
	return "", nil
}

// InterfaceMAC returns the hardware address of the named interface.
func InterfaceMAC(name string) (string, error) {
	link, err := netlink.LinkByName(name)
	if err != nil {
		return "", fmt.Errorf("failed to get link %s: %w", name, err)
	}
	mac := link.Attrs().HardwareAddr.String()
	if mac == "" {
		return "", fmt.Errorf("interface %s has no hardware address", name)
	}
	return mac, nil
}

// InterfaceIP returns the first IPv4 address assigned to the named interface,
// or an empty string if the interface has none.
func InterfaceIP(name string) (string, error) {
	link, err := netlink.LinkByName(name)
	if err != nil {
		return "", fmt.Errorf("failed to get link %s: %w", name, err)
	}
	addrs, err := netlink.AddrList(link, netlink.FAMILY_V4)
	if err != nil {
		return "", fmt.Errorf("failed to list addresses for %s: %w", name, err)
	}
	for _, addr := range addrs {
		if addr.IP.IsLoopback() {
			continue
		}
		return addr.IP.String(), nil
	}
	return "", nil
}

// Ping sends a single ICMP echo to host and reports whether a reply came back
// within timeout.
func Ping(host string, timeout time.Duration) bool {
	pinger, err := probing.NewPinger(host)
	if err != nil {
		log.Printf("Failed to create pinger for %s: %v", host, err)
		return false
	}
	pinger.SetPrivileged(true)
	pinger.Count = 1
	pinger.Timeout = timeout
	if err := pinger.Run(); err != nil {
		return false
	}
	return pinger.Statistics().PacketsRecv > 0
}

// sleepCtx pauses for d unless the context is cancelled first.
func sleepCtx(ctx context.Context, d time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}

// VerifyInternet polls 8.8.8.8 until it answers or the deadline passes.
func VerifyInternet(ctx context.Context, deadline time.Duration) error {
	start := time.Now()
	for time.Since(start) < deadline {
		if Ping("8.8.8.8", 5*time.Second) {
			return nil
		}
		log.Println("Internet not accessible, waiting...")
		if err := sleepCtx(ctx, 2*time.Second); err != nil {
			return err
		}
	}
	return fmt.Errorf("internet connectivity not established within %v", deadline)
}

// WaitForGateway polls for a default gateway to appear, which happens once
// DHCP completes after a wifi association.
func WaitForGateway(ctx context.Context, deadline time.Duration) (string, error) {
	start := time.Now()
	for time.Since(start) < deadline {
		gateway, err := GatewayIP()
		if err == nil && gateway != "" {
			return gateway, nil
		}
		if err := sleepCtx(ctx, 2*time.Second); err != nil {
			return "", err
		}
	}
	return "", fmt.Errorf("no gateway appeared within %v", deadline)
}
