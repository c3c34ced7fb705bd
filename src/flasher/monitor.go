package flasher

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/vishvananda/netlink"

	"github.com/OpenTollGate/tollgate-test-rig/src/netman"
)

// RouterHandler is invoked once per detected router with its gateway IP.
type RouterHandler func(ctx context.Context, gateway string) error

// Monitor watches an ethernet interface for attached routers. A router
// plugged into the rig hands the interface a DHCP lease; the address update
// is the signal that something is there to flash. Unplugging clears the
// flashed flag so a replacement router gets flashed too.
type Monitor struct {
	iface   string
	handler RouterHandler

	gatewayFor   func(iface string) (string, error)
	pollInterval time.Duration
	gatewayWait  time.Duration
}

func NewMonitor(iface string, handler RouterHandler) *Monitor {
	return &Monitor{
		iface:        iface,
		handler:      handler,
		gatewayFor:   netman.GatewayForInterface,
		pollInterval: 2 * time.Second,
		gatewayWait:  30 * time.Second,
	}
}

// Watch blocks, dispatching the handler for each newly attached router,
// until the context is cancelled.
func (m *Monitor) Watch(ctx context.Context) error {
	link, err := netlink.LinkByName(m.iface)
	if err != nil {
		return fmt.Errorf("failed to find interface %s: %w", m.iface, err)
	}
	linkIndex := link.Attrs().Index

	updates := make(chan netlink.AddrUpdate, 16)
	done := make(chan struct{})
	defer close(done)
	if err := netlink.AddrSubscribe(updates, done); err != nil {
		return fmt.Errorf("failed to subscribe to address updates: %w", err)
	}

	log.Printf("Monitoring interface %s for router connections...", m.iface)

	flashed := false
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case update, ok := <-updates:
			if !ok {
				return fmt.Errorf("address subscription closed")
			}
			if update.LinkIndex != linkIndex {
				continue
			}
			ip := update.LinkAddress.IP
			if ip.To4() == nil || ip.IsLoopback() {
				continue
			}

			if !update.NewAddr {
				log.Printf("Interface %s lost %s, waiting for the next router", m.iface, ip)
				flashed = false
				continue
			}
			if flashed {
				log.Printf("Router already flashed, skipping...")
				continue
			}

			log.Printf("Interface %s has IP address: %s", m.iface, ip)
			gateway, err := m.waitForGateway(ctx)
			if err != nil {
				log.Printf("Could not determine router IP on %s: %v", m.iface, err)
				continue
			}
			log.Printf("Router detected at IP: %s", gateway)

			if err := m.handler(ctx, gateway); err != nil {
				log.Printf("Failed to handle router at %s: %v", gateway, err)
				continue
			}
			flashed = true
		}
	}
}

// waitForGateway polls for the interface's default route. DHCP installs the
// route a moment after the address lands, so the lookup reporting no gateway
// yet is the normal first answer and the loop keeps polling.
func (m *Monitor) waitForGateway(ctx context.Context) (string, error) {
	deadline := time.Now().Add(m.gatewayWait)
	for time.Now().Before(deadline) {
		gateway, err := m.gatewayFor(m.iface)
		if err == nil && gateway != "" {
			return gateway, nil
		}
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(m.pollInterval):
		}
	}
	return "", fmt.Errorf("no default route on %s after %s", m.iface, m.gatewayWait)
}
