//go:build integration

package main

import (
	"context"
	"os"
	"os/exec"
	"strings"
	"testing"
	"time"

	"github.com/OpenTollGate/tollgate-test-rig/src/config_manager"
	"github.com/OpenTollGate/tollgate-test-rig/src/customer"
	"github.com/OpenTollGate/tollgate-test-rig/src/flasher"
	"github.com/OpenTollGate/tollgate-test-rig/src/iperf"
	"github.com/OpenTollGate/tollgate-test-rig/src/netman"
	"github.com/OpenTollGate/tollgate-test-rig/src/remote"
	"github.com/OpenTollGate/tollgate-test-rig/src/tollwallet"
	"github.com/OpenTollGate/tollgate-test-rig/src/uci"
)

// These tests drive the physical rig: a host with a wifi card, TollGate
// routers in range and the cdk-cli binary installed. They skip themselves
// when the rig is not there.

func requireCommand(t *testing.T, name string) {
	t.Helper()
	if _, err := exec.LookPath(name); err != nil {
		t.Skipf("%s not found in PATH, skipping", name)
	}
}

func rigConfig(t *testing.T) *config_manager.Config {
	t.Helper()
	path := os.Getenv("TOLLGATE_TEST_CONFIG")
	if path == "" {
		path = config_manager.DefaultConfigPath()
	}
	if _, err := os.Stat(path); err != nil {
		t.Skipf("rig config %s not present, skipping", path)
	}
	manager, err := config_manager.NewConfigManager(path)
	if err != nil {
		t.Fatalf("Failed to load rig config: %v", err)
	}
	config, err := manager.LoadConfig()
	if err != nil {
		t.Fatalf("Failed to load rig config: %v", err)
	}
	return config
}

func tollgateSSIDs(t *testing.T, ctx context.Context, config *config_manager.Config) []string {
	t.Helper()
	networks, err := netman.ScanNetworks(ctx)
	if err != nil {
		t.Fatalf("Wifi scan failed: %v", err)
	}
	ssids := netman.TollgateNetworks(networks, config.SSIDPrefix)
	if len(ssids) == 0 {
		t.Skipf("no networks with prefix %q in range, skipping", config.SSIDPrefix)
	}
	return ssids
}

func restoreConnection(t *testing.T, ctx context.Context, name string) {
	t.Helper()
	if name == "" {
		return
	}
	if err := netman.ConnectionUp(ctx, name); err != nil {
		t.Logf("Failed to reconnect to previous network %s: %v", name, err)
	}
}

func TestEcashFunctionality(t *testing.T) {
	requireCommand(t, "cdk-cli")
	config := rigConfig(t)
	ctx := context.Background()

	wallet, err := tollwallet.NewTemp(config.MintURL)
	if err != nil {
		t.Fatal(err)
	}
	defer wallet.Close()

	if err := wallet.Fund(ctx, config.FundAmount); err != nil {
		t.Fatalf("Failed to fund wallet: %v", err)
	}

	info, err := wallet.MintInfo(ctx)
	if err != nil {
		t.Fatalf("mint-info failed: %v", err)
	}
	for _, field := range []string{"name", "version", "description", "nuts"} {
		if !strings.Contains(info, field) {
			t.Errorf("mint info missing %q: %s", field, info)
		}
	}

	balance, err := wallet.Balance(ctx)
	if err != nil {
		t.Fatalf("Balance failed: %v", err)
	}
	t.Logf("Wallet balance: %s", balance)

	token, err := wallet.Send(ctx, 500)
	if err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	if err := tollwallet.ValidateToken(token, 500, config.MintURL); err != nil {
		t.Fatalf("Generated token failed validation: %v", err)
	}

	receiver, err := tollwallet.NewTemp(config.MintURL)
	if err != nil {
		t.Fatal(err)
	}
	defer receiver.Close()

	if err := receiver.Receive(ctx, token); err != nil {
		t.Fatalf("Receive failed: %v", err)
	}
	balance2, err := receiver.Balance(ctx)
	if err != nil {
		t.Fatalf("Receiver balance failed: %v", err)
	}
	t.Logf("Receiver balance after redeem: %s", balance2)
}

func TestNetworkConfiguration(t *testing.T) {
	requireCommand(t, "nmcli")
	config := rigConfig(t)
	if len(config.StationNetworks) == 0 {
		t.Skip("no station networks configured, skipping")
	}
	ctx := context.Background()

	ssids := tollgateSSIDs(t, ctx, config)
	previous, _ := netman.ActiveConnection(ctx)
	defer restoreConnection(t, ctx, previous)

	ssid := ssids[0]
	if err := netman.Connect(ctx, ssid, ""); err != nil {
		t.Fatalf("Failed to connect to %s: %v", ssid, err)
	}
	gateway, err := netman.WaitForGateway(ctx, 30*time.Second)
	if err != nil {
		t.Fatalf("No gateway after connecting to %s: %v", ssid, err)
	}
	t.Logf("Configuring router at %s", gateway)

	client := remote.NewClient(gateway, config.FlashedRouterPassword)
	router := uci.NewRouter(client)

	if err := router.EnsureWWAN(ctx); err != nil {
		t.Fatalf("EnsureWWAN failed: %v", err)
	}
	if err := router.ConfigureStations(ctx, config.StationNetworks); err != nil {
		t.Fatalf("ConfigureStations failed: %v", err)
	}
	if err := router.RestartNetwork(ctx); err != nil {
		t.Fatalf("RestartNetwork failed: %v", err)
	}
	if err := router.WaitForRoute(ctx, 2*time.Minute); err != nil {
		t.Fatalf("Router never got an upstream route: %v", err)
	}
	if err := router.VerifyInternet(ctx, 15); err != nil {
		t.Fatalf("Router has no internet access: %v", err)
	}
}

func TestPayTollgateAndVerifyConnectivity(t *testing.T) {
	requireCommand(t, "nmcli")
	requireCommand(t, "cdk-cli")
	config := rigConfig(t)
	ctx := context.Background()

	ssids := tollgateSSIDs(t, ctx, config)
	previous, _ := netman.ActiveConnection(ctx)
	defer restoreConnection(t, ctx, previous)

	probe := customer.New()

	// First pass: collect pubkeys and prices from every TollGate in range.
	type gateInfo struct {
		ssid    string
		gateway string
		pubkey  string
		pricing *customer.Pricing
	}
	var gates []gateInfo
	for _, ssid := range ssids {
		if err := netman.Connect(ctx, ssid, ""); err != nil {
			t.Logf("Failed to connect to %s: %v", ssid, err)
			continue
		}
		gateway, err := netman.WaitForGateway(ctx, 30*time.Second)
		if err != nil {
			t.Logf("Could not determine router IP for %s: %v", ssid, err)
			continue
		}
		event, err := probe.Probe(ctx, gateway, 5)
		if err != nil {
			t.Logf("Failed to probe %s: %v", ssid, err)
			continue
		}
		pricing, err := customer.ParsePricing(event, config.MintURL)
		if err != nil {
			t.Logf("No usable pricing on %s: %v", ssid, err)
			continue
		}
		gates = append(gates, gateInfo{ssid: ssid, gateway: gateway, pubkey: event.PubKey, pricing: pricing})
	}
	if len(gates) == 0 {
		t.Fatal("failed to collect information from any TollGate network")
	}

	// Back on the internet-bearing network, pre-generate a token per gate.
	restoreConnection(t, ctx, previous)

	wallet, err := tollwallet.NewTemp(config.MintURL)
	if err != nil {
		t.Fatal(err)
	}
	defer wallet.Close()
	if err := wallet.Fund(ctx, config.FundAmount); err != nil {
		t.Fatalf("Failed to fund wallet: %v", err)
	}

	tokens := make(map[string]string)
	for _, gate := range gates {
		token, err := wallet.Send(ctx, gate.pricing.PricePerStep)
		if err != nil {
			t.Logf("Failed to generate token for %s: %v", gate.ssid, err)
			continue
		}
		tokens[gate.ssid] = token
	}
	if len(tokens) == 0 {
		t.Fatal("failed to generate tokens for any TollGate network")
	}

	// Second pass: pay each gate with its pre-generated token.
	paid := 0
	for _, gate := range gates {
		token, ok := tokens[gate.ssid]
		if !ok {
			continue
		}
		if err := netman.Connect(ctx, gate.ssid, ""); err != nil {
			t.Logf("Failed to reconnect to %s: %v", gate.ssid, err)
			continue
		}

		identity, err := customer.NewIdentity()
		if err != nil {
			t.Fatal(err)
		}
		mac, err := netman.InterfaceMAC(config.WifiInterface)
		if err != nil {
			t.Fatalf("Failed to read MAC of %s: %v", config.WifiInterface, err)
		}
		payment, err := customer.BuildPaymentEvent(identity, gate.pubkey, mac, token)
		if err != nil {
			t.Fatalf("Failed to build payment event: %v", err)
		}

		session, err := probe.Pay(ctx, gate.gateway, gate.pubkey, payment)
		if err != nil {
			t.Errorf("Payment to %s failed: %v", gate.ssid, err)
			continue
		}
		t.Logf("Session on %s: allotment=%d %s", gate.ssid, session.Allotment, session.Metric)

		if err := netman.VerifyInternet(ctx, 30*time.Second); err != nil {
			t.Errorf("Paid %s but no internet access: %v", gate.ssid, err)
			continue
		}
		paid++
	}
	if paid == 0 {
		t.Fatal("no TollGate granted working internet access")
	}
}

// TestInstallPackages installs the packages named in TOLLGATE_TEST_PACKAGES
// (comma separated) on every TollGate in range. Partial failures are logged,
// not fatal: routers mid-reboot or with full overlays are normal on the rig.
func TestInstallPackages(t *testing.T) {
	requireCommand(t, "nmcli")
	packages := strings.Split(os.Getenv("TOLLGATE_TEST_PACKAGES"), ",")
	if len(packages) == 0 || packages[0] == "" {
		t.Skip("TOLLGATE_TEST_PACKAGES not set, skipping")
	}
	config := rigConfig(t)
	ctx := context.Background()

	ssids := tollgateSSIDs(t, ctx, config)
	previous, _ := netman.ActiveConnection(ctx)
	defer restoreConnection(t, ctx, previous)

	installed := 0
	for _, ssid := range ssids {
		if err := netman.Connect(ctx, ssid, ""); err != nil {
			t.Logf("Failed to connect to %s: %v", ssid, err)
			continue
		}
		gateway, err := netman.WaitForGateway(ctx, 30*time.Second)
		if err != nil {
			t.Logf("No gateway on %s: %v", ssid, err)
			continue
		}
		client := remote.NewClient(gateway, config.FlashedRouterPassword)
		if err := flasher.NewFlasher(client).InstallPackages(ctx, packages...); err != nil {
			t.Logf("Installation on %s failed: %v", ssid, err)
			continue
		}
		installed++
	}
	t.Logf("Installed packages on %d/%d routers", installed, len(ssids))
}

// TestTeardownImageFlashing reflashes every TollGate in range with the image
// named in TOLLGATE_TEST_IMAGE, returning the rig to a known baseline.
func TestTeardownImageFlashing(t *testing.T) {
	requireCommand(t, "nmcli")
	imagePath := os.Getenv("TOLLGATE_TEST_IMAGE")
	if imagePath == "" {
		t.Skip("TOLLGATE_TEST_IMAGE not set, skipping")
	}
	if _, err := os.Stat(imagePath); err != nil {
		t.Fatalf("Image file not found: %s", imagePath)
	}
	config := rigConfig(t)
	ctx := context.Background()

	ssids := tollgateSSIDs(t, ctx, config)
	previous, _ := netman.ActiveConnection(ctx)
	defer restoreConnection(t, ctx, previous)

	flashed := 0
	for _, ssid := range ssids {
		if err := netman.Connect(ctx, ssid, ""); err != nil {
			t.Logf("Failed to connect to %s: %v", ssid, err)
			continue
		}
		gateway, err := netman.WaitForGateway(ctx, 30*time.Second)
		if err != nil {
			t.Logf("No gateway on %s: %v", ssid, err)
			continue
		}
		client := remote.NewClient(gateway, config.FlashedRouterPassword)
		if err := flasher.NewFlasher(client).Flash(ctx, imagePath); err != nil {
			t.Logf("Flashing %s failed: %v", ssid, err)
			continue
		}
		flashed++
	}
	t.Logf("Flashed %d/%d routers", flashed, len(ssids))
}

func TestDataAllotment(t *testing.T) {
	requireCommand(t, "iperf3")
	config := rigConfig(t)
	if config.Iperf.Host == "" {
		t.Skip("no iperf server configured, skipping")
	}
	ctx := context.Background()

	if !netman.Ping("8.8.8.8", 5*time.Second) {
		t.Skip("no internet access, pay a TollGate first")
	}

	client := remote.NewClient(config.Iperf.Host, config.Iperf.Password)
	client.User = config.Iperf.User
	server := iperf.NewServer(client, config.Iperf.Port)
	if err := server.Start(ctx); err != nil {
		t.Fatalf("Failed to start iperf3 server: %v", err)
	}
	defer server.Stop(ctx)

	report, err := iperf.Stream(ctx, config.Iperf.Host, config.Iperf.Port, 120*time.Second)
	if err != nil {
		t.Fatalf("Data stream failed outright: %v", err)
	}
	t.Logf("Streamed %d bytes in %.1fs (error: %q)", report.Bytes, report.Seconds, report.Error)

	// The device must have cut access once the allotment ran out.
	if netman.Ping("8.8.8.8", 5*time.Second) {
		t.Fatal("internet connection still active after the data stream, allotment was not enforced")
	}
}
