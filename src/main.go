package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/OpenTollGate/tollgate-test-rig/src/bragging"
	"github.com/OpenTollGate/tollgate-test-rig/src/config_manager"
	"github.com/OpenTollGate/tollgate-test-rig/src/customer"
	"github.com/OpenTollGate/tollgate-test-rig/src/flasher"
	"github.com/OpenTollGate/tollgate-test-rig/src/netman"
	"github.com/OpenTollGate/tollgate-test-rig/src/remote"
	"github.com/OpenTollGate/tollgate-test-rig/src/tollwallet"
	"github.com/OpenTollGate/tollgate-test-rig/src/uci"
)

func usage() {
	fmt.Fprintf(os.Stderr, `Usage: tollgate-test <command> [flags]

Commands:
  flash-monitor   watch the ethernet interface and flash attached routers
  discover        scan for TollGate networks and print their pricing
  pay             purchase a session from the currently connected TollGate
  configure       set up the wwan/station interfaces on a connected router
`)
	os.Exit(2)
}

func main() {
	if len(os.Args) < 2 {
		usage()
	}

	configPath := config_manager.DefaultConfigPath()
	if env := os.Getenv("TOLLGATE_TEST_CONFIG"); env != "" {
		configPath = env
	}
	configManager, err := config_manager.NewConfigManager(configPath)
	if err != nil {
		log.Printf("Error loading config: %v", err)
		os.Exit(1)
	}
	config, err := configManager.LoadConfig()
	if err != nil {
		log.Printf("Error loading config: %v", err)
		os.Exit(1)
	}

	ctx := context.Background()

	switch os.Args[1] {
	case "flash-monitor":
		err = runFlashMonitor(ctx, configManager, config, os.Args[2:])
	case "discover":
		err = runDiscover(ctx, config)
	case "pay":
		err = runPay(ctx, configManager, config, os.Args[2:])
	case "configure":
		err = runConfigure(ctx, config)
	default:
		usage()
	}
	if err != nil {
		log.Printf("Error: %v", err)
		os.Exit(1)
	}
}

// runFlashMonitor resolves the newest trusted firmware release, then watches
// the ethernet interface and flashes every router that gets plugged in.
func runFlashMonitor(ctx context.Context, configManager *config_manager.ConfigManager, config *config_manager.Config, args []string) error {
	flags := flag.NewFlagSet("flash-monitor", flag.ExitOnError)
	imageFlag := flags.String("image", "", "path to a local image file (skips the relay lookup)")
	windowFlag := flags.Duration("window", 30*time.Second, "how long to collect firmware events from relays")
	flags.Parse(args)

	imagePath := *imageFlag
	if imagePath == "" {
		finder := flasher.NewFinder(
			configManager.RelayPool,
			config.Relays,
			config.TrustedMaintainers,
			config.Architecture,
			config.ReleaseChannel,
		)
		release, err := finder.FindLatest(ctx, *windowFlag)
		if err != nil {
			return err
		}
		log.Printf("Latest %s/%s firmware: %s", config.Architecture, config.ReleaseChannel, release.Version)

		imagePath, err = flasher.Download(ctx, release, os.TempDir())
		if err != nil {
			return err
		}
	}
	if _, err := os.Stat(imagePath); err != nil {
		return fmt.Errorf("image file not found: %s", imagePath)
	}
	log.Printf("Using image file: %s", imagePath)

	monitor := flasher.NewMonitor(config.EthernetInterface, func(ctx context.Context, gateway string) error {
		client := remote.NewClient(gateway, config.RouterPassword)
		if err := flasher.NewFlasher(client).Flash(ctx, imagePath); err != nil {
			return err
		}
		return configManager.MarkFlashed(gateway, filepath.Base(imagePath))
	})
	return monitor.Watch(ctx)
}

// runDiscover scans for TollGate SSIDs, probes each one and prints its
// advertised pricing.
func runDiscover(ctx context.Context, config *config_manager.Config) error {
	networks, err := netman.ScanNetworks(ctx)
	if err != nil {
		return err
	}
	tollgates := netman.TollgateNetworks(networks, config.SSIDPrefix)
	if len(tollgates) == 0 {
		return fmt.Errorf("no networks with prefix %q found", config.SSIDPrefix)
	}
	log.Printf("Found %d TollGate networks: %v", len(tollgates), tollgates)

	previous, err := netman.ActiveConnection(ctx)
	if err != nil {
		log.Printf("Could not determine current connection: %v", err)
	}
	defer restorePrevious(ctx, previous)

	probe := customer.New()
	for _, ssid := range tollgates {
		if err := netman.Connect(ctx, ssid, ""); err != nil {
			log.Printf("Failed to connect to %s: %v", ssid, err)
			continue
		}
		gateway, err := netman.WaitForGateway(ctx, 30*time.Second)
		if err != nil {
			log.Printf("Could not determine router IP for %s: %v", ssid, err)
			continue
		}
		event, err := probe.Probe(ctx, gateway, 5)
		if err != nil {
			log.Printf("Failed to probe %s at %s: %v", ssid, gateway, err)
			continue
		}
		pricing, err := customer.ParsePricing(event, config.MintURL)
		if err != nil {
			log.Printf("No usable pricing on %s: %v", ssid, err)
			continue
		}
		fmt.Printf("%s\t%s\t%d %s per step\t%s\n", ssid, gateway, pricing.PricePerStep, pricing.Unit, event.PubKey)
	}
	return nil
}

// runPay performs a one-shot purchase against the TollGate the host is
// currently connected to.
func runPay(ctx context.Context, configManager *config_manager.ConfigManager, config *config_manager.Config, args []string) error {
	flags := flag.NewFlagSet("pay", flag.ExitOnError)
	walletDir := flags.String("wallet", "", "cdk-cli wallet directory (default: a funded temporary wallet)")
	flags.Parse(args)

	gateway, err := netman.GatewayIP()
	if err != nil {
		return fmt.Errorf("not connected to a TollGate: %w", err)
	}

	probe := customer.New()
	event, err := probe.Probe(ctx, gateway, 5)
	if err != nil {
		return err
	}
	pricing, err := customer.ParsePricing(event, config.MintURL)
	if err != nil {
		return err
	}
	log.Printf("TollGate %s asks %d %s per step", event.PubKey, pricing.PricePerStep, pricing.Unit)

	var wallet *tollwallet.TollWallet
	if *walletDir != "" {
		wallet = tollwallet.New(*walletDir, config.MintURL)
	} else {
		wallet, err = tollwallet.NewTemp(config.MintURL)
		if err != nil {
			return err
		}
		defer wallet.Close()
		if err := wallet.Fund(ctx, config.FundAmount); err != nil {
			return err
		}
	}

	token, err := wallet.Send(ctx, pricing.PricePerStep)
	if err != nil {
		return err
	}

	identity, err := customer.NewIdentity()
	if err != nil {
		return err
	}
	mac, err := netman.InterfaceMAC(config.WifiInterface)
	if err != nil {
		return err
	}
	payment, err := customer.BuildPaymentEvent(identity, event.PubKey, mac, token)
	if err != nil {
		return err
	}

	session, err := probe.Pay(ctx, gateway, event.PubKey, payment)
	if err != nil {
		return err
	}
	log.Printf("Session granted: allotment=%d %s", session.Allotment, session.Metric)

	if err := netman.VerifyInternet(ctx, 30*time.Second); err != nil {
		return fmt.Errorf("paid but no internet access: %w", err)
	}
	log.Printf("Internet access confirmed")

	service, err := bragging.NewService(config.Bragging, config.Relays, config.CustomerPrivateKey, configManager.RelayPool)
	if err != nil {
		return err
	}
	return service.AnnounceSuccessfulPayment(gateway, pricing.MintURL, pricing.PricePerStep, session.Allotment)
}

// runConfigure sets up the station interfaces on the router the host is
// connected to and waits for it to come back with internet access.
func runConfigure(ctx context.Context, config *config_manager.Config) error {
	gateway, err := netman.GatewayIP()
	if err != nil {
		return fmt.Errorf("not connected to a router: %w", err)
	}
	log.Printf("Configuring router at %s", gateway)

	client := remote.NewClient(gateway, config.FlashedRouterPassword)
	router := uci.NewRouter(client)

	if err := router.EnsureWWAN(ctx); err != nil {
		return err
	}
	if err := router.ConfigureStations(ctx, config.StationNetworks); err != nil {
		return err
	}
	if err := router.RestartNetwork(ctx); err != nil {
		return err
	}
	if err := router.WaitForRoute(ctx, 2*time.Minute); err != nil {
		return err
	}
	if err := router.VerifyInternet(ctx, 15); err != nil {
		return err
	}
	log.Printf("Router at %s is configured and online", gateway)
	return nil
}

func restorePrevious(ctx context.Context, name string) {
	if name == "" {
		return
	}
	if err := netman.ConnectionUp(ctx, name); err != nil {
		log.Printf("Failed to reconnect to previous network %s: %v", name, err)
		return
	}
	log.Printf("Reconnected to previous network: %s", name)
}
