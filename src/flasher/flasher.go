package flasher

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"

	"github.com/OpenTollGate/tollgate-test-rig/src/remote"
)

// Flasher installs firmware images and packages on a router over SSH.
type Flasher struct {
	runner remote.Runner
}

func NewFlasher(runner remote.Runner) *Flasher {
	return &Flasher{runner: runner}
}

// Copy streams the image into the router's /tmp and returns the remote path.
func (f *Flasher) Copy(ctx context.Context, imagePath string) (string, error) {
	file, err := os.Open(imagePath)
	if err != nil {
		return "", fmt.Errorf("failed to open image %s: %w", imagePath, err)
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return "", err
	}

	remotePath := "/tmp/" + filepath.Base(imagePath)
	log.Printf("Copying image %s (%d bytes) to router", imagePath, info.Size())
	if err := f.runner.Push(ctx, file, remotePath); err != nil {
		return "", fmt.Errorf("failed to copy image: %w", err)
	}
	log.Printf("Image copied to %s", remotePath)
	return remotePath, nil
}

// Install runs sysupgrade with the copied image. The router reboots while
// the command runs, so a dropped connection counts as success, as does any
// output showing the upgrade started.
func (f *Flasher) Install(ctx context.Context, remotePath string) error {
	log.Printf("Executing sysupgrade with %s", remotePath)
	output, err := f.runner.Run(ctx, fmt.Sprintf("sysupgrade -n %s", remotePath))
	if UpgradeStarted(output) {
		log.Printf("Router is rebooting with new firmware (this is expected)")
		return nil
	}
	if err != nil {
		if connectionDropped(err) {
			log.Printf("SSH connection dropped during sysupgrade (this is expected)")
			return nil
		}
		return fmt.Errorf("sysupgrade failed: %w (output: %s)", err, output)
	}
	return nil
}

// Flash copies an image to the router and starts the upgrade.
func (f *Flasher) Flash(ctx context.Context, imagePath string) error {
	remotePath, err := f.Copy(ctx, imagePath)
	if err != nil {
		return err
	}
	return f.Install(ctx, remotePath)
}

// InstallPackages installs opkg packages on a running router.
func (f *Flasher) InstallPackages(ctx context.Context, packages ...string) error {
	if output, err := f.runner.Run(ctx, "opkg update"); err != nil {
		return fmt.Errorf("opkg update failed: %w (output: %s)", err, output)
	}
	for _, pkg := range packages {
		log.Printf("Installing package %s", pkg)
		output, err := f.runner.Run(ctx, fmt.Sprintf("opkg install %s", pkg))
		if err != nil {
			return fmt.Errorf("failed to install %s: %w (output: %s)", pkg, err, output)
		}
	}
	return nil
}

// UpgradeStarted reports whether sysupgrade output shows the upgrade got
// underway before the connection went down.
func UpgradeStarted(output string) bool {
	return strings.Contains(output, "Commencing upgrade") ||
		strings.Contains(output, "verifying sysupgrade tar file integrity")
}

func connectionDropped(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "connection reset") ||
		strings.Contains(msg, "broken pipe") ||
		strings.Contains(msg, "EOF") ||
		strings.Contains(msg, "wait: remote command exited without exit status")
}
