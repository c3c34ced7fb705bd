package flasher

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/hashicorp/go-version"
	"github.com/nbd-wtf/go-nostr"
)

// KindFirmware is the NIP-94 file metadata kind used for firmware releases.
const KindFirmware = 1063

// Release describes one published firmware image.
type Release struct {
	URL          string
	Version      string
	Architecture string
	Filename     string
	Channel      string
	Checksum     string
	Timestamp    int64
	Event        *nostr.Event
}

// parseFirmwareEvent extracts release information from a NIP-94 event.
func parseFirmwareEvent(event *nostr.Event) (*Release, error) {
	tagMap := make(map[string]string)
	for _, tag := range event.Tags {
		if len(tag) > 1 {
			tagMap[tag[0]] = tag[1]
		}
	}

	for _, required := range []string{"url", "version", "architecture", "filename", "release_channel"} {
		if tagMap[required] == "" {
			return nil, fmt.Errorf("invalid NIP-94 event: missing required tag '%s'", required)
		}
	}

	return &Release{
		URL:          tagMap["url"],
		Version:      tagMap["version"],
		Architecture: tagMap["architecture"],
		Filename:     tagMap["filename"],
		Channel:      tagMap["release_channel"],
		Checksum:     tagMap["x"],
		Timestamp:    int64(event.CreatedAt),
		Event:        event,
	}, nil
}

// Finder locates the latest firmware release for an architecture on the
// configured relays.
type Finder struct {
	pool               *nostr.SimplePool
	relays             []string
	trustedMaintainers []string
	architecture       string
	channel            string
}

func NewFinder(pool *nostr.SimplePool, relays, trustedMaintainers []string, architecture, channel string) *Finder {
	return &Finder{
		pool:               pool,
		relays:             relays,
		trustedMaintainers: trustedMaintainers,
		architecture:       architecture,
		channel:            channel,
	}
}

var subscriptionSemaphore = make(chan struct{}, 5)

// FindLatest subscribes to the relays for NIP-94 events, collects for the
// given window and returns the newest matching release. Only events signed
// by a trusted maintainer count.
func (f *Finder) FindLatest(ctx context.Context, window time.Duration) (*Release, error) {
	collectCtx, cancel := context.WithTimeout(ctx, window)
	defer cancel()

	eventChan := make(chan *nostr.Event, 1000)
	var wg sync.WaitGroup
	for _, relayURL := range f.relays {
		wg.Add(1)
		go func(relayURL string) {
			defer wg.Done()
			subscriptionSemaphore <- struct{}{}
			defer func() { <-subscriptionSemaphore }()

			relay, err := f.pool.EnsureRelay(relayURL)
			if err != nil {
				log.Printf("Failed to ensure relay %s: %v", relayURL, err)
				return
			}
			sub, err := relay.Subscribe(collectCtx, []nostr.Filter{{Kinds: []int{KindFirmware}}})
			if err != nil {
				log.Printf("Failed to subscribe on relay %s: %v", relayURL, err)
				return
			}
			log.Printf("Subscribed to firmware events on relay %s", relayURL)
			for {
				select {
				case event, ok := <-sub.Events:
					if !ok {
						return
					}
					eventChan <- event
				case <-collectCtx.Done():
					return
				}
			}
		}(relayURL)
	}
	go func() {
		wg.Wait()
		close(eventChan)
	}()

	releases := make(map[string]*Release)
	for event := range eventChan {
		release, err := f.screen(event)
		if err != nil {
			continue
		}
		key := fmt.Sprintf("%s-%s", release.Filename, release.Version)
		if _, seen := releases[key]; !seen {
			releases[key] = release
		}
	}

	if len(releases) == 0 {
		return nil, fmt.Errorf("no %s/%s firmware events from trusted maintainers within %s", f.architecture, f.channel, window)
	}
	return newestRelease(releases), nil
}

// screen drops events from unknown signers, with bad signatures, or for the
// wrong architecture or channel.
func (f *Finder) screen(event *nostr.Event) (*Release, error) {
	if !contains(f.trustedMaintainers, event.PubKey) {
		return nil, fmt.Errorf("untrusted maintainer %s", event.PubKey)
	}
	if ok, err := event.CheckSignature(); err != nil || !ok {
		return nil, fmt.Errorf("invalid signature")
	}
	release, err := parseFirmwareEvent(event)
	if err != nil {
		return nil, err
	}
	if release.Architecture != f.architecture {
		return nil, fmt.Errorf("architecture %s does not match %s", release.Architecture, f.architecture)
	}
	if release.Channel != f.channel {
		return nil, fmt.Errorf("channel %s does not match %s", release.Channel, f.channel)
	}
	return release, nil
}

// newestRelease picks the highest version, breaking unparseable versions by
// timestamp.
func newestRelease(releases map[string]*Release) *Release {
	sorted := make([]*Release, 0, len(releases))
	for _, release := range releases {
		sorted = append(sorted, release)
	}
	sort.Slice(sorted, func(i, j int) bool {
		vi, errI := version.NewVersion(sorted[i].Version)
		vj, errJ := version.NewVersion(sorted[j].Version)
		if errI != nil || errJ != nil {
			return sorted[i].Timestamp > sorted[j].Timestamp
		}
		return vi.GreaterThan(vj)
	})
	return sorted[0]
}

// Download fetches a release image into destDir, naming it by checksum, and
// verifies the sha256 against the event's x tag. An existing file with the
// right hash is reused.
func Download(ctx context.Context, release *Release, destDir string) (string, error) {
	if release.Checksum == "" {
		return "", fmt.Errorf("release %s has no checksum tag", release.Version)
	}
	imagePath := filepath.Join(destDir, release.Checksum+".bin")

	if data, err := os.ReadFile(imagePath); err == nil {
		if err := verifyChecksum(data, release.Checksum); err == nil {
			log.Printf("Image %s already downloaded with correct checksum, skipping", imagePath)
			return imagePath, nil
		}
		log.Printf("Existing image %s failed checksum, re-downloading", imagePath)
	}

	log.Printf("Downloading firmware %s from %s", release.Version, release.URL)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, release.URL, nil)
	if err != nil {
		return "", err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to download %s: %w", release.URL, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("failed to download %s: status %d", release.URL, resp.StatusCode)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("failed to read image body: %w", err)
	}
	if err := verifyChecksum(data, release.Checksum); err != nil {
		return "", err
	}
	if err := os.WriteFile(imagePath, data, 0644); err != nil {
		return "", fmt.Errorf("failed to write image: %w", err)
	}
	log.Printf("Firmware downloaded to %s (%d bytes)", imagePath, len(data))
	return imagePath, nil
}

func verifyChecksum(data []byte, expected string) error {
	actual := sha256.Sum256(data)
	if hex.EncodeToString(actual[:]) != expected {
		return fmt.Errorf("image checksum verification failed")
	}
	return nil
}

func contains(s []string, str string) bool {
	for _, v := range s {
		if v == str {
			return true
		}
	}
	return false
}
