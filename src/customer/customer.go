package customer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/nbd-wtf/go-nostr"
)

// Event kinds used on the TollGate HTTP endpoint. Older firmware advertises
// discovery as a replaceable 10021 event, newer builds use 21021; both are
// accepted.
const (
	KindDiscovery    = 10021
	KindDiscoveryAlt = 21021
	KindPayment      = 21000
	KindSession      = 1022
)

const (
	tollgatePort    = 2121
	maxResponseSize = 1 << 20
	userAgent       = "TollGate-TestRig/1.0"
)

// Identity is a throwaway customer keypair. Each payment uses a fresh one so
// sessions on the device never collide.
type Identity struct {
	PrivateKey string
	PublicKey  string
}

func NewIdentity() (*Identity, error) {
	sk := nostr.GeneratePrivateKey()
	pk, err := nostr.GetPublicKey(sk)
	if err != nil {
		return nil, fmt.Errorf("failed to derive public key: %w", err)
	}
	return &Identity{PrivateKey: sk, PublicKey: pk}, nil
}

// Pricing is the device's advertised price for one step of access.
type Pricing struct {
	PricePerStep uint64
	Unit         string
	MintURL      string
	Metric       string
	StepSize     uint64
}

// Session is the device's signed answer to a payment.
type Session struct {
	Event     nostr.Event
	Allotment uint64
	Metric    string
}

// Customer talks to a single TollGate's HTTP endpoint on port 2121.
type Customer struct {
	client *http.Client
}

func New() *Customer {
	return &Customer{
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

// endpointURL builds the device URL. A gateway that already carries a port
// is used as-is so tests can point at an arbitrary listener.
func endpointURL(gateway string) string {
	if strings.Contains(gateway, ":") {
		return fmt.Sprintf("http://%s/", gateway)
	}
	return fmt.Sprintf("http://%s:%d/", gateway, tollgatePort)
}

// Probe fetches and validates the discovery event from a gateway, retrying
// while the captive portal comes up after association.
func (c *Customer) Probe(ctx context.Context, gateway string, attempts int) (*nostr.Event, error) {
	var lastErr error
	for i := 0; i < attempts; i++ {
		if i > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(2 * time.Second):
			}
		}
		event, err := c.fetchDiscovery(ctx, gateway)
		if err == nil {
			return event, nil
		}
		lastErr = err
		log.Printf("Discovery attempt %d/%d against %s failed: %v", i+1, attempts, gateway, err)
	}
	return nil, fmt.Errorf("failed to fetch discovery event from %s: %w", gateway, lastErr)
}

func (c *Customer) fetchDiscovery(ctx context.Context, gateway string) (*nostr.Event, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpointURL(gateway), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", userAgent)

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	var event nostr.Event
	if err := json.Unmarshal(body, &event); err != nil {
		return nil, fmt.Errorf("failed to parse discovery event: %w", err)
	}
	if event.Kind != KindDiscovery && event.Kind != KindDiscoveryAlt {
		return nil, fmt.Errorf("unexpected event kind %d", event.Kind)
	}
	if event.PubKey == "" {
		return nil, fmt.Errorf("discovery event has no pubkey")
	}
	return &event, nil
}

// ParsePricing extracts the price for a given mint from a discovery event.
// Two tag layouts exist in the wild: a combined
// ["price_per_step","cashu",price,unit,mint] tag, and a bare
// ["price_per_step",price,unit] tag with the mints listed in separate
// ["mint",url] tags.
func ParsePricing(event *nostr.Event, mintURL string) (*Pricing, error) {
	pricing := &Pricing{Unit: "sat"}
	mintMatched := false

	for _, tag := range event.Tags {
		switch {
		case len(tag) >= 5 && tag[0] == "price_per_step" && tag[1] == "cashu":
			if tag[4] != mintURL {
				continue
			}
			price, err := strconv.ParseUint(tag[2], 10, 64)
			if err != nil {
				return nil, fmt.Errorf("bad price %q: %w", tag[2], err)
			}
			pricing.PricePerStep = price
			pricing.Unit = tag[3]
			pricing.MintURL = tag[4]
			mintMatched = true
		case len(tag) >= 2 && tag[0] == "price_per_step":
			price, err := strconv.ParseUint(tag[1], 10, 64)
			if err != nil {
				return nil, fmt.Errorf("bad price %q: %w", tag[1], err)
			}
			pricing.PricePerStep = price
			if len(tag) >= 3 {
				pricing.Unit = tag[2]
			}
		case len(tag) >= 2 && tag[0] == "mint":
			if tag[1] == mintURL {
				pricing.MintURL = tag[1]
				mintMatched = true
			}
		case len(tag) >= 2 && tag[0] == "metric":
			pricing.Metric = tag[1]
		case len(tag) >= 2 && tag[0] == "step_size":
			if size, err := strconv.ParseUint(tag[1], 10, 64); err == nil {
				pricing.StepSize = size
			}
		}
	}

	if !mintMatched {
		return nil, fmt.Errorf("mint %s not accepted by this device", mintURL)
	}
	if pricing.PricePerStep == 0 {
		return nil, fmt.Errorf("no price_per_step tag in discovery event")
	}
	return pricing, nil
}

// BuildPaymentEvent constructs and signs a kind 21000 payment event carrying
// the cashu token and the customer's MAC.
func BuildPaymentEvent(identity *Identity, tollgatePubkey, macAddress, cashuToken string) (*nostr.Event, error) {
	if _, err := net.ParseMAC(macAddress); err != nil {
		return nil, fmt.Errorf("invalid MAC address %q: %w", macAddress, err)
	}

	event := nostr.Event{
		Kind:      KindPayment,
		CreatedAt: nostr.Now(),
		Tags: nostr.Tags{
			{"p", tollgatePubkey},
			{"device-identifier", "mac", macAddress},
			{"payment", cashuToken},
		},
		Content: "",
	}
	if err := event.Sign(identity.PrivateKey); err != nil {
		return nil, fmt.Errorf("failed to sign payment event: %w", err)
	}
	return &event, nil
}

// Pay POSTs a signed payment event to the gateway and validates the session
// event that comes back. The session must be signed by the pubkey from the
// discovery event.
func (c *Customer) Pay(ctx context.Context, gateway string, tollgatePubkey string, payment *nostr.Event) (*Session, error) {
	body, err := json.Marshal(payment)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal payment event: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpointURL(gateway), bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", userAgent)

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to send payment event: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return nil, fmt.Errorf("failed to read payment response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("payment rejected with status %d: %s", resp.StatusCode, strings.TrimSpace(string(respBody)))
	}

	var session nostr.Event
	if err := json.Unmarshal(respBody, &session); err != nil {
		return nil, fmt.Errorf("failed to parse session event: %w", err)
	}
	if session.Kind != KindSession {
		return nil, fmt.Errorf("unexpected response event kind %d", session.Kind)
	}
	if ok, err := session.CheckSignature(); err != nil || !ok {
		return nil, fmt.Errorf("session event has invalid signature: %v", err)
	}
	if tollgatePubkey != "" && session.PubKey != tollgatePubkey {
		return nil, fmt.Errorf("session signed by %s, expected %s", session.PubKey, tollgatePubkey)
	}

	result := &Session{Event: session}
	for _, tag := range session.Tags {
		switch {
		case len(tag) >= 2 && tag[0] == "allotment":
			if allotment, err := strconv.ParseUint(tag[1], 10, 64); err == nil {
				result.Allotment = allotment
			}
		case len(tag) >= 2 && tag[0] == "metric":
			result.Metric = tag[1]
		}
	}
	log.Printf("Received session event %s: allotment=%d metric=%s", session.ID, result.Allotment, result.Metric)
	return result, nil
}
