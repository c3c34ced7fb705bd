package bragging

import (
	"context"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/nbd-wtf/go-nostr"

	"github.com/OpenTollGate/tollgate-test-rig/src/config_manager"
)

// Service publishes kind-1 notes about successful payment runs so a relay
// timeline doubles as a rig logbook.
type Service struct {
	config     config_manager.BraggingConfig
	relays     []string
	privateKey string
	relayPool  *nostr.SimplePool
}

func NewService(config config_manager.BraggingConfig, relays []string, privateKey string, relayPool *nostr.SimplePool) (*Service, error) {
	if _, err := nostr.GetPublicKey(privateKey); err != nil {
		return nil, err
	}
	if relayPool == nil {
		relayPool = nostr.NewSimplePool(context.Background())
	}
	return &Service{
		config:     config,
		relays:     relays,
		privateKey: privateKey,
		relayPool:  relayPool,
	}, nil
}

// CreateEvent builds a signed note from the run's result fields. Only the
// fields listed in the config end up in the note.
func (s *Service) CreateEvent(resultData map[string]interface{}) (*nostr.Event, error) {
	if !s.config.Enabled {
		return nil, nil
	}

	event := &nostr.Event{
		Kind:      1,
		CreatedAt: nostr.Now(),
		Tags:      make(nostr.Tags, 0),
		Content:   "",
	}

	var content string
	for _, field := range s.config.Fields {
		if value, exists := resultData[field]; exists {
			event.Tags = append(event.Tags, nostr.Tag{field, fmt.Sprint(value)})
			content += fmt.Sprintf("%s: %v, ", field, value)
		}
	}
	event.Content = strings.TrimSuffix(content, ", ")

	if err := event.Sign(s.privateKey); err != nil {
		return nil, err
	}
	return event, nil
}

var sem = make(chan bool, 5) // Allow up to 5 concurrent publishes

// PublishEvent fans the event out to all configured relays.
func (s *Service) PublishEvent(event *nostr.Event) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var wg sync.WaitGroup
	for _, relayURL := range s.relays {
		wg.Add(1)
		go func(url string) {
			defer wg.Done()
			sem <- true
			defer func() { <-sem }()

			for attempt := 1; attempt <= 3; attempt++ {
				relay, err := s.relayPool.EnsureRelay(url)
				if err != nil {
					log.Printf("Relay connection to %s failed (attempt %d): %v", url, attempt, err)
					continue
				}
				if err := relay.Publish(ctx, *event); err != nil {
					log.Printf("Publish to %s failed (attempt %d): %v", url, attempt, err)
					continue
				}
				log.Printf("Successfully published to relay %s", url)
				return
			}
		}(relayURL)
	}
	wg.Wait()
	return nil
}

// AnnounceSuccessfulPayment reports one paid session.
func (s *Service) AnnounceSuccessfulPayment(network, mintURL string, amount, allotment uint64) error {
	if !s.config.Enabled {
		log.Println("Bragging is disabled in configuration")
		return nil
	}
	event, err := s.CreateEvent(map[string]interface{}{
		"network":   network,
		"mint":      mintURL,
		"amount":    amount,
		"allotment": allotment,
	})
	if err != nil || event == nil {
		return err
	}
	return s.PublishEvent(event)
}
