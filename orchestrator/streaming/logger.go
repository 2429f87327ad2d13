package streaming

import (
	"context"
	"encoding/json"
	"log"
	"time"
)

// LogPublisher writes events to the process log. It is the default publisher
// until a broker-backed implementation is plugged in.
type LogPublisher struct {
	logger *log.Logger
}

func NewLogPublisher() *LogPublisher {
	return &LogPublisher{
		logger: log.Default(),
	}
}

func (p *LogPublisher) Publish(ctx context.Context, topic string, payload interface{}) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	event := Event{
		Topic:     topic,
		Payload:   data,
		Timestamp: time.Now(),
		Source:    "orchestrator",
	}

	eventBytes, _ := json.Marshal(event)
	p.logger.Printf("[STREAMING] PUBLISH %s: %s", topic, string(eventBytes))
	return nil
}

func (p *LogPublisher) Close() error {
	return nil
}
