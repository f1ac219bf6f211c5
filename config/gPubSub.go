package config

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"os"
	"sync"
	"time"

	"cloud.google.com/go/pubsub"
	"google.golang.org/api/option"
)

// LifecycleEvent is published after a document's approval outcome has been reconciled.
type LifecycleEvent struct {
	EventType      string    `json:"event_type"`
	DocumentId     int       `json:"document_id"`
	Family         string    `json:"family"`
	SequenceNo     int64     `json:"sequence_no"`
	DocumentNumber string    `json:"document_number"`
	Status         string    `json:"status"`
	ApprovalToken  string    `json:"approval_token,omitempty"`
	FailureKind    string    `json:"failure_kind,omitempty"`
	OccurredAt     time.Time `json:"occurred_at"`
	CorrelationId  string    `json:"correlation_id,omitempty"`
}

var (
	pubsubClient   *pubsub.Client
	pubsubClientMu sync.Mutex
)

func getPubSubProjectID() string {
	if v := os.Getenv("PUBSUB_PROJECT_ID"); v != "" {
		return v
	}
	return os.Getenv("GOOGLE_CLOUD_PROJECT")
}

// LifecycleEventsEnabled is false unless both a project and a topic are configured.
func LifecycleEventsEnabled() bool {
	return getPubSubProjectID() != "" && os.Getenv("PUBSUB_LIFECYCLE_TOPIC") != ""
}

func getPubSubClient(ctx context.Context) (*pubsub.Client, error) {
	pubsubClientMu.Lock()
	defer pubsubClientMu.Unlock()
	if pubsubClient != nil {
		return pubsubClient, nil
	}

	projectID := getPubSubProjectID()
	if projectID == "" {
		return nil, errors.New("PUBSUB_PROJECT_ID/GOOGLE_CLOUD_PROJECT not set")
	}

	var (
		c   *pubsub.Client
		err error
	)
	if credJSON := os.Getenv("PUBSUB_CREDENTIALS_JSON"); credJSON != "" {
		c, err = pubsub.NewClient(ctx, projectID, option.WithCredentialsJSON([]byte(credJSON)))
	} else {
		c, err = pubsub.NewClient(ctx, projectID)
	}
	if err != nil {
		return nil, err
	}
	pubsubClient = c
	log.Printf("pubsub client ready (project_id=%s)", projectID)
	return c, nil
}

// PublishLifecycleEvent publishes and returns the server-assigned message ID.
// Returns ("", nil) when lifecycle events are not configured.
func PublishLifecycleEvent(ctx context.Context, event LifecycleEvent) (string, error) {
	if !LifecycleEventsEnabled() {
		return "", nil
	}
	client, err := getPubSubClient(ctx)
	if err != nil {
		return "", err
	}
	data, err := json.Marshal(event)
	if err != nil {
		return "", err
	}
	t := client.Topic(os.Getenv("PUBSUB_LIFECYCLE_TOPIC"))
	result := t.Publish(ctx, &pubsub.Message{
		Data: data,
		Attributes: map[string]string{
			"event_type": event.EventType,
			"family":     event.Family,
		},
	})
	return result.Get(ctx)
}
