package gcp

import (
	"context"
	"fmt"

	"cloud.google.com/go/firestore"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// NewFirestoreClient creates and returns a new Firestore client for the given project ID.
// It centralizes client creation for all services.
func NewFirestoreClient(ctx context.Context, projectID string) (*firestore.Client, error) {
	if projectID == "" {
		return nil, fmt.Errorf("projectID must be provided to create a firestore client")
	}

	client, err := firestore.NewClient(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("failed to create Firestore client: %w", err)
	}

	return client, nil
}

// RemoteConfig reads dynamic configuration values stored as documents in a
// Firestore collection. Each document holds its value in a "value" field.
type RemoteConfig struct {
	client     *firestore.Client
	collection string
}

func NewRemoteConfig(client *firestore.Client, collection string) *RemoteConfig {
	return &RemoteConfig{client: client, collection: collection}
}

// Get returns the value stored under key, or nil when the key is not set.
func (c *RemoteConfig) Get(ctx context.Context, key string) (any, error) {
	snap, err := c.client.Collection(c.collection).Doc(key).Get(ctx)
	if status.Code(err) == codes.NotFound {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read config %q: %w", key, err)
	}
	v, err := snap.DataAt("value")
	if err != nil {
		return nil, nil
	}
	return v, nil
}
