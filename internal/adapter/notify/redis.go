// Package notify mirrors alerts to Redis pub/sub so connected front ends
// can push them without polling the ledger store.
package notify

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/simaogato/topup-engine/internal/domain"
)

// DefaultChannelPrefix is prepended to the account id to form the channel name
const DefaultChannelPrefix = "alerts:"

// RedisPublisher publishes alerts on alerts:{accountId}
type RedisPublisher struct {
	client redis.UniversalClient
	prefix string
}

type message struct {
	ID      string `json:"id"`
	Account string `json:"account"`
	*domain.Alert
}

// NewRedisPublisher creates a publisher on client
func NewRedisPublisher(client redis.UniversalClient, prefix string) *RedisPublisher {
	if prefix == "" {
		prefix = DefaultChannelPrefix
	}
	return &RedisPublisher{client: client, prefix: prefix}
}

// Channel returns the channel alerts for accountID are published on
func (p *RedisPublisher) Channel(accountID string) string {
	return p.prefix + accountID
}

// Publish sends alert to the account's channel
func (p *RedisPublisher) Publish(ctx context.Context, accountID string, alert *domain.Alert) error {
	payload, err := json.Marshal(message{ID: alert.ID, Account: accountID, Alert: alert})
	if err != nil {
		return fmt.Errorf("failed to encode alert: %w", err)
	}
	if err := p.client.Publish(ctx, p.Channel(accountID), payload).Err(); err != nil {
		return fmt.Errorf("failed to publish alert to %s: %w", p.Channel(accountID), err)
	}
	return nil
}
