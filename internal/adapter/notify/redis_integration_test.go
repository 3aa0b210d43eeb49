//go:build integration

package notify

import (
	"context"
	"encoding/json"
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/simaogato/topup-engine/internal/domain"
)

func TestRedisPublisher_Publish(t *testing.T) {
	addr := os.Getenv("TOPUP_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("TOPUP_TEST_REDIS_ADDR not set")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	client := redis.NewClient(&redis.Options{Addr: addr})
	defer client.Close()
	require.NoError(t, client.Ping(ctx).Err())

	pub := NewRedisPublisher(client, "")
	sub := client.Subscribe(ctx, pub.Channel("U1"))
	defer sub.Close()
	_, err := sub.Receive(ctx)
	require.NoError(t, err)

	alert := domain.RatingAcceptedAlert(time.UnixMilli(1_700_000_000_000))
	alert.ID = "A1"
	require.NoError(t, pub.Publish(ctx, "U1", alert))

	msg, err := sub.ReceiveMessage(ctx)
	require.NoError(t, err)
	assert.Equal(t, "alerts:U1", msg.Channel)

	var got map[string]any
	require.NoError(t, json.Unmarshal([]byte(msg.Payload), &got))
	assert.Equal(t, "A1", got["id"])
	assert.Equal(t, "U1", got["account"])
	assert.Equal(t, "Your rating was submitted", got["msg"])
	assert.Equal(t, "success", got["type"])
}
