package redisinapp

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/carepath/clinsafe/internal/domain/alerting"
)

func TestKeys(t *testing.T) {
	assert.Equal(t, "inapp:inbox:u1", inboxKey("u1"))
	assert.Equal(t, "inapp:events:u1", channelName("u1"))
}

func testInbox(t *testing.T, cfg Config) *Inbox {
	t.Helper()
	url := os.Getenv("TEST_REDIS_URL")
	if url == "" {
		t.Skip("TEST_REDIS_URL not set")
	}
	rdb, err := Connect(context.Background(), url)
	require.NoError(t, err)
	t.Cleanup(func() { rdb.Close() })
	return New(rdb, cfg)
}

func TestInbox_SendAndList(t *testing.T) {
	inbox := testInbox(t, Config{MaxItems: 3, TTL: time.Minute})
	ctx := context.Background()
	user := uuid.NewString()

	for i := 0; i < 5; i++ {
		require.NoError(t, inbox.SendInApp(ctx, alerting.InAppNotification{
			ID:        uuid.NewString(),
			UserID:    user,
			RiskLogID: string(rune('a' + i)),
			Level:     "high",
			CreatedAt: time.Now().UTC(),
		}))
	}

	got, err := inbox.List(ctx, user, 0)
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, "e", got[0].RiskLogID)
	assert.Equal(t, "c", got[2].RiskLogID)

	got, err = inbox.List(ctx, user, 1)
	require.NoError(t, err)
	assert.Len(t, got, 1)
}

func TestInbox_Subscribe(t *testing.T) {
	inbox := testInbox(t, DefaultConfig())
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	user := uuid.NewString()

	ch, err := inbox.Subscribe(ctx, user)
	require.NoError(t, err)

	require.NoError(t, inbox.SendInApp(ctx, alerting.InAppNotification{ID: "n1", UserID: user}))
	select {
	case n := <-ch:
		assert.Equal(t, "n1", n.ID)
	case <-ctx.Done():
		t.Fatal("no notification received")
	}
}
