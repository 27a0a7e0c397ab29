package notify

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/BaSui01/agentgov/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

type funcNotifier func(ctx context.Context, recipient string, n Notification) error

func (f funcNotifier) Notify(ctx context.Context, recipient string, n Notification) error {
	return f(ctx, recipient, n)
}

func TestRedisNotifier_Publishes(t *testing.T) {
	client, _ := testutil.NewTestRedis(t)
	ctx := testutil.TestContext(t)

	sub := client.Subscribe(ctx, DefaultChannelPrefix+"approvers")
	_, err := sub.Receive(ctx)
	require.NoError(t, err)
	defer sub.Close()

	n := NewRedisNotifier(client, "")
	require.NoError(t, n.Notify(ctx, "approvers", Notification{Kind: KindProposalCreated, AgentID: "a", RefID: "p-1"}))

	select {
	case msg := <-sub.Channel():
		var got Notification
		require.NoError(t, json.Unmarshal([]byte(msg.Payload), &got))
		assert.Equal(t, KindProposalCreated, got.Kind)
		assert.Equal(t, "p-1", got.RefID)
	case <-time.After(2 * time.Second):
		t.Fatal("notification not published")
	}
}

func TestMulti_JoinsErrors(t *testing.T) {
	var calls int
	ok := funcNotifier(func(context.Context, string, Notification) error { calls++; return nil })
	bad := funcNotifier(func(context.Context, string, Notification) error { calls++; return errors.New("smtp down") })

	err := Multi{ok, bad, NewLogNotifier(nil)}.Notify(context.Background(), "ops", Notification{})
	assert.EqualError(t, err, "smtp down")
	assert.Equal(t, 2, calls)
}

func TestSend_LogsFailures(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)
	bad := funcNotifier(func(context.Context, string, Notification) error { return errors.New("unreachable") })

	Send(context.Background(), bad, zap.New(core), "ops", Notification{Kind: KindSessionAnomaly, RefID: "s-1"})

	require.Eventually(t, func() bool { return logs.Len() == 1 }, time.Second, 10*time.Millisecond)
	assert.Equal(t, "notification failed", logs.All()[0].Message)
}
