package msgbus

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

var errNoLeader = errors.New("no leader")

func TestBroadcastDeliversToSubscriber(t *testing.T) {
	b := New()
	sub := b.SubscribeOnce(42)
	b.Broadcast(42, "done")
	require.Equal(t, "done", <-sub.Chan())
}

func TestBroadcastToAllWakesEverySubscriber(t *testing.T) {
	b := New()
	a := b.SubscribeOnce(1)
	c := b.SubscribeOnce(2)
	b.BroadcastToAll(errNoLeader)
	require.Equal(t, errNoLeader, <-a.Chan())
	require.Equal(t, errNoLeader, <-c.Chan())
}

func TestUnsubscribeRemovesSubscription(t *testing.T) {
	b := New()
	sub := b.SubscribeOnce(7)
	sub.Unsubscribe()
	require.Empty(t, b.subs[7])
}
