package bus

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type kind int

const (
	kindJoined kind = iota
	kindLeft
)

type evt struct {
	Who string
}

func TestBasicPublishSubscribe(t *testing.T) {
	b := New[kind, evt]()
	var got []string
	b.Subscribe(kindJoined, func(e evt) error {
		got = append(got, "joined:"+e.Who)
		return nil
	})
	b.Subscribe(kindLeft, func(e evt) error {
		got = append(got, "left:"+e.Who)
		return nil
	})

	require.NoError(t, b.Publish(kindJoined, evt{Who: "a"}))
	require.NoError(t, b.Publish(kindLeft, evt{Who: "b"}))
	assert.Equal(t, []string{"joined:a", "left:b"}, got)
}

func TestDeliveryFollowsSubscriptionOrder(t *testing.T) {
	b := New[kind, evt]()
	var order []int
	for i := 0; i < 16; i++ {
		b.Subscribe(kindJoined, func(evt) error {
			order = append(order, i)
			return nil
		})
	}
	b.SubscribeAll(func(evt) error {
		order = append(order, 99)
		return nil
	})

	require.NoError(t, b.Publish(kindJoined, evt{}))
	require.Len(t, order, 17)
	for i := 0; i < 16; i++ {
		assert.Equal(t, i, order[i])
	}
	assert.Equal(t, 99, order[16])
}

func TestPublishJoinsHandlerErrors(t *testing.T) {
	b := New[kind, evt]()
	e1 := errors.New("first")
	e2 := errors.New("second")
	b.Subscribe(kindJoined, func(evt) error { return e1 })
	b.Subscribe(kindJoined, func(evt) error { return nil })
	b.Subscribe(kindJoined, func(evt) error { return e2 })

	err := b.Publish(kindJoined, evt{})
	require.Error(t, err)
	assert.ErrorIs(t, err, e1)
	assert.ErrorIs(t, err, e2)
	assert.Equal(t, uint64(2), b.Metrics().Errors)
}

func TestCancelStopsDelivery(t *testing.T) {
	b := New[kind, evt]()
	calls := 0
	sub := b.Subscribe(kindJoined, func(evt) error { calls++; return nil })
	require.True(t, sub.IsActive())

	_ = b.Publish(kindJoined, evt{})
	sub.Cancel()
	sub.Cancel()
	_ = b.Publish(kindJoined, evt{})

	assert.Equal(t, 1, calls)
	assert.False(t, sub.IsActive())
	assert.Equal(t, 0, b.Metrics().Subscribers)
}

func TestTopicsIsolation(t *testing.T) {
	b := New[kind, evt]()
	count1, count2 := 0, 0
	b.SubscribeTopic("t1", kindJoined, func(evt) error { count1++; return nil })
	b.SubscribeTopic("t2", kindJoined, func(evt) error { count2++; return nil })

	_ = b.PublishToTopic("t1", kindJoined, evt{})
	assert.Equal(t, 1, count1)
	assert.Equal(t, 0, count2)

	_ = b.PublishToTopic("t2", kindJoined, evt{})
	assert.Equal(t, 1, count1)
	assert.Equal(t, 1, count2)
}

func TestCloseDetachesEverything(t *testing.T) {
	b := New[kind, evt]()
	calls := 0
	sub := b.SubscribeAll(func(evt) error { calls++; return nil })
	b.Close()

	assert.False(t, sub.IsActive())
	assert.NoError(t, b.Publish(kindJoined, evt{}))
	assert.Equal(t, 0, calls)

	late := b.Subscribe(kindLeft, func(evt) error { calls++; return nil })
	assert.False(t, late.IsActive())
	_ = b.Publish(kindLeft, evt{})
	assert.Equal(t, 0, calls)
}
