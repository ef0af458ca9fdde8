package realtime

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"delivery-dispatch/internal/auth"
	"delivery-dispatch/internal/events"
)

func detachedClient(h *Hub, id auth.Identity, buffer int) *Client {
	c := &Client{hub: h, identity: id, send: make(chan []byte, buffer)}
	h.join(c, Rooms(id)...)
	return c
}

func TestHub_DeliverOncePerClient(t *testing.T) {
	h := NewHub(nil)
	driver := detachedClient(h, auth.Identity{UserID: "d1", Role: auth.RoleDriver}, 4)

	h.Deliver(events.Event{Name: events.DirectAssignment, Rooms: []string{events.UserRoom("d1"), events.DriversRoom}})

	require.Len(t, driver.send, 1)
	var got frame
	require.NoError(t, json.Unmarshal(<-driver.send, &got))
	assert.Equal(t, events.DirectAssignment, got.Event)
}

func TestHub_FullBufferDrops(t *testing.T) {
	h := NewHub(nil)
	slow := detachedClient(h, auth.Identity{UserID: "c1", Role: auth.RoleCustomer}, 1)
	other := detachedClient(h, auth.Identity{UserID: "c2", Role: auth.RoleCustomer}, 4)

	room := events.UserRoom("c1")
	h.Deliver(events.Event{Name: events.LocationUpdated, Rooms: []string{room, events.UserRoom("c2")}})
	h.Deliver(events.Event{Name: events.LocationUpdated, Rooms: []string{room, events.UserRoom("c2")}})

	assert.Len(t, slow.send, 1, "second frame dropped for the slow client")
	assert.Len(t, other.send, 2, "other clients are unaffected")
}

func TestHub_LeaveRemovesEmptyRooms(t *testing.T) {
	h := NewHub(nil)
	c := detachedClient(h, auth.Identity{UserID: "r1", Role: auth.RoleRestaurant}, 1)
	assert.Equal(t, 1, h.Members(events.RestaurantsRoom))

	h.leave(c)
	assert.Equal(t, 0, h.Members(events.RestaurantsRoom))
	assert.Equal(t, 0, h.Members(events.UserRoom("r1")))
}

func TestLocalBroker_PreservesOrder(t *testing.T) {
	b := NewLocalBroker(8)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	got := make(chan string, 3)
	go func() { _ = b.Run(ctx, func(e events.Event) { got <- e.Name }) }()

	for _, name := range []string{"a", "b", "c"} {
		require.NoError(t, b.Publish(ctx, events.Event{Name: name}))
	}
	for _, want := range []string{"a", "b", "c"} {
		select {
		case name := <-got:
			assert.Equal(t, want, name)
		case <-time.After(time.Second):
			t.Fatal("event not delivered")
		}
	}
}

func TestRooms(t *testing.T) {
	assert.Equal(t, []string{"user_d1", events.DriversRoom}, Rooms(auth.Identity{UserID: "d1", Role: auth.RoleDriver}))
	assert.Equal(t, []string{"user_r1", events.RestaurantsRoom}, Rooms(auth.Identity{UserID: "r1", Role: auth.RoleRestaurant}))
	assert.Equal(t, []string{"user_c1"}, Rooms(auth.Identity{UserID: "c1", Role: auth.RoleCustomer}))
}
