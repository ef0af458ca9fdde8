package events

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

type recorder struct {
	got []Event
}

func (r *recorder) Publish(_ context.Context, e Event) {
	r.got = append(r.got, e)
}

func TestFanout_DeliversToEveryPublisher(t *testing.T) {
	a, b := &recorder{}, &recorder{}
	f := Fanout{a, Nop{}, b}

	f.Publish(context.Background(), Event{Name: StatusUpdated, Rooms: []string{UserRoom("c1")}})

	assert.Len(t, a.got, 1)
	assert.Len(t, b.got, 1)
	assert.Equal(t, "user_c1", b.got[0].Rooms[0])
}

func TestUserRoom(t *testing.T) {
	assert.Equal(t, "user_42", UserRoom("42"))
}
