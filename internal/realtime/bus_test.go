package realtime

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTopic_PublishInSubscriptionOrder(t *testing.T) {
	var tp topic[int]
	var got []string

	tp.subscribe(func(v int) { got = append(got, "a") })
	tp.subscribe(func(v int) { got = append(got, "b") })

	tp.publish(1, nil)

	assert.Equal(t, []string{"a", "b"}, got)
}

func TestTopic_UnsubscribeIsIdempotent(t *testing.T) {
	var tp topic[int]
	calls := 0

	unsub := tp.subscribe(func(int) { calls++ })
	tp.subscribe(func(int) {})

	unsub()
	unsub()

	tp.publish(1, nil)

	assert.Equal(t, 0, calls)
	assert.Equal(t, 1, tp.len())
}

func TestTopic_PanicIsolated(t *testing.T) {
	var tp topic[string]
	var recovered []any
	delivered := false

	tp.subscribe(func(string) { panic("boom") })
	tp.subscribe(func(string) { delivered = true })

	tp.publish("x", func(r any) { recovered = append(recovered, r) })

	assert.True(t, delivered)
	assert.Equal(t, []any{"boom"}, recovered)
}

func TestTopic_UnsubscribeDuringPublish(t *testing.T) {
	var tp topic[int]
	var unsub Unsubscribe
	second := 0

	unsub = tp.subscribe(func(int) { unsub() })
	tp.subscribe(func(int) { second++ })

	tp.publish(1, nil)
	tp.publish(2, nil)

	assert.Equal(t, 2, second)
	assert.Equal(t, 1, tp.len())
}
