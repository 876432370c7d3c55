package broker

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/maxpert/mqengine/protocol"
)

func bindingsOf(exchange string, pairs ...string) []*protocol.Binding {
	var bindings []*protocol.Binding
	for i := 0; i+1 < len(pairs); i += 2 {
		bindings = append(bindings, &protocol.Binding{Exchange: exchange, Queue: pairs[i], Key: pairs[i+1]})
	}
	return bindings
}

func TestRouteDirect(t *testing.T) {
	bindings := bindingsOf("x", "queue1", "key1", "queue2", "key1", "queue3", "key2")

	assert.Equal(t, []string{"queue1", "queue2"}, Route(protocol.ExchangeDirect, bindings, "key1"))
	assert.Equal(t, []string{"queue3"}, Route(protocol.ExchangeDirect, bindings, "key2"))
	assert.Empty(t, Route(protocol.ExchangeDirect, bindings, "key"))
	assert.Empty(t, Route(protocol.ExchangeDirect, bindings, "key1.extra"))
}

func TestRouteFanout(t *testing.T) {
	bindings := bindingsOf("bcast", "b", "ignored", "a", "", "c", "x.y")

	want := []string{"a", "b", "c"}
	assert.Equal(t, want, Route(protocol.ExchangeFanout, bindings, "anything"))
	assert.Equal(t, want, Route(protocol.ExchangeFanout, bindings, ""))
}

func TestRouteDeduplicates(t *testing.T) {
	bindings := bindingsOf("logs", "errs", "*.error", "errs", "app.#", "all", "#")

	assert.Equal(t, []string{"all", "errs"}, Route(protocol.ExchangeTopic, bindings, "app.error"))
}

func TestRouteEmptyAndUnknown(t *testing.T) {
	assert.Empty(t, Route(protocol.ExchangeDirect, nil, "key"))
	assert.Empty(t, Route(protocol.ExchangeType(99), bindingsOf("x", "q", "key"), "key"))
}

func TestMatchTopic(t *testing.T) {
	tests := []struct {
		pattern string
		key     string
		want    bool
	}{
		{"a.*.c", "a.b.c", true},
		{"a.*.c", "a.b.b.c", false},
		{"a.*.c", "a.c", false},
		{"*.error", "app.error", true},
		{"*.error", "app.error.detail", false},
		{"#", "", true},
		{"#", "a", true},
		{"#", "a.b.c", true},
		{"a.#", "a", true},
		{"a.#", "a.b.c.d", true},
		{"#.z", "z", true},
		{"#.z", "a.b.z", true},
		{"#.z", "a.b.z.q", false},
		{"a.#.z", "a.z", true},
		{"a.#.z", "a.b.c.z", true},
		{"a.#.z", "a.b.c", false},
		{"#.b.#", "a.b.c", true},
		{"#.b.#", "b", true},
		{"#.b.#", "a.c", false},
		{"*", "", false},
		{"*", "a", true},
		{"*.*", "a.b", true},
		{"*.*", "a", false},
		{"stock.usd.nyse", "stock.usd.nyse", true},
		{"stock.usd.nyse", "stock.usd", false},
		{"stock", "stock.usd", false},
		{"sto", "stock", false},
		{"", "", true},
		{"", "a", false},
	}

	for _, tt := range tests {
		t.Run(tt.pattern+"|"+tt.key, func(t *testing.T) {
			assert.Equal(t, tt.want, MatchTopic(tt.pattern, tt.key))
		})
	}
}

func TestRouteTopicTrailingHash(t *testing.T) {
	bindings := bindingsOf("logs", "q", "app.#")

	for _, key := range []string{"app", "app.a", "app.a.b", "app.a.b.c.d.e"} {
		assert.Equal(t, []string{"q"}, Route(protocol.ExchangeTopic, bindings, key), key)
	}
	assert.Empty(t, Route(protocol.ExchangeTopic, bindings, "other.a"))
}
