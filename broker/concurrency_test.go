package broker

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maxpert/mqengine/interfaces"
	"github.com/maxpert/mqengine/protocol"
)

func waitGroupTimeout(t *testing.T, wg *sync.WaitGroup, what string) {
	t.Helper()
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatalf("timed out waiting for %s", what)
	}
}

func TestOverlappingFanoutsDoNotDeadlock(t *testing.T) {
	tests := []struct {
		name    string
		durable bool
		props   protocol.Properties
	}{
		{"transient", false, transient()},
		{"durable", true, persistent()},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var store interfaces.Storage
			if tt.durable {
				disk := openDiskStore(t, t.TempDir())
				t.Cleanup(func() { disk.Close() })
				store = disk
			} else {
				store = openMemoryStore(t)
			}
			vhost, err := openBroker(t, store).VHost(DefaultVHost)
			require.NoError(t, err)

			queues := []string{"q1", "q2", "q3"}
			for _, name := range queues {
				_, err := vhost.DeclareQueue(protocol.Queue{Name: name, Durable: tt.durable}, "")
				require.NoError(t, err)
			}

			// The two exchanges bind the same queues in opposite orders
			require.NoError(t, vhost.DeclareExchange("left", "fanout", tt.durable, false, nil))
			require.NoError(t, vhost.DeclareExchange("right", "fanout", tt.durable, false, nil))
			for i := range queues {
				require.NoError(t, vhost.Bind("left", queues[i], "", ""))
				require.NoError(t, vhost.Bind("right", queues[len(queues)-1-i], "", ""))
			}

			const perPublisher = 200
			var wg sync.WaitGroup
			for _, exchange := range []string{"left", "right"} {
				wg.Add(1)
				go func(exchange string) {
					defer wg.Done()
					for i := 0; i < perPublisher; i++ {
						res, err := vhost.Publish(exchange, "", tt.props, []byte(fmt.Sprintf("%s-%d", exchange, i)))
						assert.NoError(t, err)
						assert.Equal(t, len(queues), res.Routed)
					}
				}(exchange)
			}
			waitGroupTimeout(t, &wg, "publishers")

			// Every queue holds one copy per publish, and all queues agree on the
			// order of the fan-outs
			var first []string
			for _, name := range queues {
				sink := &recordingSink{}
				_, err := vhost.Consume(name, "drain-"+name, true, 0, "", sink)
				require.NoError(t, err)

				bodies := sink.bodies()
				require.Len(t, bodies, 2*perPublisher, name)
				if first == nil {
					first = bodies
					continue
				}
				assert.Equal(t, first, bodies, "fan-out order differs on %s", name)
			}
		})
	}
}

func TestConcurrentPublishAckCancel(t *testing.T) {
	tests := []struct {
		name     string
		workers  int
		prefetch int
	}{
		{"single worker", 1, 3},
		{"competing workers", 4, 5},
		{"unlimited prefetch", 3, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			vhost := openVHost(t)
			queue, err := vhost.DeclareQueue(protocol.Queue{Name: "work"}, "")
			require.NoError(t, err)

			const total = 500
			var (
				mutex sync.Mutex
				acked = make(map[string]int)
			)

			stop := make(chan struct{})
			var publishers, workers sync.WaitGroup

			publishers.Add(1)
			go func() {
				defer publishers.Done()
				for i := 0; i < total; i++ {
					_, err := vhost.Publish("", "work", transient(), []byte(fmt.Sprintf("m%d", i)))
					assert.NoError(t, err)
				}
			}()

			for w := 0; w < tt.workers; w++ {
				workers.Add(1)
				go func(w int) {
					defer workers.Done()
					for round := 0; ; round++ {
						select {
						case <-stop:
							return
						default:
						}

						sink := &recordingSink{}
						tag := fmt.Sprintf("w%d-%d", w, round)
						if _, err := vhost.Consume("work", tag, false, tt.prefetch, "", sink); !assert.NoError(t, err) {
							return
						}

						// Ack every other delivery, the cancel requeues the rest
						for i, d := range sink.all() {
							if i%2 == 1 {
								continue
							}
							if assert.NoError(t, vhost.Ack("work", d.DeliveryTag)) {
								mutex.Lock()
								acked[string(d.Message.Body)]++
								mutex.Unlock()
							}
						}
						_, err := vhost.Cancel("work", tag)
						assert.NoError(t, err)
					}
				}(w)
			}

			waitGroupTimeout(t, &publishers, "publisher")
			time.Sleep(20 * time.Millisecond)
			close(stop)
			waitGroupTimeout(t, &workers, "workers")

			ready, unacked, consumers := queue.Stats()
			assert.Equal(t, 0, unacked, "cancel returns every outstanding delivery")
			assert.Equal(t, 0, consumers)

			drain := &recordingSink{}
			_, err = vhost.Consume("work", "drain", true, 0, "", drain)
			require.NoError(t, err)
			remaining := drain.bodies()
			assert.Len(t, remaining, ready)

			// Every message is either acknowledged or still ready, exactly once
			seen := make(map[string]int, total)
			for body, n := range acked {
				assert.Equal(t, 1, n, "%s acknowledged %d times", body, n)
				seen[body] += n
			}
			for _, body := range remaining {
				seen[body]++
			}
			require.Len(t, seen, total)
			for body, n := range seen {
				assert.Equal(t, 1, n, "%s accounted %d times", body, n)
			}
		})
	}
}
