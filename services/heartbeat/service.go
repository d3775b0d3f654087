// Package heartbeat publishes a retained liveness message on a fixed
// interval, retunable at runtime over the bus.
package heartbeat

import (
	"context"
	"time"

	"periphmux-go/bus"
)

var (
	topicConfig = bus.Topic{"config", "heartbeat"}
	topicAlive  = bus.Topic{"periph", "alive"}
)

type Service struct{}

// Start launches the heartbeat loop on its own goroutine.
func (s *Service) Start(ctx context.Context, conn *bus.Connection) error {
	go s.serviceLoop(ctx, conn)
	return nil
}

func (s *Service) serviceLoop(ctx context.Context, conn *bus.Connection) {
	cfgSub := conn.Subscribe(topicConfig)
	defer conn.Unsubscribe(cfgSub)

	start := time.Now()
	tick := time.NewTicker(1 * time.Second)
	defer tick.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-tick.C:
			up := int64(time.Since(start) / time.Second)
			conn.Publish(conn.NewMessage(topicAlive, up, true))
		case msg := <-cfgSub.Channel():
			if m, ok := msg.Payload.(map[string]any); ok {
				if iv, ok := m["interval"].(int); ok && iv > 0 {
					tick.Reset(time.Duration(iv) * time.Second)
				}
			}
		}
	}
}
