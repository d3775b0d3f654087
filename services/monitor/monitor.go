// Package monitor periodically publishes point-in-time mux statistics as
// retained bus messages, one topic per source, and answers on-demand
// snapshot requests over request/reply.
package monitor

import (
	"context"
	"time"

	"periphmux-go/bus"
)

// Source produces one snapshot, typically a mux's Stats method.
type Source func() any

type Config struct {
	// Interval between publishes. Default 1s.
	Interval time.Duration
	// Prefix is the topic root for all stats. Default {"periph","stats"}.
	Prefix bus.Topic
}

type namedSource struct {
	name string
	fn   Source
}

type Service struct {
	conn    *bus.Connection
	cfg     Config
	sources []namedSource
}

func New(b *bus.Bus, cfg Config) *Service {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Second
	}
	if len(cfg.Prefix) == 0 {
		cfg.Prefix = bus.T("periph", "stats")
	}
	return &Service{conn: b.NewConnection("monitor"), cfg: cfg}
}

// AddSource registers a snapshot source. Bring-up only, before Start.
func (s *Service) AddSource(name string, fn Source) {
	s.sources = append(s.sources, namedSource{name: name, fn: fn})
}

func (s *Service) Start(ctx context.Context) {
	go s.run(ctx)
}

func (s *Service) topic(leaf any) bus.Topic {
	t := make(bus.Topic, 0, len(s.cfg.Prefix)+1)
	t = append(t, s.cfg.Prefix...)
	return append(t, leaf)
}

func (s *Service) run(ctx context.Context) {
	get := s.conn.Subscribe(s.topic("get"))
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	s.publishOnce()
	for {
		select {
		case <-ctx.Done():
			s.conn.Disconnect()
			return
		case <-ticker.C:
			s.publishOnce()
		case m, ok := <-get.Channel():
			if !ok {
				return
			}
			s.conn.Reply(m, s.snapshot(), false)
		}
	}
}

func (s *Service) publishOnce() {
	for _, src := range s.sources {
		s.conn.Publish(s.conn.NewMessage(s.topic(src.name), src.fn(), true))
	}
}

func (s *Service) snapshot() map[string]any {
	out := make(map[string]any, len(s.sources))
	for _, src := range s.sources {
		out[src.name] = src.fn()
	}
	return out
}
