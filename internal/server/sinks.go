package server

import (
	"context"
	"encoding/json"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"

	"github.com/Tyrowin/chatpresence/internal/logger"
)

const (
	defaultSinkQueue   = 1024
	sinkPublishTimeout = 2 * time.Second
)

// PresenceSink receives every online-set snapshot the hub broadcasts. Sinks
// are observers only; their failures never reach the registry.
type PresenceSink interface {
	PublishPresence(ctx context.Context, online []string) error
	Close() error
}

// sinkWorker delivers snapshots to sinks from one goroutine so each sink sees
// them in mutation order without blocking the hub loop.
type sinkWorker struct {
	sinks []PresenceSink
	queue chan []string
	quit  chan struct{}
	done  chan struct{}
}

func newSinkWorker(sinks []PresenceSink, size int) *sinkWorker {
	return &sinkWorker{
		sinks: sinks,
		queue: make(chan []string, size),
		quit:  make(chan struct{}),
		done:  make(chan struct{}),
	}
}

func (w *sinkWorker) enqueue(online []string) {
	select {
	case w.queue <- online:
	default:
		logger.Warnf("Presence sink queue full; dropping snapshot of %d users", len(online))
	}
}

func (w *sinkWorker) run() {
	defer close(w.done)
	for {
		select {
		case online := <-w.queue:
			w.publish(online)
		case <-w.quit:
			// drain what was queued before shutdown
			for {
				select {
				case online := <-w.queue:
					w.publish(online)
				default:
					return
				}
			}
		}
	}
}

func (w *sinkWorker) publish(online []string) {
	for _, sink := range w.sinks {
		ctx, cancel := context.WithTimeout(context.Background(), sinkPublishTimeout)
		if err := sink.PublishPresence(ctx, online); err != nil {
			logger.Warnf("Presence sink publish failed: %v", err)
		}
		cancel()
	}
}

func (w *sinkWorker) stop() {
	close(w.quit)
	<-w.done
	for _, sink := range w.sinks {
		if err := sink.Close(); err != nil {
			logger.Warnf("Error closing presence sink: %v", err)
		}
	}
}

// RedisSink mirrors the online set into a Redis list so other tools can read
// who is connected to this process.
type RedisSink struct {
	rdb *redis.Client
	key string
}

// NewRedisSink connects to addr and verifies the connection with PING.
func NewRedisSink(ctx context.Context, addr, password, key string) (*RedisSink, error) {
	rdb := redis.NewClient(&redis.Options{Addr: addr, Password: password})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, errors.Wrapf(err, "ping redis %s", addr)
	}
	return &RedisSink{rdb: rdb, key: key}, nil
}

func (s *RedisSink) PublishPresence(ctx context.Context, online []string) error {
	_, err := s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, s.key)
		if len(online) > 0 {
			values := make([]interface{}, len(online))
			for i, id := range online {
				values[i] = id
			}
			pipe.RPush(ctx, s.key, values...)
		}
		return nil
	})
	return errors.Wrapf(err, "mirror online set to %s", s.key)
}

func (s *RedisSink) Close() error {
	return s.rdb.Close()
}

// NATSSink publishes each snapshot as a getOnlineUsers frame on a subject.
type NATSSink struct {
	nc      *nats.Conn
	subject string
}

func NewNATSSink(url, subject string) (*NATSSink, error) {
	nc, err := nats.Connect(url,
		nats.Name("chatpresence"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(500*time.Millisecond),
		nats.Timeout(3*time.Second),
	)
	if err != nil {
		return nil, errors.Wrapf(err, "connect nats %s", url)
	}
	return &NATSSink{nc: nc, subject: subject}, nil
}

func (s *NATSSink) PublishPresence(_ context.Context, online []string) error {
	data, err := json.Marshal(online)
	if err != nil {
		return err
	}
	payload, err := json.Marshal(Frame{Event: EventOnlineUsers, Data: data})
	if err != nil {
		return err
	}
	return errors.Wrapf(s.nc.Publish(s.subject, payload), "publish to %s", s.subject)
}

func (s *NATSSink) Close() error {
	if err := s.nc.Drain(); err != nil {
		s.nc.Close()
		return err
	}
	return nil
}
