package redis

import (
	"context"
	"fmt"
	"time"

	"codeforge-sync/internal/domain/ports/adapter"
	"codeforge-sync/internal/infra/changefeed"
	"codeforge-sync/internal/infra/metrics"

	"github.com/go-redis/redis/v8"
	"github.com/rs/zerolog"
)

const backendName = "redis"

// PubSubFeed delivers row changes published on "realtime:<table>" Redis
// channels, using the same payload as the Postgres trigger.
type PubSubFeed struct {
	client RedisClient
	log    *zerolog.Logger
}

var _ adapter.ChangeFeed = (*PubSubFeed)(nil)

func NewPubSubFeed(client RedisClient, log *zerolog.Logger) *PubSubFeed {
	if log == nil {
		nop := zerolog.Nop()
		log = &nop
	}
	return &PubSubFeed{client: client, log: log}
}

func (f *PubSubFeed) Subscribe(ctx context.Context, table, filter string) (adapter.FeedChannel, error) {
	flt, err := changefeed.ParseFilter(filter)
	if err != nil {
		return nil, err
	}
	topic := changefeed.Topic(table)
	ps := f.client.Subscribe(ctx, topic)
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		metrics.IncFeedSubscribeError(backendName)
		return nil, fmt.Errorf("subscribe %s: %w", topic, err)
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	ch := changefeed.NewChannel(backendName, table, flt, func() error {
		cancel()
		err := ps.Close()
		<-done
		return err
	})
	log := f.log.With().Str("channel", ch.Name()).Logger()

	go func() {
		defer close(done)
		defer ch.End()
		msgs := ps.Channel()
		for {
			select {
			case <-loopCtx.Done():
				return
			case m, ok := <-msgs:
				if !ok {
					if loopCtx.Err() == nil {
						log.Warn().Msg("pubsub channel closed by peer")
					}
					return
				}
				f.handle(ch, table, m, &log)
			}
		}
	}()
	return ch, nil
}

func (f *PubSubFeed) handle(ch *changefeed.Channel, table string, m *redis.Message, log *zerolog.Logger) {
	c, err := changefeed.DecodeChange(m.Channel, []byte(m.Payload), time.Now())
	if err != nil {
		metrics.IncFeedNotification(table, "malformed")
		log.Debug().Err(err).Msg("dropping malformed message")
		return
	}
	ch.Deliver(c)
}

// Publish sends a change to every subscriber of its table.
func (f *PubSubFeed) Publish(ctx context.Context, table string, payload []byte) error {
	return f.client.Publish(ctx, changefeed.Topic(table), payload)
}
