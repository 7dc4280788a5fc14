package postgres

import (
	"context"
	"fmt"
	"time"

	"codeforge-sync/internal/domain/ports/adapter"
	"codeforge-sync/internal/infra/changefeed"
	"codeforge-sync/internal/infra/metrics"

	"github.com/jackc/pgconn"
	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/rs/zerolog"
)

const backendName = "postgres"

// ListenFeed delivers row changes published by the realtime trigger
// (deploy/postgres/realtime.sql) through LISTEN/NOTIFY. Each subscription
// holds a dedicated pool connection; filters are matched client-side.
type ListenFeed struct {
	pool *pgxpool.Pool
	log  *zerolog.Logger
}

var _ adapter.ChangeFeed = (*ListenFeed)(nil)

func NewListenFeed(pool *pgxpool.Pool, log *zerolog.Logger) *ListenFeed {
	if log == nil {
		nop := zerolog.Nop()
		log = &nop
	}
	return &ListenFeed{pool: pool, log: log}
}

func (f *ListenFeed) Subscribe(ctx context.Context, table, filter string) (adapter.FeedChannel, error) {
	flt, err := changefeed.ParseFilter(filter)
	if err != nil {
		return nil, err
	}
	conn, err := f.pool.Acquire(ctx)
	if err != nil {
		metrics.IncFeedSubscribeError(backendName)
		return nil, fmt.Errorf("acquire listen connection: %w", err)
	}
	topic := pgx.Identifier{changefeed.Topic(table)}.Sanitize()
	if _, err := conn.Exec(ctx, "LISTEN "+topic); err != nil {
		conn.Release()
		metrics.IncFeedSubscribeError(backendName)
		return nil, fmt.Errorf("listen %s: %w", topic, err)
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	ch := changefeed.NewChannel(backendName, table, flt, func() error {
		cancel()
		<-done
		return nil
	})
	log := f.log.With().Str("channel", ch.Name()).Logger()

	go func() {
		defer close(done)
		defer ch.End()
		defer func() {
			if !conn.Conn().IsClosed() {
				uctx, ucancel := context.WithTimeout(context.Background(), 2*time.Second)
				if _, err := conn.Exec(uctx, "UNLISTEN "+topic); err != nil {
					log.Debug().Err(err).Msg("unlisten failed")
				}
				ucancel()
			}
			conn.Release()
		}()
		for {
			n, err := conn.Conn().WaitForNotification(loopCtx)
			if err != nil {
				if loopCtx.Err() == nil {
					log.Warn().Err(err).Msg("listen connection lost")
				}
				return
			}
			c, err := decodeNotification(n)
			if err != nil {
				metrics.IncFeedNotification(table, "malformed")
				log.Debug().Err(err).Msg("dropping malformed notification")
				continue
			}
			ch.Deliver(c)
		}
	}()
	return ch, nil
}

func decodeNotification(n *pgconn.Notification) (adapter.Change, error) {
	return changefeed.DecodeChange(n.Channel, []byte(n.Payload), time.Now())
}
