package notify

import (
	"context"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

type Subscriber struct {
	rdb *redis.Client
}

func NewSubscriber(rdb *redis.Client) *Subscriber {
	return &Subscriber{rdb: rdb}
}

// Subscribe opens a pub/sub subscription on the client's event channel. The
// caller owns the returned subscription and must Close it.
func (s *Subscriber) Subscribe(ctx context.Context, clientID uuid.UUID) *redis.PubSub {
	return s.rdb.Subscribe(ctx, ChannelFor(clientID))
}
