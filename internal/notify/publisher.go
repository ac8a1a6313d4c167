package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/GianGuaz256/vending-server/internal/message"
	"github.com/VictoriaMetrics/metrics"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

var (
	publishSuccessCounter = metrics.GetOrCreateCounter(`notify_publish_total{result="success"}`)
	publishErrorCounter   = metrics.GetOrCreateCounter(`notify_publish_total{result="error"}`)
)

// ChannelFor returns the pub/sub channel carrying event pointers for a client.
func ChannelFor(clientID uuid.UUID) string {
	return fmt.Sprintf("client:%s:events", clientID)
}

// Publisher fans out event pointers over redis pub/sub. Delivery is best
// effort: the event log is the source of truth and streaming consumers replay
// from it, so a lost pointer is recoverable.
type Publisher struct {
	rdb    *redis.Client
	logger *slog.Logger
}

func NewPublisher(rdb *redis.Client, logger *slog.Logger) *Publisher {
	return &Publisher{rdb: rdb, logger: logger}
}

func (p *Publisher) PublishEvent(ctx context.Context, clientID uuid.UUID, ptr message.EventPointer) {
	payload, err := json.Marshal(ptr)
	if err != nil {
		p.logger.ErrorContext(ctx, "Error marshalling event pointer", "error", err)
		publishErrorCounter.Inc()
		return
	}

	if err := p.rdb.Publish(ctx, ChannelFor(clientID), payload).Err(); err != nil {
		p.logger.ErrorContext(ctx, "Error publishing event pointer", "error", err, "eventSeq", ptr.EventSeq)
		publishErrorCounter.Inc()
		return
	}

	publishSuccessCounter.Inc()
}
