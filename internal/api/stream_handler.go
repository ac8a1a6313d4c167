package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/GianGuaz256/vending-server/internal/auth"
	"github.com/GianGuaz256/vending-server/internal/config"
	"github.com/GianGuaz256/vending-server/internal/db"
	"github.com/GianGuaz256/vending-server/internal/event"
	"github.com/GianGuaz256/vending-server/internal/message"
	"github.com/GianGuaz256/vending-server/internal/notify"
	"github.com/GianGuaz256/vending-server/internal/payload"
	"github.com/VictoriaMetrics/metrics"
	sse "github.com/gin-contrib/sse"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

const (
	defaultKeepaliveSeconds = 15
	defaultReplayBatchSize  = 500
)

var (
	streamConnectionsGauge = metrics.GetOrCreateCounter(`sse_connections_total`)
	streamEventsCounter    = metrics.GetOrCreateCounter(`sse_events_sent_total`)
)

type EventLog interface {
	GetBySeqForClient(ctx context.Context, seq int64, clientID uuid.UUID) (*db.PaymentEventEntity, error)
	ListForClientAfter(ctx context.Context, clientID uuid.UUID, afterSeq int64, limit int) ([]*db.PaymentEventEntity, error)
}

// StreamHandler serves the per-client SSE feed. A connection first replays
// events after the Last-Event-ID cursor from the log, then follows live
// pub/sub pointers. Both phases resolve events through the log with an
// ownership check, and the last sent seq guards against duplicates where the
// phases overlap.
type StreamHandler struct {
	events     EventLog
	subscriber *notify.Subscriber
	keepalive  time.Duration
	batchSize  int
	logger     *slog.Logger
}

func NewStreamHandler(events EventLog, subscriber *notify.Subscriber, cfg config.Payment, logger *slog.Logger) *StreamHandler {
	keepaliveSecs := cfg.SSEKeepaliveSeconds
	if keepaliveSecs <= 0 {
		keepaliveSecs = defaultKeepaliveSeconds
	}
	batchSize := cfg.ReplayBatchSize
	if batchSize <= 0 {
		batchSize = defaultReplayBatchSize
	}

	return &StreamHandler{
		events:     events,
		subscriber: subscriber,
		keepalive:  time.Duration(keepaliveSecs) * time.Second,
		batchSize:  batchSize,
		logger:     logger,
	}
}

func (h *StreamHandler) Stream(c *gin.Context) {
	client := auth.ClientFrom(c)
	ctx := c.Request.Context()

	var lastSeq int64
	if raw := c.GetHeader("Last-Event-ID"); raw != "" {
		seq, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || seq < 0 {
			c.JSON(http.StatusBadRequest, payload.ErrorResponse{Error: "invalid_cursor"})
			return
		}
		lastSeq = seq
	}

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")
	c.Writer.Header().Set("X-Accel-Buffering", "no")
	c.Writer.WriteHeader(http.StatusOK)
	c.Writer.Flush()

	// subscribe before replaying so nothing slips between the two phases
	sub := h.subscriber.Subscribe(ctx, client.ID)
	defer sub.Close()

	streamConnectionsGauge.Inc()
	h.logger.InfoContext(ctx, "SSE stream opened", "lastSeq", lastSeq)

	h.run(ctx, c.Writer, client.ID, lastSeq, sub.Channel())
}

func (h *StreamHandler) run(ctx context.Context, w gin.ResponseWriter, clientID uuid.UUID, lastSeq int64, ch <-chan *redis.Message) {
	lastSeq, err := h.replay(ctx, w, clientID, lastSeq)
	if err != nil {
		h.logger.WarnContext(ctx, "Error replaying events, closing stream", "error", err)
		return
	}

	ticker := time.NewTicker(h.keepalive)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			h.logger.InfoContext(ctx, "SSE stream closed")
			return

		case <-ticker.C:
			if _, err := w.WriteString(": keepalive\n\n"); err != nil {
				return
			}
			w.Flush()

		case msg, ok := <-ch:
			if !ok {
				h.logger.WarnContext(ctx, "Pub/sub channel closed, closing stream")
				return
			}

			var ptr message.EventPointer
			if err := json.Unmarshal([]byte(msg.Payload), &ptr); err != nil {
				h.logger.WarnContext(ctx, "Error decoding event pointer", "error", err)
				continue
			}
			if ptr.EventSeq <= lastSeq {
				continue
			}

			ev, err := h.events.GetBySeqForClient(ctx, ptr.EventSeq, clientID)
			if err != nil {
				if !errors.Is(err, db.ErrNotFound) {
					h.logger.WarnContext(ctx, "Error resolving event", "seq", ptr.EventSeq, "error", err)
				}
				continue
			}

			if err := writeEvent(w, ev); err != nil {
				return
			}
			lastSeq = ev.Seq
		}
	}
}

func (h *StreamHandler) replay(ctx context.Context, w gin.ResponseWriter, clientID uuid.UUID, after int64) (int64, error) {
	last := after
	for {
		batch, err := h.events.ListForClientAfter(ctx, clientID, last, h.batchSize)
		if err != nil {
			return last, err
		}
		for _, ev := range batch {
			if err := writeEvent(w, ev); err != nil {
				return last, err
			}
			last = ev.Seq
		}
		if len(batch) < h.batchSize {
			return last, nil
		}
	}
}

func writeEvent(w gin.ResponseWriter, entity *db.PaymentEventEntity) error {
	data, err := event.StreamData(entity)
	if err != nil {
		return err
	}

	if err := sse.Encode(w, sse.Event{
		Id:    strconv.FormatInt(entity.Seq, 10),
		Event: event.StreamName(entity.EventType),
		Data:  string(data),
	}); err != nil {
		return err
	}
	w.Flush()
	streamEventsCounter.Inc()
	return nil
}
