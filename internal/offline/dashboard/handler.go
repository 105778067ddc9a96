package dashboard

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/steveyegge/offsync/internal/offline/outbox"
	"github.com/steveyegge/offsync/internal/offline/store"
	offsync "github.com/steveyegge/offsync/internal/offline/sync"
)

// Handler turns daemon events into metrics and dashboard messages.
type Handler struct {
	server  *Server
	metrics *Metrics
	queue   *outbox.Queue
	logger  *slog.Logger

	mu     sync.Mutex
	online bool
}

// NewHandler creates an event handler feeding server. queue may be nil, in
// which case stats are not broadcast.
func NewHandler(server *Server, queue *outbox.Queue, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Handler{
		server:  server,
		metrics: server.metrics,
		queue:   queue,
		logger:  logger,
	}
}

// OnItemProcessed handles the outcome of one delivery attempt.
func (h *Handler) OnItemProcessed(p offsync.Progress) {
	data := ItemData{ID: p.ID, Attempts: p.Attempts, DeadLettered: p.DeadLettered}

	msgType := MessageTypeItemSent
	switch {
	case p.Done:
		h.metrics.FlushItems.WithLabelValues(ResultSent).Inc()
	case p.DeadLettered:
		msgType = MessageTypeItemFailed
		h.metrics.FlushItems.WithLabelValues(ResultDeadLettered).Inc()
	default:
		msgType = MessageTypeItemFailed
		h.metrics.FlushItems.WithLabelValues(ResultFailed).Inc()
	}
	if p.Err != nil {
		data.Error = p.Err.Error()
	}

	h.send(msgType, data)
}

// OnFlushComplete handles the end of a flush pass.
func (h *Handler) OnFlushComplete(res *offsync.FlushResult) {
	if res == nil {
		return
	}
	if !res.Busy {
		h.metrics.Flushes.Inc()
	}

	h.send(MessageTypeFlushComplete, FlushData{
		Attempted:    res.Attempted,
		Succeeded:    res.Succeeded,
		Failed:       res.Failed,
		Skipped:      res.Skipped,
		DeadLettered: res.DeadLettered,
		Busy:         res.Busy,
		Duration:     res.Duration,
	})
	h.RefreshStats(context.Background())
}

// OnConnectivity handles an online/offline transition.
func (h *Handler) OnConnectivity(online bool) {
	h.mu.Lock()
	h.online = online
	h.mu.Unlock()

	h.metrics.Online.Set(boolGauge(online))
	h.send(MessageTypeConnectivity, ConnectivityData{Online: online})
}

// OnEnqueued handles a request added to the outbox by the daemon.
func (h *Handler) OnEnqueued(id string) {
	h.logger.Debug("request enqueued", "id", id)
	h.RefreshStats(context.Background())
}

// RefreshStats reads partition counts, updates the gauges and broadcasts
// a stats message.
func (h *Handler) RefreshStats(ctx context.Context) {
	if h.queue == nil {
		return
	}
	counts, err := h.queue.Store().Stats(ctx)
	if err != nil {
		if !errors.Is(err, store.ErrClosed) {
			h.logger.Warn("failed to read store stats", "error", err)
		}
		return
	}

	h.mu.Lock()
	online := h.online
	h.mu.Unlock()

	stats := StatsData{
		Pending:     counts[store.PartitionQueue],
		DeadLetters: counts[store.PartitionDeadLetters],
		Blobs:       counts[store.PartitionBlobs],
		Cached:      counts[store.PartitionCache],
		Online:      online,
	}
	h.metrics.QueuePending.Set(float64(stats.Pending))
	h.metrics.DeadLetters.Set(float64(stats.DeadLetters))
	h.send(MessageTypeStats, stats)
}

func (h *Handler) send(t MessageType, data any) {
	raw, err := json.Marshal(data)
	if err != nil {
		h.logger.Warn("failed to marshal dashboard data", "type", t, "error", err)
		return
	}
	h.server.Broadcast(Message{Type: t, Timestamp: time.Now(), Data: raw})
}
