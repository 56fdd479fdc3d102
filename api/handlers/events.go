package handlers

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"go.uber.org/zap"

	"github.com/BaSui01/agentnet/events"
)

// =============================================================================
// 📡 事件流（WebSocket）
// =============================================================================

const (
	eventWriteTimeout = 5 * time.Second
	eventPingInterval = 30 * time.Second
	eventBuffer       = 128
)

// EventsHandler 把事件总线上的 agent 状态与工作流事件推送给 websocket 客户端
type EventsHandler struct {
	bus            *events.Bus
	originPatterns []string
	pingInterval   time.Duration
	logger         *zap.Logger
}

// NewEventsHandler 创建事件流处理器。originPatterns 传给 websocket.Accept
// 做跨域校验，为空时只允许同源。
func NewEventsHandler(bus *events.Bus, originPatterns []string, logger *zap.Logger) *EventsHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &EventsHandler{
		bus:            bus,
		originPatterns: originPatterns,
		pingInterval:   eventPingInterval,
		logger:         logger.With(zap.String("handler", "events")),
	}
}

// HandleStream GET /api/v1/events/ws
//
// 查询参数 type 可重复，用于过滤事件类型；subject 只推送指定
// agent / execution 的事件。客户端发来的消息被忽略。
func (h *EventsHandler) HandleStream(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	var filter []events.Type
	for _, t := range query["type"] {
		filter = append(filter, events.Type(t))
	}
	subject := query.Get("subject")

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: h.originPatterns})
	if err != nil {
		// Accept 已经写好错误响应
		h.logger.Debug("websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.CloseNow()

	ch, unsubscribe := h.bus.Subscribe(eventBuffer, filter...)
	defer unsubscribe()

	ctx := conn.CloseRead(r.Context())
	ping := time.NewTicker(h.pingInterval)
	defer ping.Stop()

	h.logger.Debug("event stream opened", zap.String("remote", r.RemoteAddr), zap.Int("types", len(filter)))

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				_ = conn.Close(websocket.StatusGoingAway, "event bus closed")
				return
			}
			if subject != "" && ev.Subject != subject {
				continue
			}
			if err := h.write(ctx, conn, ev); err != nil {
				if !errors.Is(err, context.Canceled) {
					h.logger.Debug("event stream write failed", zap.Error(err))
				}
				return
			}
		case <-ping.C:
			pctx, cancel := context.WithTimeout(ctx, eventWriteTimeout)
			err := conn.Ping(pctx)
			cancel()
			if err != nil {
				return
			}
		}
	}
}

func (h *EventsHandler) write(ctx context.Context, conn *websocket.Conn, ev events.Event) error {
	ctx, cancel := context.WithTimeout(ctx, eventWriteTimeout)
	defer cancel()
	return wsjson.Write(ctx, conn, ev)
}
