package api

import (
	"context"
	"fmt"
	"net/http"
	"sync"

	"github.com/rs/zerolog"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"brokerlink/internal/domain"
	"brokerlink/internal/market"
	"brokerlink/pkg/brokerlink"
)

// subscriber is one websocket connection and its current quote stream.
type subscriber struct {
	conn *websocket.Conn
	user string
}

// Hub tracks live quote subscribers so they can be closed on shutdown.
type Hub struct {
	poller *market.Poller
	log    zerolog.Logger

	mu     sync.Mutex
	subs   map[*subscriber]struct{}
	closed bool
}

// NewHub creates a Hub whose subscribers are fed by poller.
func NewHub(poller *market.Poller, logger zerolog.Logger) *Hub {
	return &Hub{
		poller: poller,
		log:    logger,
		subs:   make(map[*subscriber]struct{}),
	}
}

func (h *Hub) register(sub *subscriber) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.subs[sub] = struct{}{}
	return true
}

func (h *Hub) unregister(sub *subscriber) {
	h.mu.Lock()
	delete(h.subs, sub)
	h.mu.Unlock()
}

// Count returns the number of connected subscribers.
func (h *Hub) Count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// Close disconnects every subscriber and refuses new ones.
func (h *Hub) Close() {
	h.mu.Lock()
	h.closed = true
	subs := make([]*subscriber, 0, len(h.subs))
	for sub := range h.subs {
		subs = append(subs, sub)
	}
	h.mu.Unlock()

	var wg sync.WaitGroup
	for _, sub := range subs {
		wg.Add(1)
		go func(sub *subscriber) {
			defer wg.Done()
			_ = sub.conn.Close(websocket.StatusGoingAway, "server shutting down")
		}(sub)
	}
	wg.Wait()
}

// serve reads subscribe messages until the connection ends. Each subscribe
// replaces the previous quote stream; an empty list stops streaming.
func (h *Hub) serve(ctx context.Context, sub *subscriber) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		wg       sync.WaitGroup
		stopPoll context.CancelFunc = func() {}
	)
	defer func() {
		stopPoll()
		wg.Wait()
	}()

	for {
		var msg brokerlink.SubscribeMessage
		if err := wsjson.Read(ctx, sub.conn, &msg); err != nil {
			if websocket.CloseStatus(err) == -1 && ctx.Err() == nil {
				h.log.Debug().Err(err).Str("user", sub.user).Msg("websocket read ended")
			}
			return
		}
		// A bare {"instrumentIds":[...]} is a subscribe.
		if msg.Type != "" && msg.Type != "subscribe" {
			err := wsjson.Write(ctx, sub.conn, brokerlink.QuotesMessage{Type: "error", Error: fmt.Sprintf("unknown message type %q", msg.Type)})
			if err != nil {
				return
			}
			continue
		}

		stopPoll()
		wg.Wait()

		ids := msg.InstrumentIDs
		if len(ids) > market.MaxQuoteBatch {
			ids = ids[:market.MaxQuoteBatch]
		}
		if err := wsjson.Write(ctx, sub.conn, brokerlink.QuotesMessage{Type: "subscribed", IDs: ids}); err != nil {
			return
		}

		var pctx context.Context
		pctx, stopPoll = context.WithCancel(ctx)
		wg.Add(1)
		go func() {
			defer wg.Done()
			h.stream(ctx, pctx, sub, ids)
		}()
	}
}

// stream pushes quote batches until pctx ends. Writes use the connection
// context so that replacing a stream never aborts a frame mid-write.
func (h *Hub) stream(ctx, pctx context.Context, sub *subscriber, ids []string) {
	err := h.poller.Run(pctx, sub.user, ids, func(quotes []domain.Quote) error {
		if pctx.Err() != nil {
			return nil
		}
		out := brokerlink.QuotesMessage{Type: "quotes", Quotes: make([]brokerlink.Quote, 0, len(quotes))}
		for _, q := range quotes {
			out.Quotes = append(out.Quotes, convertQuote(q))
		}
		return wsjson.Write(ctx, sub.conn, out)
	})
	if err != nil && pctx.Err() == nil {
		h.log.Warn().Err(err).Str("user", sub.user).Msg("quote stream failed")
		_ = sub.conn.Close(websocket.StatusInternalError, "quote stream failed")
	}
}

func (s *Server) handleQuotesWS(w http.ResponseWriter, r *http.Request) {
	user := r.Header.Get(brokerlink.UserHeader)
	if user == "" {
		user = r.URL.Query().Get("userId")
	}
	if user == "" {
		writeError(w, fmt.Errorf("%w: missing user", domain.ErrAuth))
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
	if err != nil {
		s.log.Warn().Err(err).Msg("websocket accept failed")
		return
	}
	sub := &subscriber{conn: conn, user: user}
	if !s.hub.register(sub) {
		_ = conn.Close(websocket.StatusGoingAway, "server shutting down")
		return
	}
	defer s.hub.unregister(sub)

	s.log.Debug().Str("user", user).Msg("quote subscriber connected")
	s.hub.serve(r.Context(), sub)
	_ = conn.Close(websocket.StatusNormalClosure, "")
}
