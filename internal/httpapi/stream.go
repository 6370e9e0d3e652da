package httpapi

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/agentworkforce/rinkelrelay/internal/relay"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

const (
	feedSubscriberBuffer = 64
	streamWriteTimeout   = 5 * time.Second
)

// Feed fans handled-event outcomes out to admin stream subscribers. Slow
// subscribers miss outcomes rather than block the engine.
type Feed struct {
	mu      sync.Mutex
	subs    map[chan relay.Outcome]struct{}
	dropped uint64
}

func NewFeed() *Feed {
	return &Feed{subs: map[chan relay.Outcome]struct{}{}}
}

// Publish has the signature of relay.EngineOptions.Observer.
func (f *Feed) Publish(outcome relay.Outcome) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for ch := range f.subs {
		select {
		case ch <- outcome:
		default:
			f.dropped++
		}
	}
}

func (f *Feed) Subscribe() (<-chan relay.Outcome, func()) {
	ch := make(chan relay.Outcome, feedSubscriberBuffer)
	f.mu.Lock()
	f.subs[ch] = struct{}{}
	f.mu.Unlock()
	var once sync.Once
	return ch, func() {
		once.Do(func() {
			f.mu.Lock()
			delete(f.subs, ch)
			f.mu.Unlock()
			close(ch)
		})
	}
}

// Dropped counts outcomes skipped because a subscriber was full.
func (f *Feed) Dropped() uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.dropped
}

func (f *Feed) Subscribers() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.subs)
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request, correlationID string) {
	if s.deps.Feed == nil {
		writeError(w, http.StatusNotFound, "not_found", "live feed not configured", correlationID)
		return
	}
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.logger.WarnContext(r.Context(), "websocket accept failed", "error", err, "correlationId", correlationID)
		return
	}
	defer conn.Close(websocket.StatusInternalError, "stream closed")

	// The stream is write-only; CloseRead handles pings and the client close.
	ctx := conn.CloseRead(r.Context())
	outcomes, cancel := s.deps.Feed.Subscribe()
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			conn.Close(websocket.StatusNormalClosure, "")
			return
		case outcome := <-outcomes:
			if err := writeOutcome(ctx, conn, outcome); err != nil {
				return
			}
		}
	}
}

func writeOutcome(ctx context.Context, conn *websocket.Conn, outcome relay.Outcome) error {
	ctx, cancel := context.WithTimeout(ctx, streamWriteTimeout)
	defer cancel()
	return wsjson.Write(ctx, conn, outcome)
}
