package signaling

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/gatsunoko/komebyu/internal/config"
	"github.com/gatsunoko/komebyu/internal/constants"
	"github.com/gatsunoko/komebyu/internal/jsonutil"
	"github.com/gatsunoko/komebyu/internal/logger"
)

// DisconnectError is returned when the server ends the session with a
// disconnect message. It is fatal for the connection.
type DisconnectError struct {
	Reason string
}

func (e *DisconnectError) Error() string {
	return fmt.Sprintf("signaling: server disconnect: %s", e.Reason)
}

// Options configures a signaling Session.
type Options struct {
	URL       string
	UserAgent string
	Stream    config.StreamConfig
	Room      config.RoomConfig
}

// Session owns one signaling socket for the lifetime of a connection.
// It redials with exponential backoff until cancelled or the server
// sends a disconnect.
type Session struct {
	mu sync.Mutex

	opts Options
	log  *logger.Logger

	onView func(url string)

	reportedViews map[string]bool

	writeCh chan request
}

// NewSession creates a Session. onView is invoked once per distinct view
// endpoint URL the server announces; repeats are suppressed.
func NewSession(opts Options, log *logger.Logger, onView func(url string)) *Session {
	return &Session{
		opts:          opts,
		log:           log,
		onView:        onView,
		reportedViews: make(map[string]bool),
	}
}

// Run dials the signaling endpoint and processes messages until the
// context is cancelled or the server disconnects. Socket closes are
// retried with exponential backoff from 1s up to 16s.
func (s *Session) Run(ctx context.Context) error {
	backoff := constants.SignalingBackoffMin

	for {
		err := s.runOnce(ctx)
		var de *DisconnectError
		if errors.As(err, &de) {
			return de
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		s.log.Warn("Signaling socket lost, reconnecting",
			"error", err, "backoff", backoff)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff = time.Duration(math.Min(float64(backoff*2), float64(constants.SignalingBackoffMax)))
	}
}

func (s *Session) runOnce(ctx context.Context) error {
	conn, _, err := websocket.Dial(ctx, s.opts.URL, &websocket.DialOptions{
		HTTPHeader: http.Header{"User-Agent": []string{s.opts.UserAgent}},
	})
	if err != nil {
		return fmt.Errorf("dialing signaling server: %w", err)
	}
	conn.SetReadLimit(256 << 10)
	defer conn.Close(websocket.StatusNormalClosure, "closing")

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	s.mu.Lock()
	s.writeCh = make(chan request, 16)
	s.mu.Unlock()

	go s.writeLoop(ctx, conn)
	go s.keepSeatLoop(ctx, conn)

	s.enqueue(request{
		Type: TypeStartWatching,
		Data: startWatchingData{
			Stream: streamOptions{
				Quality:   s.opts.Stream.Quality,
				Protocol:  s.opts.Stream.Protocol,
				Latency:   s.opts.Stream.Latency,
				ChasePlay: s.opts.Stream.ChasePlay,
			},
			Room: roomOptions{
				Protocol:    s.opts.Room.Protocol,
				Commentable: true,
			},
			Reconnect: false,
		},
	})

	for {
		var resp response
		if err := wsjson.Read(ctx, conn, &resp); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("signaling read: %w", err)
		}
		if err := s.handleResponse(&resp); err != nil {
			return err
		}
	}
}

func (s *Session) writeLoop(ctx context.Context, conn *websocket.Conn) {
	s.mu.Lock()
	ch := s.writeCh
	s.mu.Unlock()

	for {
		select {
		case <-ctx.Done():
			return
		case req := <-ch:
			if err := wsjson.Write(ctx, conn, req); err != nil && ctx.Err() == nil {
				s.log.Debug("Signaling write failed", "type", req.Type, "error", err)
			}
		}
	}
}

func (s *Session) keepSeatLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(constants.KeepSeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.enqueue(request{Type: TypeKeepSeat})

			pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			if err := conn.Ping(pingCtx); err != nil && ctx.Err() == nil {
				s.log.Debug("Socket ping failed", "error", err)
			}
			cancel()
		}
	}
}

func (s *Session) handleResponse(resp *response) error {
	switch resp.Type {
	case TypePing:
		s.enqueue(request{Type: TypePong})

	case TypeSeat:
		s.enqueue(request{Type: TypeKeepSeat})

	case TypeMessageServer, TypeRoom:
		if url := viewEndpointIn(resp.Data); url != "" {
			s.reportView(url)
		}
		if resp.Type == TypeRoom {
			s.enqueue(request{Type: TypeKeepSeat})
		}

	case TypeAkashic:
		// Out-of-band experimental endpoint.

	case TypeDisconnect:
		var data disconnectData
		if len(resp.Data) > 0 {
			_ = json.Unmarshal(resp.Data, &data)
		}
		if data.Reason == "" {
			data.Reason = "server requested disconnect"
		}
		return &DisconnectError{Reason: data.Reason}
	}

	return nil
}

// viewEndpointIn scans a message payload for a URL addressing the NDGR
// view API, wherever the server chose to nest it.
func viewEndpointIn(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var data any
	if err := json.Unmarshal(raw, &data); err != nil {
		return ""
	}
	return jsonutil.FindString(data, func(s string) bool {
		return strings.Contains(s, constants.ViewEndpointHost)
	})
}

func (s *Session) reportView(url string) {
	s.mu.Lock()
	seen := s.reportedViews[url]
	s.reportedViews[url] = true
	s.mu.Unlock()

	if seen {
		s.log.Debug("View endpoint already reported", "url", url)
		return
	}

	s.log.Info("View endpoint discovered", "url", url)
	if s.onView != nil {
		s.onView(url)
	}
}

func (s *Session) enqueue(req request) {
	s.mu.Lock()
	ch := s.writeCh
	s.mu.Unlock()

	select {
	case ch <- req:
	default:
		s.log.Warn("Signaling write channel full, dropping message", "type", req.Type)
	}
}
