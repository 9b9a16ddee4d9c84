// Package supervisor owns the live connection set. It classifies connect
// input, dispatches to the niconico ingestion pipeline or the Twitch chat
// adapter, dedups connections and segment runners, and fans status and
// message events out to the host.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/gatsunoko/komebyu/internal/config"
	"github.com/gatsunoko/komebyu/internal/constants"
	"github.com/gatsunoko/komebyu/internal/logger"
	"github.com/gatsunoko/komebyu/internal/model"
	"github.com/gatsunoko/komebyu/internal/segment"
	"github.com/gatsunoko/komebyu/internal/signaling"
	"github.com/gatsunoko/komebyu/internal/twitchchat"
	"github.com/gatsunoko/komebyu/internal/view"
	"github.com/gatsunoko/komebyu/internal/watchpage"
)

// Supervisor manages all live connections. The connections map is owned
// here; handles are mutated only through setStatus.
type Supervisor struct {
	cfg       *config.Config
	log       *logger.Logger
	client    *http.Client
	userAgent string

	// watchPageFormat is the landing page URL format; swappable in tests.
	watchPageFormat string

	mu     sync.Mutex
	conns  map[string]*connection
	events chan model.Event
}

type connection struct {
	handle model.ConnectionHandle
	cancel context.CancelFunc
	log    *logger.Logger

	mu         sync.Mutex
	runners    map[string]struct{}
	lastStatus time.Time
}

// New creates a Supervisor. The HTTP client carries no per-request
// timeout: long-poll streams rely on the server closing idle bodies.
func New(cfg *config.Config, log *logger.Logger) *Supervisor {
	ua := cfg.UserAgent
	if ua == "" {
		ua = constants.DefaultUserAgent
	}
	return &Supervisor{
		cfg:             cfg,
		log:             log,
		client:          &http.Client{},
		userAgent:       ua,
		watchPageFormat: constants.WatchPageURL,
		conns:           make(map[string]*connection),
		events:          make(chan model.Event, 256),
	}
}

// Events returns the outbound stream to the host.
func (s *Supervisor) Events() <-chan model.Event {
	return s.events
}

// Connect classifies the input and starts a connection. A request for an
// already-live id is rejected with a status event.
func (s *Supervisor) Connect(ctx context.Context, input string) {
	kind, key, err := ClassifyInput(input)
	if err != nil {
		s.emit(model.StatusEvent(fmt.Sprintf("cannot parse %q: %v", input, err)))
		return
	}
	id := model.HandleID(kind, key)

	s.mu.Lock()
	if _, exists := s.conns[id]; exists {
		s.mu.Unlock()
		s.emit(model.StatusEvent("already connected: " + id))
		return
	}

	connCtx, cancel := context.WithCancel(ctx)
	conn := &connection{
		handle: model.ConnectionHandle{
			ID:     id,
			Kind:   kind,
			Label:  label(kind, key),
			Status: model.StatusIdle,
		},
		cancel:  cancel,
		log:     s.log.WithConnection(id),
		runners: make(map[string]struct{}),
	}
	s.conns[id] = conn
	s.mu.Unlock()

	s.emit(model.StatusEvent("connecting: " + id))
	s.emitConnections()

	go func() {
		defer func() {
			if r := recover(); r != nil {
				conn.log.Error("Connection task panicked", "panic", r)
				s.finish(conn, model.StatusFailed, fmt.Sprintf("%s: internal error", id))
			}
		}()

		switch kind {
		case model.SourceNiconico:
			s.runNiconico(connCtx, conn, key)
		case model.SourceTwitch:
			s.runTwitch(connCtx, conn, key)
		}
	}()
}

// Disconnect aborts one connection by id.
func (s *Supervisor) Disconnect(id string) {
	s.mu.Lock()
	conn := s.conns[id]
	s.mu.Unlock()

	if conn == nil {
		s.emit(model.StatusEvent("no such connection: " + id))
		return
	}
	conn.cancel()
}

// DisconnectAll aborts every live connection.
func (s *Supervisor) DisconnectAll() {
	s.mu.Lock()
	conns := make([]*connection, 0, len(s.conns))
	for _, c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	for _, c := range conns {
		c.cancel()
	}
}

// Handles returns a snapshot of the live handle set, sorted by id.
func (s *Supervisor) Handles() []model.ConnectionHandle {
	s.mu.Lock()
	out := make([]model.ConnectionHandle, 0, len(s.conns))
	for _, c := range s.conns {
		c.mu.Lock()
		out = append(out, c.handle)
		c.mu.Unlock()
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (s *Supervisor) runNiconico(ctx context.Context, conn *connection, broadcastID string) {
	id := conn.handle.ID
	s.setStatus(conn, model.StatusFetchingHTML, id+": resolving broadcast")

	pageURL := fmt.Sprintf(s.watchPageFormat, broadcastID)
	signalingURL, err := watchpage.Discover(ctx, s.client, s.userAgent, pageURL)
	if err != nil {
		if ctx.Err() != nil {
			s.finish(conn, model.StatusCancelled, id+": disconnected")
			return
		}
		s.finish(conn, model.StatusFailed, fmt.Sprintf("%s: %v", id, err))
		return
	}

	s.setStatus(conn, model.StatusSignalingOpening, id+": opening signaling session")

	g, gctx := errgroup.WithContext(ctx)

	var walkerOnce sync.Once
	onView := func(viewURL string) {
		walkerOnce.Do(func() {
			s.setStatus(conn, model.StatusViewPolling, id+": view endpoint discovered")
			walker := view.NewWalker(s.client, s.userAgent, viewURL, conn.log, func(start view.SegmentStart) {
				s.startRunner(gctx, g, conn, start)
			})
			g.Go(func() error {
				return walker.Run(gctx)
			})
		})
	}

	session := signaling.NewSession(signaling.Options{
		URL:       signalingURL,
		UserAgent: s.userAgent,
		Stream:    s.cfg.Stream,
		Room:      s.cfg.Room,
	}, conn.log, onView)

	s.setStatus(conn, model.StatusSignalingOpen, id+": signaling session open")
	g.Go(func() error {
		return session.Run(gctx)
	})

	err = g.Wait()

	var de *signaling.DisconnectError
	switch {
	case ctx.Err() != nil:
		s.finish(conn, model.StatusCancelled, id+": disconnected")
	case errors.As(err, &de):
		s.finish(conn, model.StatusDisconnected, fmt.Sprintf("%s: %s", id, de.Reason))
	case err != nil:
		s.finish(conn, model.StatusFailed, fmt.Sprintf("%s: %v", id, err))
	default:
		s.finish(conn, model.StatusDisconnected, id+": stream ended")
	}
}

func (s *Supervisor) runTwitch(ctx context.Context, conn *connection, channel string) {
	id := conn.handle.ID
	s.setStatus(conn, model.StatusConnecting, id+": joining chat")

	tc := twitchchat.NewConnection(channel, s.cfg.Twitch.Username, id, conn.log,
		func(ev *model.NormalizedEvent) {
			s.emit(model.MessageEvent(ev))
		},
		func(status string) {
			s.setStatus(conn, model.StatusConnected, id+": "+status)
		},
	)

	err := tc.Run(ctx)
	switch {
	case ctx.Err() != nil:
		s.finish(conn, model.StatusCancelled, id+": disconnected")
	case err != nil:
		s.finish(conn, model.StatusFailed, fmt.Sprintf("%s: %v", id, err))
	default:
		s.finish(conn, model.StatusDisconnected, id+": chat closed")
	}
}

// startRunner starts a segment runner unless one already addresses the
// exact fully-qualified URL (including cursor/at parameters).
func (s *Supervisor) startRunner(ctx context.Context, g *errgroup.Group, conn *connection, start view.SegmentStart) {
	key, err := segment.StreamKey(start.URI, start.At, start.Cursor)
	if err != nil {
		conn.log.Debug("Unusable segment URI", "uri", start.URI, "error", err)
		return
	}

	conn.mu.Lock()
	if _, dup := conn.runners[key]; dup {
		conn.mu.Unlock()
		conn.log.Debug("Segment runner already active", "url", key)
		return
	}
	conn.runners[key] = struct{}{}
	conn.mu.Unlock()

	s.setStatus(conn, model.StatusSegmentRunning, conn.handle.ID+": segment stream open")

	runner := segment.NewRunner(s.client, segment.Options{
		URI:          start.URI,
		At:           start.At,
		Cursor:       start.Cursor,
		UserAgent:    s.userAgent,
		ConnectionID: conn.handle.ID,
	}, conn.log,
		func(ev *model.NormalizedEvent) {
			s.emit(model.MessageEvent(ev))
		},
		func(uri, at, cursor string) {
			s.startRunner(ctx, g, conn, view.SegmentStart{URI: uri, At: at, Cursor: cursor})
		},
	)

	g.Go(func() error {
		defer func() {
			conn.mu.Lock()
			delete(conn.runners, key)
			conn.mu.Unlock()
		}()
		return runner.Run(ctx)
	})
}

// setStatus records a connection status transition and emits the status
// plus a fresh connections snapshot. Status timestamps are monotonic per
// connection.
func (s *Supervisor) setStatus(conn *connection, status model.ConnectionStatus, msg string) {
	conn.mu.Lock()
	conn.handle.Status = status
	now := time.Now()
	if !now.After(conn.lastStatus) {
		now = conn.lastStatus.Add(time.Microsecond)
	}
	conn.lastStatus = now
	conn.mu.Unlock()

	s.emit(model.Event{Kind: model.EventStatus, Time: now, Status: msg})
	s.emitConnections()
}

// finish marks a terminal state, removes the handle from the live set,
// and emits the final snapshot.
func (s *Supervisor) finish(conn *connection, status model.ConnectionStatus, msg string) {
	conn.cancel()
	s.setStatus(conn, status, msg)

	s.mu.Lock()
	delete(s.conns, conn.handle.ID)
	s.mu.Unlock()

	s.emitConnections()
}

func (s *Supervisor) emitConnections() {
	s.emit(model.ConnectionsEvent(s.Handles()))
}

// emit never blocks: the host is expected to drain the channel, and a
// full buffer drops the event with a warning.
func (s *Supervisor) emit(ev model.Event) {
	select {
	case s.events <- ev:
	default:
		s.log.Warn("Event channel full, dropping event", "kind", ev.Kind)
	}
}

func label(kind model.Source, key string) string {
	if kind == model.SourceTwitch {
		return "#" + key
	}
	return key
}
