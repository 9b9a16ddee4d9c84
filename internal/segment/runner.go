// Package segment runs one long-poll HTTP stream against a segment
// endpoint, decoding chat payloads into normalized events and honoring
// server-issued reconnect directives.
package segment

import (
	"context"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/url"
	"time"

	"github.com/gatsunoko/komebyu/internal/constants"
	"github.com/gatsunoko/komebyu/internal/logger"
	"github.com/gatsunoko/komebyu/internal/model"
	"github.com/gatsunoko/komebyu/internal/ndgr"
	"github.com/gatsunoko/komebyu/internal/view"
)

// fallbackUser names chat messages that carry neither a display name nor
// a user id.
const fallbackUser = "niconico"

type streamResult int

const (
	// resultBodyEnd: the stream ended without a directive; reopen after
	// backoff with the last-known cursor.
	resultBodyEnd streamResult = iota
	// resultEnd: the server ended the stream; the runner terminates and
	// is not reopened.
	resultEnd
	// resultReplaced: a reconnect directive moved to a different stream
	// URL; a replacement runner was spawned and this one terminates.
	resultReplaced
)

// Options configures a Runner.
type Options struct {
	URI          string
	At           string
	Cursor       string
	UserAgent    string
	ConnectionID string
}

// Runner owns one segment stream. The Run loop reopens the stream with
// exponential backoff until the context is cancelled, the server ends
// the program, or a replacement runner takes over.
type Runner struct {
	client *http.Client
	opts   Options
	log    *logger.Logger

	emit  func(*model.NormalizedEvent)
	spawn func(uri, at, cursor string)

	cursor string
	at     string
}

// NewRunner creates a Runner. spawn registers a replacement stream with
// the supervisor, which dedups by exact URL.
func NewRunner(client *http.Client, opts Options, log *logger.Logger, emit func(*model.NormalizedEvent), spawn func(uri, at, cursor string)) *Runner {
	at := opts.At
	if at == "" && opts.Cursor == "" {
		at = view.CursorNow
	}
	return &Runner{
		client: client,
		opts:   opts,
		log:    log,
		emit:   emit,
		spawn:  spawn,
		cursor: opts.Cursor,
		at:     at,
	}
}

// Run streams the segment endpoint until a terminal condition.
func (r *Runner) Run(ctx context.Context) error {
	backoff := constants.SegmentBackoffMin

	for {
		result, err := r.stream(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}

		switch result {
		case resultEnd:
			r.log.Debug("Segment stream ended by server", "uri", r.opts.URI)
			return nil
		case resultReplaced:
			return nil
		}

		if err != nil {
			r.log.Debug("Segment stream failed, reopening",
				"uri", r.opts.URI, "error", err, "backoff", backoff)
		} else {
			r.log.Debug("Segment stream body ended, reopening",
				"uri", r.opts.URI, "backoff", backoff)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff = time.Duration(math.Min(float64(backoff*2), float64(constants.SegmentBackoffMax)))
	}
}

func (r *Runner) stream(ctx context.Context) (streamResult, error) {
	reqURL, err := r.buildURL()
	if err != nil {
		return resultBodyEnd, fmt.Errorf("building segment URL: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return resultBodyEnd, fmt.Errorf("creating segment request: %w", err)
	}
	req.Header.Set("Accept", "application/octet-stream")
	req.Header.Set("Origin", constants.LiveBaseURL)
	req.Header.Set("Referer", constants.LiveBaseURL+"/")
	if r.opts.UserAgent != "" {
		req.Header.Set("User-Agent", r.opts.UserAgent)
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return resultBodyEnd, fmt.Errorf("segment stream: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return resultBodyEnd, fmt.Errorf("segment stream: unexpected status %d", resp.StatusCode)
	}

	asm := ndgr.NewAssembler(0)
	buf := make([]byte, 16<<10)
	replaced := false

	for {
		n, readErr := resp.Body.Read(buf)
		if n > 0 {
			frames, ferr := asm.Feed(buf[:n])
			if ferr != nil {
				r.log.Debug("Segment framing error, frame dropped", "error", ferr)
			}
			for _, frame := range frames {
				msgs, derr := ndgr.DecodeChunkedMessage(frame)
				if derr != nil {
					r.log.Debug("Segment frame decode error", "error", derr)
				}
				for _, msg := range msgs {
					end, repl := r.handle(msg)
					if end {
						return resultEnd, nil
					}
					replaced = replaced || repl
				}
			}
		}

		if readErr == io.EOF {
			if replaced {
				return resultReplaced, nil
			}
			return resultBodyEnd, nil
		}
		if readErr != nil {
			if ctx.Err() != nil {
				return resultBodyEnd, ctx.Err()
			}
			if replaced {
				return resultReplaced, nil
			}
			return resultBodyEnd, fmt.Errorf("segment body read: %w", readErr)
		}
	}
}

// handle processes one decoded message. It reports (end, replaced).
func (r *Runner) handle(msg ndgr.Message) (bool, bool) {
	switch {
	case msg.Chat != nil:
		if msg.Chat.Content == "" {
			return false, false
		}
		r.emit(&model.NormalizedEvent{
			ConnectionID: r.opts.ConnectionID,
			Source:       model.SourceNiconico,
			User:         chatUser(msg.Chat),
			Text:         msg.Chat.Content,
		})

	case msg.Reconnect != nil:
		rc := msg.Reconnect
		if !rc.Cursor.IsZero() {
			r.cursor = rc.Cursor.Text
		} else if !rc.At.IsZero() {
			r.at = view.NormalizeAt(rc.At)
			r.cursor = ""
		}
		if rc.StreamURL != "" && rc.StreamURL != r.opts.URI {
			r.log.Debug("Segment reconnect to new stream",
				"from", r.opts.URI, "to", rc.StreamURL)
			r.spawn(rc.StreamURL, view.NormalizeAt(rc.At), rc.Cursor.Text)
			return false, true
		}

	case msg.End, msg.Disconnect:
		return true, false
	}
	// Ping and Statistics are informational.
	return false, false
}

func chatUser(c *ndgr.Chat) string {
	if c.Name != "" {
		return c.Name
	}
	if c.UserID != "" {
		return c.UserID
	}
	return fallbackUser
}

// buildURL sets the cursor or at query parameter on the stream URL.
func (r *Runner) buildURL() (string, error) {
	return StreamKey(r.opts.URI, r.at, r.cursor)
}

// StreamKey builds the fully-qualified URL a runner addresses, including
// its cursor or at query parameter. Runners are deduplicated on this key.
func StreamKey(uri, at, cursor string) (string, error) {
	u, err := url.Parse(uri)
	if err != nil {
		return "", err
	}
	q := u.Query()
	if cursor != "" {
		q.Set("cursor", cursor)
	} else {
		if at == "" {
			at = view.CursorNow
		}
		q.Set("at", at)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}
