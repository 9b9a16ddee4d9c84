// Package view walks the open-ended sequence of view entries behind a
// broadcast's NDGR view endpoint. Each long-poll carries an `at` cursor;
// decoded entries point at segment streams and at the next position of
// the walk, and the server may migrate the client to a new endpoint.
package view

import (
	"context"
	"errors"
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
)

// CursorNow is the sentinel cursor meaning "current server time". Never
// compared numerically.
const CursorNow = "now"

// ErrGone means the view endpoint returned 410 or 404; the connection
// terminates with a user-visible reason.
var ErrGone = errors.New("view: endpoint gone")

// StatusError carries a non-2xx response status out of the walker.
type StatusError struct {
	Code int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("view: unexpected status %d", e.Code)
}

// SegmentStart describes a segment stream discovered on the walk.
type SegmentStart struct {
	URI    string
	At     string
	Cursor string
}

// Walker maintains the walk position. The cursor is mutated only by the
// walker itself.
type Walker struct {
	client    *http.Client
	userAgent string
	log       *logger.Logger

	viewURL string
	cursor  string

	startSegment func(SegmentStart)
}

// NewWalker creates a Walker starting at cursor "now".
func NewWalker(client *http.Client, userAgent, viewURL string, log *logger.Logger, startSegment func(SegmentStart)) *Walker {
	return &Walker{
		client:       client,
		userAgent:    userAgent,
		log:          log,
		viewURL:      viewURL,
		cursor:       CursorNow,
		startSegment: startSegment,
	}
}

// Run polls the view endpoint until cancelled or a propagating failure.
// 422 responses rebuild the cursor with a short local backoff; polls
// that end without a directive sleep with the reconnect backoff.
func (w *Walker) Run(ctx context.Context) error {
	backoff := constants.ViewBackoffMin
	backoff422 := constants.View422BackoffMin

	for {
		aborted, err := w.poll(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}

		switch {
		case err == nil && aborted:
			// The walk moved; poll the new position immediately.
			backoff = constants.ViewBackoffMin
			backoff422 = constants.View422BackoffMin
			continue

		case err == nil:
			w.log.Debug("View poll ended without directive",
				"cursor", w.cursor, "backoff", backoff)
			if !sleep(ctx, backoff) {
				return ctx.Err()
			}
			backoff = capped(backoff*2, constants.ViewBackoffMax)

		case isStatus(err, http.StatusUnprocessableEntity):
			w.log.Debug("View endpoint rejected cursor, rebuilding",
				"cursor", w.cursor, "backoff", backoff422)
			w.cursor = CursorNow
			if !sleep(ctx, backoff422) {
				return ctx.Err()
			}
			backoff422 = capped(backoff422*2, constants.View422BackoffMax)

		case errors.Is(err, ErrGone):
			return err

		default:
			var se *StatusError
			if errors.As(err, &se) {
				return err
			}
			// Transport-level failure: retry silently.
			w.log.Debug("View poll failed, retrying",
				"error", err, "backoff", backoff)
			if !sleep(ctx, backoff) {
				return ctx.Err()
			}
			backoff = capped(backoff*2, constants.ViewBackoffMax)
		}
	}
}

// poll issues one long-poll request and consumes the streamed entries.
// It reports whether the walk position changed (abort-worthy directive).
func (w *Walker) poll(ctx context.Context) (bool, error) {
	reqURL, err := withAt(w.viewURL, w.cursor)
	if err != nil {
		return false, fmt.Errorf("building view URL: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return false, fmt.Errorf("creating view request: %w", err)
	}
	setStreamHeaders(req, w.userAgent)

	resp, err := w.client.Do(req)
	if err != nil {
		return false, fmt.Errorf("view poll: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound, resp.StatusCode == http.StatusGone:
		return false, fmt.Errorf("%w (status %d)", ErrGone, resp.StatusCode)
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return false, &StatusError{Code: resp.StatusCode}
	}

	asm := ndgr.NewAssembler(0)
	buf := make([]byte, 16<<10)

	for {
		n, readErr := resp.Body.Read(buf)
		if n > 0 {
			frames, ferr := asm.Feed(buf[:n])
			if ferr != nil {
				w.log.Debug("View stream framing error, frame dropped", "error", ferr)
			}
			for _, frame := range frames {
				entries, derr := ndgr.DecodeViewStream(frame)
				if derr != nil {
					w.log.Debug("View frame decode error", "error", derr)
				}
				for _, entry := range entries {
					if w.apply(entry) {
						return true, nil
					}
				}
			}
		}

		if readErr == io.EOF {
			return false, nil
		}
		if readErr != nil {
			if ctx.Err() != nil {
				return false, ctx.Err()
			}
			return false, fmt.Errorf("view body read: %w", readErr)
		}
	}
}

// apply takes the first applicable action for one entry and reports
// whether the current poll should be aborted.
func (w *Walker) apply(entry ndgr.ViewEntry) bool {
	switch {
	case entry.Segment != nil && entry.Segment.URI != "":
		w.startSegment(SegmentStart{URI: entry.Segment.URI, At: CursorNow})

	case entry.Reconnect != nil && !entry.Reconnect.At.IsZero():
		w.cursor = NormalizeAt(entry.Reconnect.At)
		w.log.Debug("View reconnect directive", "cursor", w.cursor)
		return true

	case entry.Next != nil && !entry.Next.At.IsZero():
		w.cursor = NormalizeAt(entry.Next.At)
		if entry.Next.URI != "" {
			w.viewURL = entry.Next.URI
		}
		return true

	case entry.Reconnect != nil && entry.Reconnect.StreamURL != "":
		w.startSegment(SegmentStart{
			URI:    entry.Reconnect.StreamURL,
			At:     NormalizeAt(entry.Reconnect.At),
			Cursor: entry.Reconnect.Cursor.Text,
		})
	}
	// Previous entries are surfaced by the decoder but never acted on
	// in forward-only playback.
	return false
}

// NormalizeAt converts a wire timestamp to a seconds cursor. Values at
// or above 10^12 are milliseconds; values beyond the machine range keep
// their decimal text.
func NormalizeAt(at model.Int64) string {
	if at.IsZero() {
		return ""
	}
	v, ok := at.Value()
	if !ok {
		return at.String()
	}
	if v >= constants.MillisecondThreshold {
		return model.Int64Of(v / 1000).String()
	}
	return at.String()
}

// withAt sets or overwrites the `at` query parameter.
func withAt(rawURL, cursor string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", err
	}
	q := u.Query()
	q.Set("at", cursor)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func setStreamHeaders(req *http.Request, userAgent string) {
	req.Header.Set("Accept", "application/octet-stream")
	req.Header.Set("Origin", constants.LiveBaseURL)
	req.Header.Set("Referer", constants.LiveBaseURL+"/")
	if userAgent != "" {
		req.Header.Set("User-Agent", userAgent)
	}
}

func isStatus(err error, code int) bool {
	var se *StatusError
	return errors.As(err, &se) && se.Code == code
}

func sleep(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}

func capped(d, max time.Duration) time.Duration {
	return time.Duration(math.Min(float64(d), float64(max)))
}
