// Package constants defines the niconico and Twitch endpoints, request
// headers, keepalive intervals, and backoff bounds used throughout komebyu.
package constants

import "time"

const (
	// LiveBaseURL is the niconico live site origin, sent as Origin and
	// Referer on NDGR stream requests.
	LiveBaseURL = "https://live.nicovideo.jp"
	// WatchPageURL is the format for a broadcast landing page.
	WatchPageURL = "https://live.nicovideo.jp/watch/%s"
	// ViewEndpointHost marks the NDGR view API inside signaling payloads.
	ViewEndpointHost = "mpn.live.nicovideo.jp/api/view"
)

// DefaultUserAgent identifies komebyu on landing-page and stream requests.
const DefaultUserAgent = "komebyu/1.0 (+https://github.com/)"

const (
	// KeepSeatInterval is how often the signaling session sends keepSeat
	// and a socket-level ping.
	KeepSeatInterval = 30 * time.Second

	// SignalingBackoffMin is the initial reconnect delay after a signaling
	// socket close.
	SignalingBackoffMin = time.Second
	// SignalingBackoffMax caps the signaling reconnect delay.
	SignalingBackoffMax = 16 * time.Second

	// ViewBackoffMin is the initial delay before re-polling a view stream
	// that ended without a directive.
	ViewBackoffMin = time.Second
	// ViewBackoffMax caps the view re-poll delay.
	ViewBackoffMax = 16 * time.Second

	// View422BackoffMin is the initial delay after an HTTP 422 cursor
	// rebuild request.
	View422BackoffMin = 500 * time.Millisecond
	// View422BackoffMax caps the 422 retry delay.
	View422BackoffMax = 2 * time.Second

	// SegmentBackoffMin is the initial delay before reopening a segment
	// stream whose body ended.
	SegmentBackoffMin = time.Second
	// SegmentBackoffMax caps the segment reopen delay.
	SegmentBackoffMax = 30 * time.Second

	// GracefulShutdownTimeout bounds shutdown before the process exits hard.
	GracefulShutdownTimeout = 30 * time.Second
)

// MaxFrameSize bounds a single length-prefixed frame on a view or segment
// stream. A larger announced length discards the stream buffer.
const MaxFrameSize = 16 << 20

// MillisecondThreshold is the smallest cursor value treated as
// milliseconds rather than seconds (10^12).
const MillisecondThreshold = 1_000_000_000_000
