package ndgr

import (
	"encoding/base64"
	"unicode/utf8"

	"github.com/gatsunoko/komebyu/internal/model"
)

// Cursor is an opaque stream position. Valid UTF-8 cursors are carried as
// text; anything else is base64-encoded with the raw bytes kept alongside.
type Cursor struct {
	Text string `json:"cursor,omitempty"`
	Raw  []byte `json:"cursorBytes,omitempty"`
}

// CursorFromBytes classifies opaque cursor bytes per the UTF-8 rule.
func CursorFromBytes(b []byte) Cursor {
	if len(b) == 0 {
		return Cursor{}
	}
	if utf8.Valid(b) {
		return Cursor{Text: string(b)}
	}
	raw := make([]byte, len(b))
	copy(raw, b)
	return Cursor{Text: base64.StdEncoding.EncodeToString(b), Raw: raw}
}

// IsZero reports whether the cursor is absent.
func (c Cursor) IsZero() bool {
	return c.Text == "" && len(c.Raw) == 0
}

// Segment points at one chat segment stream.
type Segment struct {
	URI   string
	From  model.Int64
	Until model.Int64
}

// Next moves the view walk forward: a new at cursor and optionally a new
// view endpoint. The same shape carries Previous (historical backfill).
type Next struct {
	At     model.Int64
	Cursor Cursor
	URI    string
}

// Reconnect is a server-issued migration: rebuild the cursor and, when
// StreamURL is set, move to a different segment stream.
type Reconnect struct {
	At        model.Int64
	StreamURL string
	Cursor    Cursor
}

// ViewEntry is one entry on the view walk. Exactly one of the pointer or
// flag fields is set for a well-formed entry; BackwardURI and SnapshotURI
// additionally surface the bare-string form of fields 2 and 3, or the URI
// of a nested Next/Previous carrying one.
type ViewEntry struct {
	Segment   *Segment
	Next      *Next
	Previous  *Next
	Reconnect *Reconnect
	Ping      bool
	History   bool

	BackwardURI string
	SnapshotURI string
}

// Chat is one chat payload from a segment stream. Only Content is
// required downstream.
type Chat struct {
	RoomName  string
	ThreadID  string
	No        model.Int64
	Vpos      model.Int64
	Content   string
	UserID    string
	Name      string
	Mail      string
	Anonymous bool
}

// Statistics carries broadcast counters. Informational; ignored by the
// segment runner.
type Statistics struct {
	Viewers    model.Int64
	Comments   model.Int64
	AdPoints   model.Int64
	GiftPoints model.Int64
}

// Message is one entry of a ChunkedMessage envelope.
type Message struct {
	Chat       *Chat
	Reconnect  *Reconnect
	Statistics *Statistics
	Ping       bool
	End        bool
	Disconnect bool
}
