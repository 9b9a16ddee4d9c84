package ndgr

import (
	"regexp"
	"unicode/utf8"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/gatsunoko/komebyu/internal/model"
)

// bareURLPattern decides the bare-string variant of view entry fields 2/3.
var bareURLPattern = regexp.MustCompile(`^https?://`)

// int64Field reads an integer field regardless of which of the three
// observed encodings the server picked: raw varint, fixed64, or a
// length-delimited Int64Value wrapper. Any other wire type is skipped.
func (r *Reader) int64Field(typ protowire.Type) (model.Int64, error) {
	switch typ {
	case protowire.VarintType:
		u, err := r.VarUint64()
		if err != nil {
			return model.Int64{}, err
		}
		return model.Int64FromUint(u), nil
	case protowire.Fixed64Type:
		u, err := r.Fixed64()
		if err != nil {
			return model.Int64{}, err
		}
		return model.Int64FromUint(u), nil
	case protowire.BytesType:
		b, err := r.LengthDelimited()
		if err != nil {
			return model.Int64{}, err
		}
		return int64FromWrapper(b), nil
	default:
		return model.Int64{}, r.Skip(typ)
	}
}

// int64FromWrapper unwraps Int64Value { 1: value }, itself tolerant of
// the value's encoding.
func int64FromWrapper(b []byte) model.Int64 {
	w := NewReader(b)
	var out model.Int64
	for w.Remaining() > 0 {
		num, typ, err := w.Tag()
		if err != nil {
			return out
		}
		if num == 1 {
			v, err := w.int64Field(typ)
			if err != nil {
				return out
			}
			if !v.IsZero() {
				out = v
			}
			continue
		}
		if w.Skip(typ) != nil {
			return out
		}
	}
	return out
}

// stringFlexible reads a string field that may arrive as plain bytes or
// inside a StringValue { 1: string } wrapper. Non-UTF-8 bytes yield "".
func (r *Reader) stringFlexible(typ protowire.Type) (string, error) {
	if typ != protowire.BytesType {
		return "", r.Skip(typ)
	}
	b, err := r.LengthDelimited()
	if err != nil {
		return "", err
	}
	return stringFromBytes(b), nil
}

func stringFromBytes(b []byte) string {
	if s, ok := stringValueWrapper(b); ok {
		return s
	}
	if utf8.Valid(b) {
		return string(b)
	}
	return ""
}

// stringValueWrapper accepts only a buffer that is exactly one field #1
// of bytes holding valid UTF-8, so ordinary text never misparses.
func stringValueWrapper(b []byte) (string, bool) {
	w := NewReader(b)
	num, typ, err := w.Tag()
	if err != nil || num != 1 || typ != protowire.BytesType {
		return "", false
	}
	inner, err := w.LengthDelimited()
	if err != nil || w.Remaining() != 0 || !utf8.Valid(inner) {
		return "", false
	}
	return string(inner), true
}

// opaqueCursor reads a cursor field, preserving non-UTF-8 bytes.
func (r *Reader) opaqueCursor(typ protowire.Type) (Cursor, error) {
	if typ != protowire.BytesType {
		return Cursor{}, r.Skip(typ)
	}
	b, err := r.LengthDelimited()
	if err != nil {
		return Cursor{}, err
	}
	return CursorFromBytes(b), nil
}

// DecodeViewStream decodes one raw view-stream frame. The first tag picks
// the envelope: field 1 or 2 with wire type 2 is a ChunkedEntry carrying
// repeated entries; anything else is a single ViewEntry. An empty buffer
// yields no entries.
func DecodeViewStream(payload []byte) ([]ViewEntry, error) {
	if len(payload) == 0 {
		return nil, nil
	}
	num, typ, n := protowire.ConsumeTag(payload)
	if n >= 0 && (num == 1 || num == 2) && typ == protowire.BytesType {
		return decodeChunkedEntry(payload)
	}
	e, err := DecodeViewEntry(payload)
	if err != nil {
		return nil, err
	}
	return []ViewEntry{e}, nil
}

// decodeChunkedEntry walks the envelope; fields 1 and 2 both occur in
// observed traffic and are both treated as entries.
func decodeChunkedEntry(b []byte) ([]ViewEntry, error) {
	r := NewReader(b)
	var entries []ViewEntry
	for r.Remaining() > 0 {
		num, typ, err := r.Tag()
		if err != nil {
			return entries, err
		}
		if (num == 1 || num == 2) && typ == protowire.BytesType {
			eb, err := r.LengthDelimited()
			if err != nil {
				return entries, err
			}
			entry, err := DecodeViewEntry(eb)
			if err != nil {
				return entries, err
			}
			entries = append(entries, entry)
			continue
		}
		if err := r.Skip(typ); err != nil {
			return entries, err
		}
	}
	return entries, nil
}

// DecodeViewEntry decodes one entry of the view walk. Fields 1..4 carry
// Segment, Next, Previous, and Reconnect; 5 and 6 are the empty Ping and
// History markers. Fields 2 and 3 are sometimes encoded as bare URL
// strings at one server revision: the string path is tried first, and
// when the bytes do not look like a URL the nested message is decoded.
func DecodeViewEntry(b []byte) (ViewEntry, error) {
	var e ViewEntry
	r := NewReader(b)
	for r.Remaining() > 0 {
		num, typ, err := r.Tag()
		if err != nil {
			return e, err
		}
		if typ != protowire.BytesType && num >= 1 && num <= 4 {
			if err := r.Skip(typ); err != nil {
				return e, err
			}
			continue
		}
		switch num {
		case 1:
			sb, err := r.LengthDelimited()
			if err != nil {
				return e, err
			}
			seg, err := decodeSegment(sb)
			if err != nil {
				return e, err
			}
			e.Segment = &seg
		case 2:
			fb, err := r.LengthDelimited()
			if err != nil {
				return e, err
			}
			if isBareURL(fb) {
				e.BackwardURI = string(fb)
				continue
			}
			nx, err := decodeNext(fb)
			if err != nil {
				return e, err
			}
			e.Next = &nx
			if nx.URI != "" {
				e.BackwardURI = nx.URI
			}
		case 3:
			fb, err := r.LengthDelimited()
			if err != nil {
				return e, err
			}
			if isBareURL(fb) {
				e.SnapshotURI = string(fb)
				continue
			}
			prev, err := decodeNext(fb)
			if err != nil {
				return e, err
			}
			e.Previous = &prev
			if prev.URI != "" {
				e.SnapshotURI = prev.URI
			}
		case 4:
			rb, err := r.LengthDelimited()
			if err != nil {
				return e, err
			}
			rc, err := decodeReconnect(rb)
			if err != nil {
				return e, err
			}
			e.Reconnect = &rc
		case 5:
			if err := r.Skip(typ); err != nil {
				return e, err
			}
			e.Ping = true
		case 6:
			if err := r.Skip(typ); err != nil {
				return e, err
			}
			e.History = true
		default:
			if err := r.Skip(typ); err != nil {
				return e, err
			}
		}
	}
	return e, nil
}

func isBareURL(b []byte) bool {
	return utf8.Valid(b) && bareURLPattern.Match(b)
}

func decodeSegment(b []byte) (Segment, error) {
	var s Segment
	r := NewReader(b)
	for r.Remaining() > 0 {
		num, typ, err := r.Tag()
		if err != nil {
			return s, err
		}
		switch num {
		case 1:
			if s.URI, err = r.stringFlexible(typ); err != nil {
				return s, err
			}
		case 2:
			if s.From, err = r.int64Field(typ); err != nil {
				return s, err
			}
		case 3:
			if s.Until, err = r.int64Field(typ); err != nil {
				return s, err
			}
		default:
			if err := r.Skip(typ); err != nil {
				return s, err
			}
		}
	}
	return s, nil
}

// decodeNext handles both Next and Previous; they share a shape.
func decodeNext(b []byte) (Next, error) {
	var n Next
	r := NewReader(b)
	for r.Remaining() > 0 {
		num, typ, err := r.Tag()
		if err != nil {
			return n, err
		}
		switch num {
		case 1:
			if n.At, err = r.int64Field(typ); err != nil {
				return n, err
			}
		case 2:
			if n.Cursor, err = r.opaqueCursor(typ); err != nil {
				return n, err
			}
		case 3:
			if n.URI, err = r.stringFlexible(typ); err != nil {
				return n, err
			}
		default:
			if err := r.Skip(typ); err != nil {
				return n, err
			}
		}
	}
	return n, nil
}

func decodeReconnect(b []byte) (Reconnect, error) {
	var rc Reconnect
	r := NewReader(b)
	for r.Remaining() > 0 {
		num, typ, err := r.Tag()
		if err != nil {
			return rc, err
		}
		switch num {
		case 1:
			if rc.At, err = r.int64Field(typ); err != nil {
				return rc, err
			}
		case 2:
			if rc.StreamURL, err = r.stringFlexible(typ); err != nil {
				return rc, err
			}
		case 3:
			if rc.Cursor, err = r.opaqueCursor(typ); err != nil {
				return rc, err
			}
		default:
			if err := r.Skip(typ); err != nil {
				return rc, err
			}
		}
	}
	return rc, nil
}

// DecodeChunkedMessage decodes one segment-stream frame: a ChunkedMessage
// envelope with repeated Message entries under field 1.
func DecodeChunkedMessage(payload []byte) ([]Message, error) {
	r := NewReader(payload)
	var msgs []Message
	for r.Remaining() > 0 {
		num, typ, err := r.Tag()
		if err != nil {
			return msgs, err
		}
		if num == 1 && typ == protowire.BytesType {
			mb, err := r.LengthDelimited()
			if err != nil {
				return msgs, err
			}
			msg, err := decodeMessage(mb)
			if err != nil {
				return msgs, err
			}
			msgs = append(msgs, msg)
			continue
		}
		if err := r.Skip(typ); err != nil {
			return msgs, err
		}
	}
	return msgs, nil
}

func decodeMessage(b []byte) (Message, error) {
	var m Message
	r := NewReader(b)
	for r.Remaining() > 0 {
		num, typ, err := r.Tag()
		if err != nil {
			return m, err
		}
		if typ != protowire.BytesType && num >= 1 && num <= 3 {
			if err := r.Skip(typ); err != nil {
				return m, err
			}
			continue
		}
		switch num {
		case 1:
			cb, err := r.LengthDelimited()
			if err != nil {
				return m, err
			}
			chat, err := decodeChat(cb)
			if err != nil {
				return m, err
			}
			m.Chat = &chat
		case 2:
			rb, err := r.LengthDelimited()
			if err != nil {
				return m, err
			}
			rc, err := decodeReconnect(rb)
			if err != nil {
				return m, err
			}
			m.Reconnect = &rc
		case 3:
			sb, err := r.LengthDelimited()
			if err != nil {
				return m, err
			}
			st, err := decodeStatistics(sb)
			if err != nil {
				return m, err
			}
			m.Statistics = &st
		case 4:
			if err := r.Skip(typ); err != nil {
				return m, err
			}
			m.Ping = true
		case 5:
			if err := r.Skip(typ); err != nil {
				return m, err
			}
			m.End = true
		case 6:
			if err := r.Skip(typ); err != nil {
				return m, err
			}
			m.Disconnect = true
		default:
			if err := r.Skip(typ); err != nil {
				return m, err
			}
		}
	}
	return m, nil
}

func decodeChat(b []byte) (Chat, error) {
	var c Chat
	r := NewReader(b)
	for r.Remaining() > 0 {
		num, typ, err := r.Tag()
		if err != nil {
			return c, err
		}
		switch num {
		case 1:
			if c.RoomName, err = r.stringFlexible(typ); err != nil {
				return c, err
			}
		case 2:
			if c.ThreadID, err = r.stringFlexible(typ); err != nil {
				return c, err
			}
		case 3:
			if c.No, err = r.int64Field(typ); err != nil {
				return c, err
			}
		case 4:
			if c.Vpos, err = r.int64Field(typ); err != nil {
				return c, err
			}
		case 5:
			if c.Content, err = r.stringFlexible(typ); err != nil {
				return c, err
			}
		case 6:
			if c.UserID, err = r.stringFlexible(typ); err != nil {
				return c, err
			}
		case 7:
			if c.Name, err = r.stringFlexible(typ); err != nil {
				return c, err
			}
		case 8:
			if c.Mail, err = r.stringFlexible(typ); err != nil {
				return c, err
			}
		case 9:
			if typ != protowire.VarintType {
				if err := r.Skip(typ); err != nil {
					return c, err
				}
				continue
			}
			v, err := r.VarUint64()
			if err != nil {
				return c, err
			}
			c.Anonymous = v != 0
		default:
			if err := r.Skip(typ); err != nil {
				return c, err
			}
		}
	}
	return c, nil
}

func decodeStatistics(b []byte) (Statistics, error) {
	var s Statistics
	r := NewReader(b)
	for r.Remaining() > 0 {
		num, typ, err := r.Tag()
		if err != nil {
			return s, err
		}
		switch num {
		case 1:
			if s.Viewers, err = r.int64Field(typ); err != nil {
				return s, err
			}
		case 2:
			if s.Comments, err = r.int64Field(typ); err != nil {
				return s, err
			}
		case 3:
			if s.AdPoints, err = r.int64Field(typ); err != nil {
				return s, err
			}
		case 4:
			if s.GiftPoints, err = r.int64Field(typ); err != nil {
				return s, err
			}
		default:
			if err := r.Skip(typ); err != nil {
				return s, err
			}
		}
	}
	return s, nil
}
