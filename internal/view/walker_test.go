package view

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/gatsunoko/komebyu/internal/logger"
	"github.com/gatsunoko/komebyu/internal/model"
)

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.Setup(logger.Config{Level: slog.LevelError, Colored: false})
	if err != nil {
		t.Fatal(err)
	}
	return log
}

func appendField(buf []byte, num protowire.Number, payload []byte) []byte {
	buf = protowire.AppendTag(buf, num, protowire.BytesType)
	return protowire.AppendBytes(buf, payload)
}

func appendVarintField(buf []byte, num protowire.Number, v uint64) []byte {
	buf = protowire.AppendTag(buf, num, protowire.VarintType)
	return protowire.AppendVarint(buf, v)
}

func frame(payload []byte) []byte {
	return append(protowire.AppendVarint(nil, uint64(len(payload))), payload...)
}

func chunkedEntry(entries ...[]byte) []byte {
	var buf []byte
	for _, e := range entries {
		buf = appendField(buf, 1, e)
	}
	return buf
}

func nextEntry(at uint64) []byte {
	return appendField(nil, 2, appendVarintField(nil, 1, at))
}

func segmentEntry(uri string) []byte {
	return appendField(nil, 1, appendField(nil, 1, []byte(uri)))
}

func TestWalker422Recovery(t *testing.T) {
	const segURI = "https://mpn.live.nicovideo.jp/data/segment/v4/a"

	var mu sync.Mutex
	var ats []string

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		ats = append(ats, r.URL.Query().Get("at"))
		n := len(ats)
		mu.Unlock()

		if got := r.Header.Get("Accept"); got != "application/octet-stream" {
			t.Errorf("request %d: Accept = %q", n, got)
		}

		switch n {
		case 1:
			// Move the walk to a numeric cursor.
			_, _ = w.Write(frame(chunkedEntry(nextEntry(1700000000))))
		case 2:
			// Reject the cursor: the walker must rebuild at "now".
			w.WriteHeader(http.StatusUnprocessableEntity)
		case 3:
			// A segment plus the next position; the next directive
			// aborts the poll so the walker comes straight back.
			_, _ = w.Write(frame(chunkedEntry(segmentEntry(segURI), nextEntry(1700000300))))
		default:
			w.WriteHeader(http.StatusGone)
		}
	}))
	defer srv.Close()

	started := make(chan SegmentStart, 4)
	w := NewWalker(srv.Client(), "", srv.URL, testLogger(t), func(s SegmentStart) {
		started <- s
	})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	start := time.Now()
	err := w.Run(ctx)
	if !errors.Is(err, ErrGone) {
		t.Fatalf("expected ErrGone to end the walk, got %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	want := []string{"now", "1700000000", "now", "1700000300"}
	if len(ats) != len(want) {
		t.Fatalf("expected %d polls, got %v", len(want), ats)
	}
	for i := range want {
		if ats[i] != want[i] {
			t.Errorf("poll %d: at = %q, want %q", i+1, ats[i], want[i])
		}
	}

	// The 422 retry uses the short local backoff.
	if elapsed := time.Since(start); elapsed > 3*time.Second {
		t.Errorf("recovery took %v, expected the short 422 backoff", elapsed)
	}

	select {
	case s := <-started:
		if s.URI != segURI {
			t.Errorf("segment URI: got %q", s.URI)
		}
		if s.At != CursorNow {
			t.Errorf("segment at: got %q, want now", s.At)
		}
	default:
		t.Error("segment start not reported")
	}
}

func TestWalkerReconnectDirective(t *testing.T) {
	var mu sync.Mutex
	var ats []string

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		ats = append(ats, r.URL.Query().Get("at"))
		n := len(ats)
		mu.Unlock()

		if n == 1 {
			// reconnect.at in milliseconds: must normalize to seconds.
			rc := appendField(nil, 4, appendVarintField(nil, 1, 1765874431000))
			_, _ = w.Write(frame(rc))
			return
		}
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	w := NewWalker(srv.Client(), "", srv.URL, testLogger(t), func(SegmentStart) {})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := w.Run(ctx); !errors.Is(err, ErrGone) {
		t.Fatalf("expected ErrGone, got %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(ats) != 2 || ats[1] != "1765874431" {
		t.Fatalf("expected second poll at normalized seconds, got %v", ats)
	}
}

func TestNormalizeAt(t *testing.T) {
	cases := []struct {
		in   int64
		want string
	}{
		{1700000000, "1700000000"},
		{1765874431000, "1765874431"},
		{999_999_999_999, "999999999999"},
		{1_000_000_000_000, "1000000000"},
	}
	for _, tc := range cases {
		if got := NormalizeAt(model.Int64Of(tc.in)); got != tc.want {
			t.Errorf("NormalizeAt(%d) = %q, want %q", tc.in, got, tc.want)
		}
	}

	if got := NormalizeAt(model.Int64{}); got != "" {
		t.Errorf("NormalizeAt(zero) = %q, want empty", got)
	}
}

func TestWithAtOverwrites(t *testing.T) {
	got, err := withAt("https://mpn.live.nicovideo.jp/api/view/v4/x?at=1700000000&foo=1", "now")
	if err != nil {
		t.Fatal(err)
	}
	if got != "https://mpn.live.nicovideo.jp/api/view/v4/x?at=now&foo=1" {
		t.Errorf("withAt = %q", got)
	}
}
