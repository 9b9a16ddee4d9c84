package segment

import (
	"context"
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

func chatMessage(name, userID, content string) []byte {
	var chat []byte
	if name != "" {
		chat = appendField(chat, 7, []byte(name))
	}
	if userID != "" {
		chat = appendField(chat, 6, []byte(userID))
	}
	chat = appendField(chat, 5, []byte(content))
	return appendField(nil, 1, appendField(nil, 1, chat))
}

func endMessage() []byte {
	return appendField(nil, 1, appendField(nil, 5, nil))
}

func runRunner(t *testing.T, opts Options, handler http.HandlerFunc) (events []*model.NormalizedEvent, spawns []string) {
	t.Helper()

	srv := httptest.NewServer(handler)
	defer srv.Close()

	var mu sync.Mutex
	opts.URI = srv.URL + opts.URI
	opts.ConnectionID = "niconico:lv42"

	r := NewRunner(srv.Client(), opts, testLogger(t),
		func(ev *model.NormalizedEvent) {
			mu.Lock()
			events = append(events, ev)
			mu.Unlock()
		},
		func(uri, at, cursor string) {
			mu.Lock()
			spawns = append(spawns, uri)
			mu.Unlock()
		},
	)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := r.Run(ctx); err != nil && ctx.Err() == nil {
		t.Fatalf("Run: %v", err)
	}
	return events, spawns
}

func TestRunnerEmitsChatInOrder(t *testing.T) {
	events, _ := runRunner(t, Options{URI: "/seg"}, func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("at"); got != "now" {
			t.Errorf("expected at=now, got %q", got)
		}
		_, _ = w.Write(frame(chatMessage("alice", "u:1", "first")))
		_, _ = w.Write(frame(chatMessage("", "u:2", "second")))
		_, _ = w.Write(frame(chatMessage("", "", "third")))
		_, _ = w.Write(frame(endMessage()))
	})

	if len(events) != 3 {
		t.Fatalf("expected 3 events, got %d", len(events))
	}

	wantUsers := []string{"alice", "u:2", "niconico"}
	wantTexts := []string{"first", "second", "third"}
	for i, ev := range events {
		if ev.User != wantUsers[i] || ev.Text != wantTexts[i] {
			t.Errorf("event %d: got %s/%q, want %s/%q", i, ev.User, ev.Text, wantUsers[i], wantTexts[i])
		}
		if ev.Source != model.SourceNiconico {
			t.Errorf("event %d: source %s", i, ev.Source)
		}
		if ev.ConnectionID != "niconico:lv42" {
			t.Errorf("event %d: connection %s", i, ev.ConnectionID)
		}
	}
}

func TestRunnerEmptyContentSkipped(t *testing.T) {
	events, _ := runRunner(t, Options{URI: "/seg"}, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(frame(chatMessage("bob", "", "")))
		_, _ = w.Write(frame(chatMessage("bob", "", "visible")))
		_, _ = w.Write(frame(endMessage()))
	})

	if len(events) != 1 || events[0].Text != "visible" {
		t.Fatalf("expected only the non-empty message, got %+v", events)
	}
}

func TestRunnerReconnectSpawnsReplacement(t *testing.T) {
	const replacement = "https://mpn.live.nicovideo.jp/data/segment/v4/next"

	_, spawns := runRunner(t, Options{URI: "/seg"}, func(w http.ResponseWriter, r *http.Request) {
		rc := appendVarintField(nil, 1, 1700000000)
		rc = appendField(rc, 2, []byte(replacement))
		_, _ = w.Write(frame(appendField(nil, 1, appendField(nil, 2, rc))))
	})

	if len(spawns) != 1 || spawns[0] != replacement {
		t.Fatalf("expected one replacement spawn, got %v", spawns)
	}
}

func TestRunnerRestartsWithCursorAfterBodyEnd(t *testing.T) {
	var mu sync.Mutex
	var queries []string

	events, _ := runRunner(t, Options{URI: "/seg", Cursor: "c-100"}, func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		queries = append(queries, r.URL.RawQuery)
		n := len(queries)
		mu.Unlock()

		if n == 1 {
			// Body ends with no directive: the runner reopens with the
			// same cursor after backoff.
			_, _ = w.Write(frame(chatMessage("carol", "", "before restart")))
			return
		}
		_, _ = w.Write(frame(endMessage()))
	})

	mu.Lock()
	defer mu.Unlock()
	if len(queries) != 2 {
		t.Fatalf("expected 2 requests, got %v", queries)
	}
	for i, q := range queries {
		if q != "cursor=c-100" {
			t.Errorf("request %d: query %q, want cursor=c-100", i+1, q)
		}
	}
	if len(events) != 1 {
		t.Errorf("expected 1 event, got %d", len(events))
	}
}
