package supervisor

import (
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"golang.org/x/sync/errgroup"
	"google.golang.org/protobuf/encoding/protowire"

	"github.com/gatsunoko/komebyu/internal/config"
	"github.com/gatsunoko/komebyu/internal/logger"
	"github.com/gatsunoko/komebyu/internal/model"
	"github.com/gatsunoko/komebyu/internal/view"
)

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.Setup(logger.Config{Level: slog.LevelError, Colored: false})
	if err != nil {
		t.Fatal(err)
	}
	return log
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg, err := config.Load("")
	if err != nil {
		t.Fatal(err)
	}
	return cfg
}

func TestClassifyInput(t *testing.T) {
	cases := []struct {
		in   string
		kind model.Source
		key  string
	}{
		{"lv42", model.SourceNiconico, "lv42"},
		{" lv123456 ", model.SourceNiconico, "lv123456"},
		{"https://live.nicovideo.jp/watch/lv345?ref=top", model.SourceNiconico, "lv345"},
		{"somechannel", model.SourceTwitch, "somechannel"},
		{"SomeChannel", model.SourceTwitch, "somechannel"},
		{"#SomeChannel", model.SourceTwitch, "somechannel"},
		{"https://twitch.tv/SomeChannel", model.SourceTwitch, "somechannel"},
		{"https://www.twitch.tv/SomeChannel/videos", model.SourceTwitch, "somechannel"},
		// "lv" embedded in a channel name is not a broadcast id.
		{"lovely", model.SourceTwitch, "lovely"},
	}

	for _, tc := range cases {
		kind, key, err := ClassifyInput(tc.in)
		if err != nil {
			t.Errorf("ClassifyInput(%q): %v", tc.in, err)
			continue
		}
		if kind != tc.kind || key != tc.key {
			t.Errorf("ClassifyInput(%q) = %s/%s, want %s/%s", tc.in, kind, key, tc.kind, tc.key)
		}
	}

	if _, _, err := ClassifyInput("   "); err == nil {
		t.Error("expected error for blank input")
	}
}

// awaitEvent drains the event channel until an event satisfies match.
func awaitEvent(t *testing.T, events <-chan model.Event, what string, match func(model.Event) bool) model.Event {
	t.Helper()
	deadline := time.After(10 * time.Second)
	for {
		select {
		case ev := <-events:
			if match(ev) {
				return ev
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s", what)
		}
	}
}

func TestDuplicateConnectRejected(t *testing.T) {
	// A landing page that never answers keeps the first connection live
	// while the duplicate request arrives.
	hang := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer hang.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	s := New(testConfig(t), testLogger(t))
	s.watchPageFormat = hang.URL + "/watch/%s"

	s.Connect(ctx, "lv42")
	s.Connect(ctx, "lv42")

	awaitEvent(t, s.Events(), "duplicate status", func(ev model.Event) bool {
		return ev.Kind == model.EventStatus && strings.Contains(ev.Status, "already connected: niconico:lv42")
	})

	handles := s.Handles()
	if len(handles) != 1 {
		t.Fatalf("expected one live handle, got %d", len(handles))
	}
	if handles[0].ID != "niconico:lv42" {
		t.Errorf("handle id: %s", handles[0].ID)
	}
}

func TestDisconnectUnknownID(t *testing.T) {
	s := New(testConfig(t), testLogger(t))
	s.Disconnect("niconico:lv999")

	awaitEvent(t, s.Events(), "unknown-id status", func(ev model.Event) bool {
		return ev.Kind == model.EventStatus && strings.Contains(ev.Status, "no such connection")
	})
}

func appendField(buf []byte, num protowire.Number, payload []byte) []byte {
	buf = protowire.AppendTag(buf, num, protowire.BytesType)
	return protowire.AppendBytes(buf, payload)
}

func frame(payload []byte) []byte {
	return append(protowire.AppendVarint(nil, uint64(len(payload))), payload...)
}

func TestRunnerDedupByExactURL(t *testing.T) {
	var requests atomic.Int32
	seg := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		w.(http.Flusher).Flush()
		<-r.Context().Done()
	}))
	defer seg.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	s := New(testConfig(t), testLogger(t))
	conn := &connection{
		handle:  model.ConnectionHandle{ID: "niconico:lv42", Kind: model.SourceNiconico},
		cancel:  func() {},
		log:     testLogger(t),
		runners: make(map[string]struct{}),
	}

	g, gctx := errgroup.WithContext(ctx)
	start := view.SegmentStart{URI: seg.URL + "/seg", At: "now"}

	s.startRunner(gctx, g, conn, start)
	s.startRunner(gctx, g, conn, start)
	// A different cursor is a different stream.
	s.startRunner(gctx, g, conn, view.SegmentStart{URI: seg.URL + "/seg", Cursor: "c-1"})

	time.Sleep(500 * time.Millisecond)
	if got := requests.Load(); got != 2 {
		t.Errorf("expected 2 distinct streams, got %d requests", got)
	}

	cancel()
	_ = g.Wait()
}

// encodeEntities applies the landing page's attribute encoding.
func encodeEntities(s string) string {
	s = strings.ReplaceAll(s, "&", "&amp;")
	return strings.ReplaceAll(s, `"`, "&quot;")
}

func TestNiconicoPipeline(t *testing.T) {
	// Segment endpoint: one chat message, then the stream stays open.
	seg := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		chat := appendField(nil, 7, []byte("commenter"))
		chat = appendField(chat, 5, []byte("こんにちは"))
		_, _ = w.Write(frame(appendField(nil, 1, appendField(nil, 1, chat))))
		w.(http.Flusher).Flush()
		<-r.Context().Done()
	}))
	defer seg.Close()

	// View endpoint: announces the segment, then holds the poll open.
	viewSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("at"); got != "now" {
			t.Errorf("view poll at = %q, want now", got)
		}
		segEntry := appendField(nil, 1, appendField(nil, 1, []byte(seg.URL+"/seg")))
		_, _ = w.Write(frame(appendField(nil, 1, segEntry)))
		w.(http.Flusher).Flush()
		<-r.Context().Done()
	}))
	defer viewSrv.Close()

	// The session recognizes the view endpoint by its API path.
	viewURL := viewSrv.URL + "/mpn.live.nicovideo.jp/api/view/v4/lv42"

	// Signaling socket: consume startWatching, announce the view endpoint.
	sig := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer conn.CloseNow()

		var start map[string]any
		if err := wsjson.Read(r.Context(), conn, &start); err != nil {
			return
		}
		_ = wsjson.Write(r.Context(), conn, map[string]any{
			"type": "messageServer",
			"data": map[string]any{"viewUri": viewURL},
		})
		<-r.Context().Done()
	}))
	defer sig.Close()

	signalingURL := "ws" + strings.TrimPrefix(sig.URL, "http")

	// Landing page embedding the signaling URL.
	landing := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/lv42") {
			http.NotFound(w, r)
			return
		}
		props := `{"site":{"relive":{"watchServer":{"url":"` + signalingURL + `"}}}}`
		_, _ = w.Write([]byte(`<script id="embedded-data" data-props="` + encodeEntities(props) + `"></script>`))
	}))
	defer landing.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	s := New(testConfig(t), testLogger(t))
	s.watchPageFormat = landing.URL + "/watch/%s"

	s.Connect(ctx, "lv42")

	msg := awaitEvent(t, s.Events(), "chat message", func(ev model.Event) bool {
		return ev.Kind == model.EventMessage
	})
	if msg.Message.Text != "こんにちは" {
		t.Errorf("text: %q", msg.Message.Text)
	}
	if msg.Message.User != "commenter" {
		t.Errorf("user: %q", msg.Message.User)
	}
	if msg.Message.ConnectionID != "niconico:lv42" || msg.Message.Source != model.SourceNiconico {
		t.Errorf("identity: %s/%s", msg.Message.ConnectionID, msg.Message.Source)
	}

	s.Disconnect("niconico:lv42")

	awaitEvent(t, s.Events(), "empty final snapshot", func(ev model.Event) bool {
		return ev.Kind == model.EventConnections && len(ev.Connections) == 0
	})

	if len(s.Handles()) != 0 {
		t.Errorf("expected no live handles after disconnect")
	}
}
