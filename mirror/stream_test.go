package mirror

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	cm "github.com/ledgertail/ledgertail/common"
	"github.com/ledgertail/ledgertail/ledger"
)

func frame(ts string, seq int64, payload string) string {
	return fmt.Sprintf(
		`{"consensus_timestamp":%q,"sequence_number":%d,"message":%q}`,
		ts, seq, b64(payload),
	)
}

func TestNewStreamClientConfigErrors(t *testing.T) {
	logger := cm.NewTestEntry(t, logrus.DebugLevel)

	if _, err := NewStreamClient(StreamConfig{
		BaseURL: "http://not-a-socket",
		TopicID: "0.0.1",
		Logger:  logger,
	}, ledger.Timestamp{}); err == nil {
		t.Fatal("http scheme should be rejected")
	}

	if _, err := NewStreamClient(StreamConfig{
		BaseURL: "ws://mirror.example.com",
		Logger:  logger,
	}, ledger.Timestamp{}); err == nil {
		t.Fatal("missing topic id should be rejected")
	}
}

func TestStreamURLResumeFilter(t *testing.T) {
	sc, err := NewStreamClient(StreamConfig{
		BaseURL: "wss://mirror.example.com",
		TopicID: "0.0.42",
		Logger:  cm.NewTestEntry(t, logrus.DebugLevel),
	}, ledger.Timestamp{})
	if err != nil {
		t.Fatal(err)
	}

	if got := sc.streamURL(); got != "wss://mirror.example.com/topics/0.0.42/messages" {
		t.Fatalf("unexpected url without watermark: %s", got)
	}

	sc.mu.Lock()
	sc.watermark = ledger.Timestamp{Seconds: 110}
	sc.mu.Unlock()

	want := "wss://mirror.example.com/topics/0.0.42/messages?timestamp=gt:110.000000000"
	if got := sc.streamURL(); got != want {
		t.Fatalf("resume filter missing: %s", got)
	}
}

func TestStreamURLKeepsPathPrefix(t *testing.T) {
	sc, err := NewStreamClient(StreamConfig{
		BaseURL: "wss://mirror.example.com/api/v1/",
		TopicID: "0.0.42",
		Logger:  cm.NewTestEntry(t, logrus.DebugLevel),
	}, ledger.Timestamp{})
	if err != nil {
		t.Fatal(err)
	}

	want := "wss://mirror.example.com/api/v1/topics/0.0.42/messages"
	if got := sc.streamURL(); got != want {
		t.Fatalf("path prefix lost: %s", got)
	}
}

func TestJitterBounds(t *testing.T) {
	base := 100 * time.Millisecond
	for i := 0; i < 1000; i++ {
		d := jitter(base)
		if d < 80*time.Millisecond || d >= 120*time.Millisecond {
			t.Fatalf("jitter out of bounds: %v", d)
		}
	}
}

func TestNextBackoffDoublesToCeiling(t *testing.T) {
	sc, err := NewStreamClient(StreamConfig{
		BaseURL:        "ws://mirror.example.com",
		TopicID:        "0.0.1",
		BackoffFloor:   time.Second,
		BackoffCeiling: 5 * time.Second,
		Logger:         cm.NewTestEntry(t, logrus.DebugLevel),
	}, ledger.Timestamp{})
	if err != nil {
		t.Fatal(err)
	}

	b := sc.floor
	b = sc.nextBackoff(b) // 2s
	b = sc.nextBackoff(b) // 4s
	b = sc.nextBackoff(b) // capped at 5s
	if b != 5*time.Second {
		t.Fatalf("backoff should cap at ceiling: %v", b)
	}
}

// TestStreamReconnectAndWatermark runs a live websocket server that delivers
// three messages, drops the connection, then redelivers one old message on
// the resumed stream. The client must resume with a gt: filter at the
// watermark, and the duplicate must map onto an already-seen id.
func TestStreamReconnectAndWatermark(t *testing.T) {
	upgrader := websocket.Upgrader{}
	var conns int32
	resumeQuery := make(chan string, 1)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}

		n := atomic.AddInt32(&conns, 1)
		if n == 1 {
			conn.WriteMessage(websocket.TextMessage, []byte(frame("100.000000000", 1, `{"type":"contact_accept"}`)))
			conn.WriteMessage(websocket.TextMessage, []byte(frame("105.000000000", 2, `{"type":"contact_accept"}`)))
			// wrapped form of the frame
			conn.WriteMessage(websocket.TextMessage, []byte(
				`{"message":`+frame("110.000000000", 3, `{"type":"contact_revoke"}`)+`}`,
			))
			conn.Close()
			return
		}

		resumeQuery <- r.URL.RawQuery
		// a race on the server redelivers ts=105, then new data arrives
		conn.WriteMessage(websocket.TextMessage, []byte(`not json at all`))
		conn.WriteMessage(websocket.TextMessage, []byte(frame("105.000000000", 2, `{"type":"contact_accept"}`)))
		conn.WriteMessage(websocket.TextMessage, []byte(frame("115.000000000", 4, `{"type":"trust_allocate"}`)))

		// keep the connection open until the test is done
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	sc, err := NewStreamClient(StreamConfig{
		BaseURL:           "ws" + strings.TrimPrefix(srv.URL, "http"),
		TopicID:           "0.0.1",
		HeartbeatInterval: time.Minute,
		BackoffFloor:      10 * time.Millisecond,
		BackoffCeiling:    50 * time.Millisecond,
		Logger:            cm.NewTestEntry(t, logrus.DebugLevel),
	}, ledger.Timestamp{})
	if err != nil {
		t.Fatal(err)
	}

	sc.Start()

	seen := map[string]int{}
	deliveries := 0
	timeout := time.After(5 * time.Second)
	for deliveries < 5 {
		select {
		case ev := <-sc.Events():
			seen[ev.ID()]++
			deliveries++
		case <-timeout:
			t.Fatalf("timed out after %d deliveries (%v)", deliveries, seen)
		}
	}

	select {
	case q := <-resumeQuery:
		if q != "timestamp=gt:110.000000000" {
			t.Fatalf("wrong resume filter: %q", q)
		}
	case <-time.After(time.Second):
		t.Fatal("no reconnect observed")
	}

	// 5 deliveries, 4 distinct ids: the ts=105 redelivery reuses its id
	if len(seen) != 4 {
		t.Fatalf("expected 4 distinct ids, got %d: %v", len(seen), seen)
	}
	if seen["0.0.1@105.000000000"] != 2 {
		t.Fatalf("duplicate should share the id of the original: %v", seen)
	}

	if wm := sc.Watermark(); wm.Seconds != 115 {
		t.Fatalf("watermark should be at the latest applied timestamp: %+v", wm)
	}

	sc.Stop()
	sc.Stop() // idempotent

	if _, open := <-sc.Events(); open {
		// drain until close; Stop guarantees the channel closes
		for range sc.Events() {
		}
	}
}
