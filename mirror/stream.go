package mirror

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math/rand"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/ledgertail/ledgertail/ledger"
)

// Stream defaults.
const (
	DefaultHeartbeatInterval = 30 * time.Second
	DefaultBackoffFloor      = 1 * time.Second
	DefaultBackoffCeiling    = 60 * time.Second

	writeTimeout = 10 * time.Second
)

// StreamConfig configures a StreamClient.
type StreamConfig struct {
	// BaseURL is the websocket origin of the mirror node, e.g.
	// "wss://mirror.example.com".
	BaseURL string

	// TopicID is the concrete topic to tail.
	TopicID string

	// HeartbeatInterval is the ping cadence. A ping that goes unanswered
	// until the next interval fires marks the link dead.
	HeartbeatInterval time.Duration

	// BackoffFloor and BackoffCeiling bound the reconnect delay.
	BackoffFloor   time.Duration
	BackoffCeiling time.Duration

	Logger *logrus.Entry
}

// StreamClient tails one topic over a long-lived websocket. It reconnects
// forever with jittered exponential backoff, resumes from the highest
// consensus timestamp it has applied (the watermark), and never lets a bad
// frame or a misbehaving consumer take the connection down. The only
// unrecoverable failure is a malformed base URL, which is reported by the
// constructor; everything after that is retried in place.
type StreamClient struct {
	topicID   string
	origin    *url.URL
	heartbeat time.Duration
	floor     time.Duration
	ceiling   time.Duration

	dialer *websocket.Dialer
	events chan ledger.RawEvent

	mu        sync.Mutex
	conn      *websocket.Conn
	watermark ledger.Timestamp

	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	logger *logrus.Entry
}

// NewStreamClient validates the configuration and builds a client. A
// malformed or non-websocket base URL is a configuration error and the
// stream is never opened. The sinceMarker, when non-zero, seeds the
// watermark so the first dial already resumes past known history.
func NewStreamClient(conf StreamConfig, sinceMarker ledger.Timestamp) (*StreamClient, error) {
	origin, err := url.Parse(conf.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("bad stream base url %q: %v", conf.BaseURL, err)
	}
	if origin.Scheme != "ws" && origin.Scheme != "wss" {
		return nil, fmt.Errorf("bad stream base url %q: scheme must be ws or wss", conf.BaseURL)
	}
	if conf.TopicID == "" {
		return nil, fmt.Errorf("stream requires a topic id")
	}

	heartbeat := conf.HeartbeatInterval
	if heartbeat <= 0 {
		heartbeat = DefaultHeartbeatInterval
	}
	floor := conf.BackoffFloor
	if floor <= 0 {
		floor = DefaultBackoffFloor
	}
	ceiling := conf.BackoffCeiling
	if ceiling < floor {
		ceiling = DefaultBackoffCeiling
	}

	return &StreamClient{
		topicID:   conf.TopicID,
		origin:    origin,
		heartbeat: heartbeat,
		floor:     floor,
		ceiling:   ceiling,
		dialer:    websocket.DefaultDialer,
		events:    make(chan ledger.RawEvent, 64),
		watermark: sinceMarker,
		stop:      make(chan struct{}),
		logger:    conf.Logger.WithField("topic", conf.TopicID),
	}, nil
}

// Start launches the connection loop.
func (sc *StreamClient) Start() {
	sc.wg.Add(1)
	go sc.run()
}

// Events is the stream of decoded messages. The channel closes after Stop.
func (sc *StreamClient) Events() <-chan ledger.RawEvent {
	return sc.events
}

// Watermark returns the highest consensus timestamp seen so far. It never
// decreases, across any number of reconnects.
func (sc *StreamClient) Watermark() ledger.Timestamp {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	return sc.watermark
}

// Stop shuts the stream down. It is idempotent; any pending reconnect timer
// is cancelled before the socket closes, so a reconnect can never fire after
// Stop returns.
func (sc *StreamClient) Stop() {
	sc.stopOnce.Do(func() {
		close(sc.stop)
		sc.mu.Lock()
		if sc.conn != nil {
			sc.conn.Close()
		}
		sc.mu.Unlock()
		sc.wg.Wait()
		close(sc.events)
	})
}

func (sc *StreamClient) run() {
	defer sc.wg.Done()

	backoff := sc.floor
	for {
		select {
		case <-sc.stop:
			return
		default:
		}

		target := sc.streamURL()
		conn, _, err := sc.dialer.Dial(target, nil)
		if err != nil {
			sc.logger.WithError(err).WithField("backoff", backoff).Debug("Stream dial failed")
			if !sc.sleep(jitter(backoff)) {
				return
			}
			backoff = sc.nextBackoff(backoff)
			continue
		}

		// any successful open resets the backoff to the floor
		backoff = sc.floor

		sc.setConn(conn)
		err = sc.readLoop(conn)
		sc.setConn(nil)
		conn.Close()

		select {
		case <-sc.stop:
			return
		default:
		}

		sc.logger.WithError(err).WithField("backoff", backoff).Debug("Stream closed, reconnecting")
		if !sc.sleep(jitter(backoff)) {
			return
		}
		backoff = sc.nextBackoff(backoff)
	}
}

// readLoop pumps frames and heartbeats until the connection dies or Stop is
// called. It returns the connection-level error; frame parse failures never
// surface here.
func (sc *StreamClient) readLoop(conn *websocket.Conn) error {
	pongCh := make(chan struct{}, 1)
	conn.SetPongHandler(func(string) error {
		select {
		case pongCh <- struct{}{}:
		default:
		}
		return nil
	})

	done := make(chan struct{})
	defer close(done)

	frames := make(chan []byte)
	readErr := make(chan error, 1)
	go func() {
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				readErr <- err
				return
			}
			select {
			case frames <- data:
			case <-done:
				return
			case <-sc.stop:
				return
			}
		}
	}()

	ticker := time.NewTicker(sc.heartbeat)
	defer ticker.Stop()

	awaitingPong := false
	for {
		select {
		case <-sc.stop:
			return nil
		case err := <-readErr:
			return err
		case data := <-frames:
			sc.handleFrame(data)
		case <-pongCh:
			awaitingPong = false
		case <-ticker.C:
			if awaitingPong {
				return fmt.Errorf("heartbeat missed")
			}
			deadline := time.Now().Add(writeTimeout)
			if err := conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				return err
			}
			awaitingPong = true
		}
	}
}

// handleFrame decodes one websocket frame into a RawEvent and delivers it.
// Parse failures are logged and swallowed: one bad frame must not kill a
// healthy stream.
func (sc *StreamClient) handleFrame(data []byte) {
	body := sc.unwrapFrame(data)

	var m wireMessage
	if err := json.Unmarshal(body, &m); err != nil {
		sc.logger.WithError(err).Debug("Dropping unparseable frame")
		return
	}

	ts, err := ledger.ParseTimestamp(m.ConsensusTimestamp)
	if err != nil {
		sc.logger.WithError(err).Debug("Dropping frame without consensus timestamp")
		return
	}

	payload, err := base64.StdEncoding.DecodeString(m.Message)
	if err != nil {
		sc.logger.WithError(err).Debug("Dropping frame with undecodable body")
		return
	}

	topicID := m.TopicID
	if topicID == "" {
		topicID = sc.topicID
	}

	ev := ledger.RawEvent{
		TopicID:            topicID,
		SequenceNumber:     m.SequenceNumber,
		ConsensusTimestamp: ts,
		Payload:            payload,
	}

	sc.mu.Lock()
	if ts.After(sc.watermark) {
		sc.watermark = ts
	}
	sc.mu.Unlock()

	select {
	case sc.events <- ev:
	case <-sc.stop:
	}
}

// unwrapFrame peels the optional {"message": {...}} wrapper. The inner value
// is only taken when it is itself a JSON object, since flat frames carry a
// base64 string under the same key.
func (sc *StreamClient) unwrapFrame(data []byte) []byte {
	var wrapper struct {
		Message json.RawMessage `json:"message"`
	}
	if err := json.Unmarshal(data, &wrapper); err != nil {
		return data
	}
	if len(wrapper.Message) > 0 && wrapper.Message[0] == '{' {
		return wrapper.Message
	}
	return data
}

// streamURL builds the dial target, appending the resume filter when a
// watermark is present so reconnection does not re-deliver history.
func (sc *StreamClient) streamURL() string {
	prefix := strings.TrimRight(sc.origin.Path, "/")
	target := fmt.Sprintf("%s://%s%s/topics/%s/messages", sc.origin.Scheme, sc.origin.Host, prefix, sc.topicID)

	wm := sc.Watermark()
	if !wm.IsZero() {
		target += "?timestamp=gt:" + wm.String()
	}
	return target
}

func (sc *StreamClient) setConn(conn *websocket.Conn) {
	sc.mu.Lock()
	sc.conn = conn
	sc.mu.Unlock()
}

// sleep waits for d or until Stop; it reports whether the caller should keep
// going.
func (sc *StreamClient) sleep(d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return true
	case <-sc.stop:
		return false
	}
}

func (sc *StreamClient) nextBackoff(current time.Duration) time.Duration {
	next := current * 2
	if next > sc.ceiling {
		next = sc.ceiling
	}
	return next
}

// jitter spreads a delay over [0.8d, 1.2d) so that a fleet of clients does
// not reconnect in lockstep.
func jitter(d time.Duration) time.Duration {
	return time.Duration(float64(d) * (0.8 + rand.Float64()*0.4))
}
