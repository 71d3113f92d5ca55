package mirror

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/ledgertail/ledgertail/ledger"
)

// DefaultPageLimit is the page size requested from the mirror node.
const DefaultPageLimit = 100

// Client reads consensus-ordered topic messages from a mirror node's REST
// endpoint. It is used by the refresh phase of bootstrap; live tailing goes
// through StreamClient.
type Client struct {
	baseURL string
	client  *http.Client
	logger  *logrus.Entry
}

// NewClient creates a REST client for the given mirror base URL
// (e.g. "https://mirror.example.com").
func NewClient(baseURL string, logger *logrus.Entry) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: 30 * time.Second},
		logger:  logger,
	}
}

type wireMessage struct {
	ConsensusTimestamp string `json:"consensus_timestamp"`
	SequenceNumber     int64  `json:"sequence_number"`
	Message            string `json:"message"`
	TopicID            string `json:"topic_id"`
}

type messagesPage struct {
	Messages []wireMessage `json:"messages"`
	Links    struct {
		Next string `json:"next"`
	} `json:"links"`
}

// FetchMessages returns every message of a topic with a consensus timestamp
// strictly after since, following pagination links until exhausted. Messages
// that fail to decode are logged and skipped; one bad record must not lose a
// page.
func (c *Client) FetchMessages(ctx context.Context, topicID string, since ledger.Timestamp) ([]ledger.RawEvent, error) {
	target := fmt.Sprintf("%s/topics/%s/messages?limit=%d&order=asc", c.baseURL, topicID, DefaultPageLimit)
	if !since.IsZero() {
		target += "&timestamp=gt:" + since.String()
	}

	events := []ledger.RawEvent{}
	for target != "" {
		page, err := c.fetchPage(ctx, target)
		if err != nil {
			return nil, err
		}

		for _, m := range page.Messages {
			ev, err := c.decodeMessage(topicID, m)
			if err != nil {
				c.logger.WithError(err).Debug("Skipping undecodable mirror message")
				continue
			}
			events = append(events, ev)
		}

		target = c.nextURL(page.Links.Next)
	}

	return events, nil
}

func (c *Client) fetchPage(ctx context.Context, target string) (*messagesPage, error) {
	req, err := http.NewRequest("GET", target, nil)
	if err != nil {
		return nil, errors.Wrap(err, "build mirror request")
	}
	req = req.WithContext(ctx)

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, "mirror request")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, errors.Errorf("mirror returned %d for %s", resp.StatusCode, target)
	}

	page := new(messagesPage)
	if err := json.NewDecoder(resp.Body).Decode(page); err != nil {
		return nil, errors.Wrap(err, "decode mirror page")
	}

	return page, nil
}

func (c *Client) decodeMessage(topicID string, m wireMessage) (ledger.RawEvent, error) {
	ts, err := ledger.ParseTimestamp(m.ConsensusTimestamp)
	if err != nil {
		return ledger.RawEvent{}, err
	}

	payload, err := base64.StdEncoding.DecodeString(m.Message)
	if err != nil {
		return ledger.RawEvent{}, fmt.Errorf("decode message body: %v", err)
	}

	if m.TopicID != "" {
		topicID = m.TopicID
	}

	return ledger.RawEvent{
		TopicID:            topicID,
		SequenceNumber:     m.SequenceNumber,
		ConsensusTimestamp: ts,
		Payload:            payload,
	}, nil
}

// nextURL resolves a pagination link, which mirrors return as an absolute
// URL or as a path relative to the API origin.
func (c *Client) nextURL(next string) string {
	if next == "" {
		return ""
	}
	if strings.HasPrefix(next, "http://") || strings.HasPrefix(next, "https://") {
		return next
	}

	base, err := url.Parse(c.baseURL)
	if err != nil {
		return ""
	}
	if !strings.HasPrefix(next, "/") {
		next = "/" + next
	}
	return base.Scheme + "://" + base.Host + next
}
