package queue

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/nyx-relay/broker/pkg/models"
)

// Client reaches a remote queue's HTTP surface (see HTTPServer). It covers
// only the producer side (enqueue, depth, membership), which is all the
// ingress gate and the authority's reconciliation sweep need; consuming
// stays in the process that owns the queue.
type Client struct {
	http    *http.Client
	baseURL string
}

// NewClient builds a queue client for baseURL (e.g. "http://10.0.0.5:8445").
func NewClient(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Client{
		http:    &http.Client{Timeout: timeout},
		baseURL: strings.TrimRight(baseURL, "/"),
	}
}

// Enqueue durably appends entry via the remote queue. A non-202 response is
// an error; the caller decides whether the registered message is recovered
// by the reconciliation sweep or surfaced to the submitter.
func (c *Client) Enqueue(ctx context.Context, entry *models.QueueEntry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("queue: marshaling entry %s: %w", entry.MessageID, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/queue/entries", bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("queue: building enqueue request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("queue: calling remote enqueue: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		return fmt.Errorf("queue: remote enqueue returned %d", resp.StatusCode)
	}
	return nil
}

// Size reports the remote queue's instantaneous depth.
func (c *Client) Size() (int, error) {
	resp, err := c.http.Get(c.baseURL + "/queue/depth")
	if err != nil {
		return 0, fmt.Errorf("queue: calling remote depth: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("queue: remote depth returned %d", resp.StatusCode)
	}
	var out struct {
		Depth int `json:"depth"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return 0, fmt.Errorf("queue: decoding depth response: %w", err)
	}
	return out.Depth, nil
}

// Contains reports whether the remote queue currently holds an entry for
// messageID. An unreachable queue reads as "not present": the only caller
// is the reconciliation sweep, and when the queue is down its subsequent
// Enqueue fails too, so nothing is duplicated by the false negative.
func (c *Client) Contains(messageID string) bool {
	resp, err := c.http.Get(c.baseURL + "/queue/entries/" + url.PathEscape(messageID))
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}
