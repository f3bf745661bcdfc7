package queue

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/nyx-relay/broker/pkg/models"
)

func testQueueServer(t *testing.T) (*Queue, *Client) {
	t.Helper()
	dir := t.TempDir()
	q, err := Open(Options{
		WALDir:            filepath.Join(dir, "wal"),
		SidecarPath:       filepath.Join(dir, "side"),
		VisibilityTimeout: time.Second,
		Capacity:          16,
	})
	require.NoError(t, err)
	srv := httptest.NewServer(NewHTTPServer(q))
	t.Cleanup(func() {
		srv.Close()
		_ = q.Close()
	})
	return q, NewClient(srv.URL, time.Second)
}

func TestRemoteEnqueueReachesTheQueue(t *testing.T) {
	q, c := testQueueServer(t)

	entry := &models.QueueEntry{MessageID: "m1", ClientID: "c1", SenderHash: "h1"}
	require.NoError(t, c.Enqueue(context.Background(), entry))

	require.True(t, c.Contains("m1"))
	n, err := c.Size()
	require.NoError(t, err)
	require.Equal(t, 1, n)

	got, tok, err := q.BlockingPop(context.Background(), time.Second)
	require.NoError(t, err)
	require.Equal(t, "m1", got.MessageID)
	require.Equal(t, "h1", got.SenderHash)
	require.NoError(t, q.Ack(tok))

	require.False(t, c.Contains("m1"))
}

func TestRemoteEnqueueRejectsEntryWithoutID(t *testing.T) {
	_, c := testQueueServer(t)
	err := c.Enqueue(context.Background(), &models.QueueEntry{ClientID: "c1"})
	require.Error(t, err)
}

func TestQueueHTTPRejectsMalformedBody(t *testing.T) {
	q, _ := testQueueServer(t)
	srv := httptest.NewServer(NewHTTPServer(q))
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/queue/entries", "application/json", strings.NewReader("{"))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestContainsIsFalseWhenQueueUnreachable(t *testing.T) {
	c := NewClient("http://127.0.0.1:1", 200*time.Millisecond)
	require.False(t, c.Contains("anything"))
}
