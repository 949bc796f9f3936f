package controlplane

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dispatchd/internal/pool"
	"dispatchd/internal/ticket"
)

type fakeQueue struct {
	items []ticket.Ticket
}

func (q *fakeQueue) Enqueue(t ticket.Ticket) bool {
	q.items = append(q.items, t)
	return true
}

func (q *fakeQueue) Depth() int { return len(q.items) }

func newTestServer(t *testing.T) (*Server, *fakeQueue, int) {
	t.Helper()
	m := pool.NewManager(10 * time.Minute)
	m.InitializePools(map[ticket.PoolType]pool.Config{
		ticket.PoolCoding: {MinWorkers: 1, MaxWorkers: 2, DefaultModel: "sonnet"},
	})
	q := &fakeQueue{}
	s := New(m, q)

	// port 0 lets the OS assign a free port; re-resolve it after Start.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	ln.Close()

	require.NoError(t, s.Start(port))
	t.Cleanup(func() { s.Stop() })
	return s, q, port
}

func doRequest(t *testing.T, port int, method, path string, body string) (int, map[string]any) {
	t.Helper()
	conn, err := net.DialTimeout("tcp", fmt.Sprintf("127.0.0.1:%d", port), 2*time.Second)
	require.NoError(t, err)
	defer conn.Close()

	req := fmt.Sprintf("%s %s HTTP/1.1\r\n", method, path)
	if body != "" {
		req += fmt.Sprintf("Content-Length: %d\r\n\r\n%s", len(body), body)
	} else {
		req += "\r\n"
	}
	_, err = conn.Write([]byte(req))
	require.NoError(t, err)

	reader := bufio.NewReader(conn)
	statusLine, err := reader.ReadString('\n')
	require.NoError(t, err)
	var status int
	fmt.Sscanf(statusLine, "HTTP/1.1 %d", &status)

	contentLength := 0
	for {
		line, err := reader.ReadString('\n')
		require.NoError(t, err)
		line = strings.TrimSpace(line)
		if line == "" {
			break
		}
		if strings.HasPrefix(strings.ToLower(line), "content-length:") {
			fmt.Sscanf(line, "Content-Length: %d", &contentLength)
		}
	}

	buf := make([]byte, contentLength)
	_, err = io.ReadFull(reader, buf)
	require.NoError(t, err)

	var respBody map[string]any
	require.NoError(t, json.Unmarshal(buf, &respBody))
	return status, respBody
}

func TestHealthEndpoint(t *testing.T) {
	_, _, port := newTestServer(t)

	status, body := doRequest(t, port, "GET", "/health", "")
	assert.Equal(t, 200, status)
	assert.Equal(t, "ok", body["status"])
	_, hasLockInfo := body["locked_by"]
	assert.False(t, hasLockInfo, "locked_by is omitted until SetLockInfo is called")
}

func TestHealthEndpointReportsLockInfo(t *testing.T) {
	s, _, port := newTestServer(t)
	s.SetLockInfo("pid=123 host=test since=2026-01-01T00:00:00Z")

	status, body := doRequest(t, port, "GET", "/health", "")
	assert.Equal(t, 200, status)
	assert.Equal(t, "pid=123 host=test since=2026-01-01T00:00:00Z", body["locked_by"])
}

func TestWorkersEndpoint(t *testing.T) {
	_, _, port := newTestServer(t)

	status, body := doRequest(t, port, "GET", "/workers", "")
	assert.Equal(t, 200, status)
	workers, ok := body["workers"].([]any)
	require.True(t, ok)
	assert.Len(t, workers, 1)
}

func TestAddWorkersEndpoint(t *testing.T) {
	_, _, port := newTestServer(t)

	status, body := doRequest(t, port, "POST", "/workers", `{"pool":"coding","count":1}`)
	assert.Equal(t, 200, status)
	assert.EqualValues(t, 1, body["added"])
	assert.EqualValues(t, 2, body["total_workers"])
}

func TestAddWorkersUnknownPool(t *testing.T) {
	_, _, port := newTestServer(t)

	status, body := doRequest(t, port, "POST", "/workers", `{"pool":"bogus"}`)
	assert.Equal(t, 400, status)
	assert.Contains(t, body["error"], "Unknown pool")
}

func TestResizePoolEndpoint(t *testing.T) {
	_, _, port := newTestServer(t)

	status, body := doRequest(t, port, "PATCH", "/pools/coding", `{"max_workers":5}`)
	assert.Equal(t, 200, status)
	assert.EqualValues(t, 5, body["max_workers"])
}

func TestResizePoolRejectsBadMaxWorkers(t *testing.T) {
	_, _, port := newTestServer(t)

	status, _ := doRequest(t, port, "PATCH", "/pools/coding", `{"max_workers":0}`)
	assert.Equal(t, 400, status)
}

func TestQueueEndpoint(t *testing.T) {
	_, q, port := newTestServer(t)
	q.Enqueue(ticket.Ticket{Key: "ENG-1"})

	status, body := doRequest(t, port, "GET", "/queue", "")
	assert.Equal(t, 200, status)
	assert.EqualValues(t, 1, body["queue_depth"])
}

func TestWebhookEnqueuesActionableIssue(t *testing.T) {
	_, q, port := newTestServer(t)

	payload := `{"action":"create","type":"Issue","data":{"identifier":"ENG-9","title":"Fix it","state":{"name":"todo"}}}`
	status, body := doRequest(t, port, "POST", "/webhook/linear", payload)
	assert.Equal(t, 200, status)
	assert.Equal(t, "enqueued", body["status"])
	assert.Equal(t, 1, q.Depth())
}

func TestWebhookIgnoresNonIssue(t *testing.T) {
	_, q, port := newTestServer(t)

	payload := `{"action":"create","type":"Comment","data":{"state":{"name":"todo"}}}`
	status, body := doRequest(t, port, "POST", "/webhook/linear", payload)
	assert.Equal(t, 200, status)
	assert.Equal(t, "ignored", body["status"])
	assert.Equal(t, 0, q.Depth())
}

func TestUnknownRouteReturns404(t *testing.T) {
	_, _, port := newTestServer(t)

	status, _ := doRequest(t, port, "GET", "/nope", "")
	assert.Equal(t, 404, status)
}
