// Package controlplane implements a small hand-rolled HTTP server for
// runtime inspection and mutation of the worker pools. It deliberately
// avoids a routing framework (no chi, no net/http ServeMux middleware
// stack): one connection, one request, read line-by-line over the raw
// net.Listener, exactly as the original asyncio control plane does.
package controlplane

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"time"

	"dispatchd/core/log"
	"dispatchd/internal/pool"
	"dispatchd/internal/ticket"
	"dispatchd/internal/tracker"
)

const readTimeout = 5 * time.Second

var statusText = map[int]string{
	200: "OK",
	400: "Bad Request",
	404: "Not Found",
	500: "Internal Server Error",
}

// Queue is the minimal surface the control plane needs from the dispatcher's
// inbound ticket queue: enqueue (webhook) and depth (GET /queue).
type Queue interface {
	Enqueue(t ticket.Ticket) bool
	Depth() int
}

// Server is the control plane's raw-listener HTTP server.
type Server struct {
	pools    *pool.Manager
	queue    Queue
	listener net.Listener
	lockInfo string
}

// New builds a server bound to the given pool manager and queue. It does
// not listen until Start is called.
func New(pools *pool.Manager, queue Queue) *Server {
	return &Server{pools: pools, queue: queue}
}

// SetLockInfo records the directory lock's holder stamp (pid/host/acquired
// time) so /health can report exactly which process operators are talking
// to, e.g. when confirming a restart actually took over the lock.
func (s *Server) SetLockInfo(info string) {
	s.lockInfo = info
}

// Start binds 127.0.0.1:port and begins accepting connections in a
// background goroutine. A bind failure is returned to the caller, who (per
// the lifecycle design) logs it and continues running without a control
// plane rather than treating it as fatal.
func (s *Server) Start(port int) error {
	ln, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", port))
	if err != nil {
		return fmt.Errorf("control plane bind: %w", err)
	}
	s.listener = ln
	log.Info("control plane listening on http://127.0.0.1:%d", port)

	go s.acceptLoop()
	return nil
}

// Stop closes the listener; in-flight connections are left to finish their
// single request on their own.
func (s *Server) Stop() error {
	if s.listener == nil {
		return nil
	}
	err := s.listener.Close()
	log.Info("control plane stopped")
	return err
}

func (s *Server) acceptLoop() {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			return // listener closed
		}
		go s.handleConnection(conn)
	}
}

func (s *Server) handleConnection(conn net.Conn) {
	defer conn.Close()
	defer func() {
		if r := recover(); r != nil {
			log.Warn("control plane request error: %v", r)
			s.sendResponse(conn, 500, map[string]any{"error": fmt.Sprintf("%v", r)})
		}
	}()

	_ = conn.SetDeadline(time.Now().Add(readTimeout))
	r := bufio.NewReader(conn)

	requestLine, err := r.ReadString('\n')
	if err != nil {
		return // timeout/EOF: silently drop, matching the original's catch-and-pass
	}
	parts := strings.Fields(strings.TrimSpace(requestLine))
	if len(parts) < 2 {
		s.sendResponse(conn, 400, map[string]any{"error": "Bad request"})
		return
	}
	method := strings.ToUpper(parts[0])
	path := parts[1]

	contentLength := 0
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			return
		}
		line = strings.TrimSpace(line)
		if line == "" {
			break
		}
		if strings.HasPrefix(strings.ToLower(line), "content-length:") {
			v := strings.TrimSpace(strings.SplitN(line, ":", 2)[1])
			if n, err := strconv.Atoi(v); err == nil {
				contentLength = n
			}
		}
	}

	var body []byte
	if contentLength > 0 {
		body = make([]byte, contentLength)
		if _, err := io.ReadFull(r, body); err != nil {
			return
		}
	}

	status, resp := s.route(method, path, body)
	s.sendResponse(conn, status, resp)
}

func (s *Server) route(method, path string, body []byte) (int, map[string]any) {
	switch {
	case path == "/health" && method == "GET":
		return s.handleHealth()
	case path == "/workers" && method == "GET":
		return s.handleGetWorkers()
	case path == "/workers" && method == "POST":
		return s.handleAddWorkers(body)
	case path == "/pools" && method == "GET":
		return s.handleGetPools()
	case path == "/queue" && method == "GET":
		return s.handleGetQueue()
	case path == "/webhook/linear" && method == "POST":
		return s.handleLinearWebhook(body)
	case strings.HasPrefix(path, "/pools/") && method == "PATCH":
		name := strings.TrimSuffix(strings.TrimPrefix(path, "/pools/"), "/")
		return s.handleResizePool(name, body)
	default:
		return 404, map[string]any{"error": "Not found"}
	}
}

func (s *Server) handleHealth() (int, map[string]any) {
	resp := map[string]any{"status": "ok"}
	if s.lockInfo != "" {
		resp["locked_by"] = s.lockInfo
	}
	return 200, resp
}

func (s *Server) handleGetWorkers() (int, map[string]any) {
	var workers []map[string]any
	for _, w := range s.pools.Workers() {
		info := map[string]any{
			"worker_id":          w.ID,
			"pool":               string(w.Pool),
			"status":             string(w.Status),
			"tickets_completed":  w.TicketsCompleted,
			"consecutive_errors": w.ConsecutiveErrors,
		}
		if w.CurrentTicket != nil {
			info["current_ticket"] = map[string]any{
				"key":   w.CurrentTicket.Key,
				"title": w.CurrentTicket.Title,
			}
		}
		workers = append(workers, info)
	}
	return 200, map[string]any{"workers": workers}
}

func (s *Server) handleAddWorkers(body []byte) (int, map[string]any) {
	data := map[string]any{}
	if len(body) > 0 {
		if err := json.Unmarshal(body, &data); err != nil {
			return 400, map[string]any{"error": "Invalid JSON"}
		}
	}

	poolName, _ := data["pool"].(string)
	if poolName == "" {
		poolName = "coding"
	}
	count := 1
	if c, ok := data["count"].(float64); ok {
		count = int(c)
	}

	pt, ok := ticket.ParsePoolType(poolName)
	if !ok {
		return 400, map[string]any{"error": fmt.Sprintf("Unknown pool: %s", poolName)}
	}

	if _, ok := s.pools.Pool(pt); !ok {
		return 404, map[string]any{"error": fmt.Sprintf("Pool '%s' not found", poolName)}
	}

	added := 0
	for i := 0; i < count; i++ {
		if _, ok, err := s.pools.AddWorker(pt); err == nil && ok {
			added++
		}
	}

	return 200, map[string]any{
		"added":         added,
		"pool":          poolName,
		"total_workers": s.pools.WorkerCount(pt),
	}
}

func (s *Server) handleGetPools() (int, map[string]any) {
	summary := s.pools.StatusSummary()
	pools := make(map[string]any, len(summary.Pools))
	for pt, ps := range summary.Pools {
		pools[string(pt)] = map[string]any{
			"worker_count":  ps.WorkerCount,
			"idle":          ps.Idle,
			"busy":          ps.Busy,
			"default_model": ps.DefaultModel,
			"max_workers":   ps.MaxWorkers,
		}
	}
	return 200, map[string]any{
		"total_workers": summary.TotalWorkers,
		"pools":         pools,
		"active_leases": summary.ActiveLeases,
	}
}

func (s *Server) handleGetQueue() (int, map[string]any) {
	return 200, map[string]any{"queue_depth": s.queue.Depth()}
}

func (s *Server) handleLinearWebhook(body []byte) (int, map[string]any) {
	var payload tracker.WebhookPayload
	if len(body) > 0 {
		if err := json.Unmarshal(body, &payload); err != nil {
			return 400, map[string]any{"error": "Invalid JSON"}
		}
	}

	if payload.Type != "Issue" {
		return 200, map[string]any{"status": "ignored", "reason": fmt.Sprintf("type=%s", payload.Type)}
	}

	ok, _ := payload.Actionable()
	if !ok {
		state := strings.ToLower(payload.Data.State.Name)
		return 200, map[string]any{
			"status": "ignored",
			"reason": fmt.Sprintf("action=%s, state=%s", payload.Action, state),
		}
	}

	t := payload.ToTicket()
	s.queue.Enqueue(t)
	log.Info("webhook: enqueued %s '%s' (action=%s)", t.Key, t.Title, payload.Action)
	return 200, map[string]any{"status": "enqueued", "ticket": t.Key}
}

func (s *Server) handleResizePool(poolName string, body []byte) (int, map[string]any) {
	data := map[string]any{}
	if len(body) > 0 {
		if err := json.Unmarshal(body, &data); err != nil {
			return 400, map[string]any{"error": "Invalid JSON"}
		}
	}

	pt, ok := ticket.ParsePoolType(poolName)
	if !ok {
		return 404, map[string]any{"error": fmt.Sprintf("Unknown pool: %s", poolName)}
	}

	maxWorkersF, ok := data["max_workers"].(float64)
	if !ok || maxWorkersF < 1 {
		return 400, map[string]any{"error": "max_workers must be a positive integer"}
	}
	maxWorkers := int(maxWorkersF)

	if err := s.pools.ResizePool(pt, maxWorkers); err != nil {
		return 404, map[string]any{"error": fmt.Sprintf("Pool '%s' not found", poolName)}
	}

	return 200, map[string]any{
		"pool":            poolName,
		"max_workers":     maxWorkers,
		"current_workers": s.pools.WorkerCount(pt),
	}
}

func (s *Server) sendResponse(conn net.Conn, status int, body map[string]any) {
	bodyBytes, err := json.MarshalIndent(body, "", "  ")
	if err != nil {
		bodyBytes = []byte(`{"error":"failed to encode response"}`)
		status = 500
	}

	text, ok := statusText[status]
	if !ok {
		text = "Unknown"
	}

	header := fmt.Sprintf(
		"HTTP/1.1 %d %s\r\nContent-Type: application/json\r\nContent-Length: %d\r\nConnection: close\r\n\r\n",
		status, text, len(bodyBytes),
	)
	_, _ = conn.Write([]byte(header))
	_, _ = conn.Write(bodyBytes)
}
