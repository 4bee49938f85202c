package binance

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/coder/websocket"
	"github.com/goccy/go-json"
	"golang.org/x/time/rate"

	"github.com/coachpo/meltica-md/internal/observability"
)

const (
	// Binance futures accepts at most 10 incoming control messages per second per connection.
	binanceControlMessageInterval = 200 * time.Millisecond
	binanceMaxStreamsPerRequest   = 100
	binancePingInterval           = 30 * time.Second
	binancePingTimeout            = 5 * time.Second
	binanceControlWriteTimeout    = 5 * time.Second
	binanceReadLimit              = 2 * 1024 * 1024
)

// streamManager owns one combined-stream connection. The set of streams to announce comes
// from topics, so every reconnect re-announces the current subscription registry.
type streamManager struct {
	url           string
	ctx           context.Context
	cancel        context.CancelFunc
	maxReconnect  time.Duration
	topics        func() []string
	handler       func(context.Context, []byte)
	logger        observability.Logger
	metrics       *streamMetrics
	controlPacing *rate.Limiter

	conn     *websocket.Conn
	connMu   sync.RWMutex
	up       chan struct{}
	msgIDGen atomic.Uint64

	announced map[string]struct{}
	annMu     sync.Mutex

	controlMu sync.Mutex
	done      chan struct{}
}

type controlRequest struct {
	Method string   `json:"method"`
	Params []string `json:"params"`
	ID     uint64   `json:"id"`
}

type controlResponse struct {
	Result *json.RawMessage `json:"result"`
	ID     uint64           `json:"id"`
	Error  *wsError         `json:"error,omitempty"`
}

type wsError struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
}

func newStreamManager(parent context.Context, url string, maxReconnect time.Duration, topics func() []string, handler func(context.Context, []byte), logger observability.Logger, metrics *streamMetrics) *streamManager {
	ctx, cancel := context.WithCancel(parent)
	return &streamManager{
		url:           url,
		ctx:           ctx,
		cancel:        cancel,
		maxReconnect:  maxReconnect,
		topics:        topics,
		handler:       handler,
		logger:        observability.OrDefault(logger),
		metrics:       metrics,
		controlPacing: rate.NewLimiter(rate.Every(binanceControlMessageInterval), 1),
		up:            make(chan struct{}),
		announced:     make(map[string]struct{}),
		done:          make(chan struct{}),
	}
}

// start runs the connection loop in the background. It does not wait for the first dial;
// callers that need a live socket use waitConnected.
func (sm *streamManager) start() {
	go func() {
		defer close(sm.done)
		if err := sm.connect(); err != nil && !errors.Is(err, context.Canceled) {
			sm.logger.Error("binance stream manager stopped", observability.Err(err))
		}
	}()
}

// stop closes the connection and waits for the connection loop to exit.
func (sm *streamManager) stop() {
	sm.cancel()
	sm.connMu.Lock()
	if sm.conn != nil {
		_ = sm.conn.Close(websocket.StatusNormalClosure, "shutdown")
		sm.conn = nil
	}
	sm.connMu.Unlock()
	<-sm.done
}

// waitConnected blocks until a connection is live or ctx ends.
func (sm *streamManager) waitConnected(ctx context.Context) error {
	sm.connMu.RLock()
	up := sm.up
	sm.connMu.RUnlock()
	select {
	case <-up:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("wait for websocket: %w", ctx.Err())
	case <-sm.ctx.Done():
		return fmt.Errorf("wait for websocket: %w", sm.ctx.Err())
	}
}

func (sm *streamManager) connected() bool {
	sm.connMu.RLock()
	defer sm.connMu.RUnlock()
	return sm.conn != nil
}

// subscribe announces streams not yet announced on the current connection. Without a live
// connection it is a no-op; the next connection announces them from topics.
func (sm *streamManager) subscribe(ctx context.Context, streams []string) error {
	fresh := sm.markAnnounced(streams, true)
	if len(fresh) == 0 {
		return nil
	}
	if err := sm.sendBatchedControlRequests(ctx, "SUBSCRIBE", fresh); err != nil {
		sm.markAnnounced(fresh, false)
		return err
	}
	return nil
}

func (sm *streamManager) unsubscribe(ctx context.Context, streams []string) error {
	gone := sm.markAnnounced(streams, false)
	if len(gone) == 0 {
		return nil
	}
	return sm.sendBatchedControlRequests(ctx, "UNSUBSCRIBE", gone)
}

// markAnnounced adds or removes streams from the announced set and returns those that changed.
func (sm *streamManager) markAnnounced(streams []string, add bool) []string {
	sm.annMu.Lock()
	defer sm.annMu.Unlock()
	changed := make([]string, 0, len(streams))
	for _, stream := range streams {
		_, present := sm.announced[stream]
		switch {
		case add && !present:
			sm.announced[stream] = struct{}{}
			changed = append(changed, stream)
		case !add && present:
			delete(sm.announced, stream)
			changed = append(changed, stream)
		}
	}
	return changed
}

func (sm *streamManager) resetAnnounced() {
	sm.annMu.Lock()
	sm.announced = make(map[string]struct{})
	sm.annMu.Unlock()
}

// connect keeps a single websocket session alive until the manager context ends.
func (sm *streamManager) connect() error {
	backoffCfg := backoff.NewExponentialBackOff()
	backoffCfg.MaxInterval = sm.maxReconnect

	for {
		select {
		case <-sm.ctx.Done():
			return context.Canceled
		default:
		}

		conn, _, err := websocket.Dial(sm.ctx, sm.url, nil)
		if err != nil {
			sm.metrics.recordReconnect(sm.ctx, "error")
			sm.logger.Warn("binance websocket dial failed", observability.F("url", sm.url), observability.Err(err))
			if !sm.sleep(backoffCfg.NextBackOff()) {
				return context.Canceled
			}
			continue
		}
		sm.metrics.recordReconnect(sm.ctx, "success")
		conn.SetReadLimit(binanceReadLimit)

		// a stream marked after the reset is written to this conn
		sm.connMu.Lock()
		sm.resetAnnounced()
		sm.conn = conn
		close(sm.up)
		sm.connMu.Unlock()
		backoffCfg.Reset()
		sm.logger.Info("binance websocket connected", observability.F("url", sm.url))

		if err := sm.subscribe(sm.ctx, sm.topics()); err != nil {
			sm.logger.Warn("binance resubscribe after connect failed", observability.Err(err))
		}

		connCtx, connCancel := context.WithCancel(sm.ctx)
		errCh := make(chan error, 2)
		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			errCh <- sm.readLoop(connCtx, conn)
		}()
		go func() {
			defer wg.Done()
			errCh <- sm.pingLoop(connCtx, conn)
		}()

		firstErr := <-errCh
		connCancel()

		sm.connMu.Lock()
		if sm.conn == conn {
			sm.conn = nil
		}
		sm.up = make(chan struct{})
		sm.connMu.Unlock()
		_ = conn.Close(websocket.StatusNormalClosure, "")
		wg.Wait()

		if firstErr != nil && !errors.Is(firstErr, context.Canceled) {
			sm.logger.Warn("binance websocket session ended", observability.Err(firstErr))
		}
		if !sm.sleep(backoffCfg.NextBackOff()) {
			return context.Canceled
		}
	}
}

func (sm *streamManager) sleep(d time.Duration) bool {
	if d == backoff.Stop || d <= 0 {
		d = sm.maxReconnect
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-sm.ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

func (sm *streamManager) sendBatchedControlRequests(ctx context.Context, method string, streams []string) error {
	if ctx == nil {
		ctx = sm.ctx
	}
	for _, chunk := range chunkStreams(streams, binanceMaxStreamsPerRequest) {
		req := controlRequest{Method: method, Params: chunk, ID: sm.msgIDGen.Add(1)}
		data, err := json.Marshal(req)
		if err != nil {
			return fmt.Errorf("marshal %s request: %w", method, err)
		}
		if err := sm.writeControl(ctx, method, data); err != nil {
			return err
		}
		sm.metrics.recordControl(ctx, method, len(chunk))
		sm.logger.Debug("binance control request sent",
			observability.F("method", method),
			observability.F("id", req.ID),
			observability.F("streams", len(chunk)))
	}
	return nil
}

// writeControl paces and writes one control frame. A missing connection is not an error:
// the registry is replayed on the next connect.
func (sm *streamManager) writeControl(ctx context.Context, method string, data []byte) error {
	sm.controlMu.Lock()
	defer sm.controlMu.Unlock()

	if err := sm.controlPacing.Wait(ctx); err != nil {
		return fmt.Errorf("pacing %s request: %w", method, err)
	}
	sm.connMu.RLock()
	conn := sm.conn
	sm.connMu.RUnlock()
	if conn == nil {
		return nil
	}
	writeCtx, cancel := context.WithTimeout(ctx, binanceControlWriteTimeout)
	defer cancel()
	if err := conn.Write(writeCtx, websocket.MessageText, data); err != nil {
		return fmt.Errorf("write %s request: %w", method, err)
	}
	return nil
}

func chunkStreams(streams []string, size int) [][]string {
	if len(streams) == 0 {
		return nil
	}
	if size <= 0 {
		size = len(streams)
	}
	chunks := make([][]string, 0, (len(streams)+size-1)/size)
	for start := 0; start < len(streams); start += size {
		end := min(start+size, len(streams))
		chunk := make([]string, end-start)
		copy(chunk, streams[start:end])
		chunks = append(chunks, chunk)
	}
	return chunks
}

// pingLoop keeps the connection alive and detects stale sockets.
func (sm *streamManager) pingLoop(ctx context.Context, conn *websocket.Conn) error {
	ticker := time.NewTicker(binancePingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return context.Canceled
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, binancePingTimeout)
			start := time.Now()
			err := conn.Ping(pingCtx)
			cancel()
			sm.metrics.recordPing(ctx, time.Since(start), err)
			if err != nil {
				if isClosed(err) {
					return context.Canceled
				}
				if status := websocket.CloseStatus(err); status != -1 {
					return fmt.Errorf("ping: remote closed with status %d", status)
				}
				return fmt.Errorf("ping: %w", err)
			}
		}
	}
}

// readLoop hands every stream frame to the handler in arrival order. Control responses are
// consumed here.
func (sm *streamManager) readLoop(ctx context.Context, conn *websocket.Conn) error {
	for {
		msgType, data, err := conn.Read(ctx)
		if err != nil {
			if isClosed(err) {
				return context.Canceled
			}
			if status := websocket.CloseStatus(err); status != -1 {
				if status == websocket.StatusNormalClosure {
					return context.Canceled
				}
				return fmt.Errorf("read: remote closed with status %d", status)
			}
			return fmt.Errorf("read: %w", err)
		}
		if msgType != websocket.MessageText {
			continue
		}

		var resp controlResponse
		if err := json.Unmarshal(data, &resp); err == nil && resp.ID > 0 {
			if resp.Error != nil {
				sm.logger.Error("binance control request rejected",
					observability.F("id", resp.ID),
					observability.F("code", resp.Error.Code),
					observability.F("msg", resp.Error.Msg))
			}
			continue
		}

		sm.metrics.recordMessage(ctx, len(data))
		if sm.handler != nil {
			sm.handler(ctx, data)
		}
	}
}

func isClosed(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) || errors.Is(err, net.ErrClosed)
}
