package notify

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/devctx/contextcache/types"
	"github.com/devctx/contextcache/utils"
)

type brokerState int32

const (
	stateStopped brokerState = iota
	stateRunning
	stateReconnecting
	stateStopping
)

const (
	defaultReconnectDelay = 5 * time.Second
	defaultMaxRetries     = 10
	pingInterval          = 54 * time.Second
	writeWait             = 10 * time.Second
	sendBuffer            = 256
)

// Broker forwards cache events to an external WebSocket endpoint so other
// tooling can react to invalidations and similarity adoptions. Publishing is
// fire-and-forget: a full send queue drops the event rather than stalling
// the cache.
type Broker struct {
	ctx    context.Context
	cancel context.CancelFunc
	logger types.Logger
	config *types.NotifyConfig

	cache  types.ContextCache
	unsub  func()
	events <-chan types.CacheEvent

	conn    *websocket.Conn
	connMu  sync.RWMutex
	send    chan *types.CacheEvent
	state   atomic.Value
	retries int32

	wg sync.WaitGroup
}

func NewBroker(logger types.Logger, config *types.NotifyConfig, cache types.ContextCache) (*Broker, error) {
	if config == nil || config.URL == "" {
		return nil, types.Errorf(types.ErrConfigValidateFailed, "notify url missing")
	}

	cfg := *config
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = defaultReconnectDelay
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = defaultMaxRetries
	}

	ctx, cancel := context.WithCancel(context.Background())
	b := &Broker{
		ctx:    ctx,
		cancel: cancel,
		logger: logger,
		config: &cfg,
		cache:  cache,
		send:   make(chan *types.CacheEvent, sendBuffer),
	}
	b.state.Store(stateStopped)

	logger.Info("notify broker initialized",
		zap.String("url", cfg.URL),
		zap.Duration("reconnect_delay", cfg.ReconnectDelay))
	return b, nil
}

func (b *Broker) Start() error {
	if !b.state.CompareAndSwap(stateStopped, stateRunning) {
		return types.ErrServerAlreadyRunning
	}

	if err := b.connect(); err != nil {
		b.state.Store(stateStopped)
		return types.WrapError(err, "initial notify connection")
	}

	b.events, b.unsub = b.cache.Subscribe(sendBuffer)

	b.wg.Add(2)
	go b.forwardLoop()
	go b.writePump()

	b.logger.Info("notify broker started")
	return nil
}

func (b *Broker) Stop() error {
	if !b.state.CompareAndSwap(stateRunning, stateStopping) &&
		!b.state.CompareAndSwap(stateReconnecting, stateStopping) {
		return types.ErrServerNotRunning
	}

	if b.unsub != nil {
		b.unsub()
	}
	b.cancel()
	b.wg.Wait()

	b.connMu.Lock()
	if b.conn != nil {
		_ = b.conn.Close()
		b.conn = nil
	}
	b.connMu.Unlock()

	b.state.Store(stateStopped)
	b.logger.Info("notify broker stopped")
	return nil
}

func (b *Broker) IsRunning() bool {
	state := b.state.Load().(brokerState)
	return state == stateRunning || state == stateReconnecting
}

// Publish queues one event for delivery. Never blocks.
func (b *Broker) Publish(event types.CacheEvent) error {
	if !b.IsRunning() {
		return types.ErrBrokerNotConnected
	}

	select {
	case b.send <- &event:
		return nil
	default:
		b.logger.Warn("notify queue full, dropping event",
			zap.String("type", string(event.Type)),
			zap.String("key", event.Key))
		return nil
	}
}

func (b *Broker) connect() error {
	dialer := websocket.Dialer{HandshakeTimeout: writeWait}
	conn, _, err := dialer.DialContext(b.ctx, b.config.URL, nil)
	if err != nil {
		return err
	}

	b.connMu.Lock()
	if b.conn != nil {
		_ = b.conn.Close()
	}
	b.conn = conn
	b.connMu.Unlock()

	atomic.StoreInt32(&b.retries, 0)
	return nil
}

func (b *Broker) forwardLoop() {
	defer b.wg.Done()
	for {
		select {
		case <-b.ctx.Done():
			return
		case event, ok := <-b.events:
			if !ok {
				return
			}
			_ = b.Publish(event)
		}
	}
}

func (b *Broker) writePump() {
	defer b.wg.Done()

	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-b.ctx.Done():
			return
		case event := <-b.send:
			if !b.writeEvent(event) {
				if !b.reconnect() {
					return
				}
			}
		case <-ticker.C:
			if !b.writeControl(websocket.PingMessage) {
				if !b.reconnect() {
					return
				}
			}
		}
	}
}

func (b *Broker) writeEvent(event *types.CacheEvent) bool {
	data, err := utils.Marshal(event)
	if err != nil {
		b.logger.Error("event marshal failed", zap.Error(err))
		return true
	}

	b.connMu.RLock()
	defer b.connMu.RUnlock()
	if b.conn == nil {
		return false
	}

	_ = b.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := b.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		b.logger.Warn("event write failed", zap.Error(err))
		return false
	}
	return true
}

func (b *Broker) writeControl(messageType int) bool {
	b.connMu.RLock()
	defer b.connMu.RUnlock()
	if b.conn == nil {
		return false
	}

	_ = b.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return b.conn.WriteMessage(messageType, nil) == nil
}

// reconnect retries with a fixed delay up to the configured attempt limit.
// Returns false when the broker should give up.
func (b *Broker) reconnect() bool {
	if !b.state.CompareAndSwap(stateRunning, stateReconnecting) {
		return false
	}

	for {
		attempt := atomic.AddInt32(&b.retries, 1)
		if int(attempt) > b.config.MaxRetries {
			b.logger.Error("notify reconnect attempts exhausted",
				zap.Int32("attempts", attempt-1))
			b.state.Store(stateStopped)
			return false
		}

		select {
		case <-b.ctx.Done():
			return false
		case <-time.After(b.config.ReconnectDelay):
		}

		if err := b.connect(); err != nil {
			b.logger.Warn("notify reconnect failed",
				zap.Int32("attempt", attempt),
				zap.Error(err))
			continue
		}

		b.state.Store(stateRunning)
		b.logger.Info("notify broker reconnected")
		return true
	}
}
