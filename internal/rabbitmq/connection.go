package rabbitmq

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// ConnectionStateListener receives connection state change notifications
type ConnectionStateListener interface {
	OnConnected()
	OnDisconnected(err error)
}

// connection is the subset of *amqp.Connection the manager relies on
type connection interface {
	Channel() (*amqp.Channel, error)
	NotifyClose(receiver chan *amqp.Error) chan *amqp.Error
	IsClosed() bool
	Close() error
}

type dialFunc func(url string, cfg amqp.Config) (connection, error)

func dialAMQP(url string, cfg amqp.Config) (connection, error) {
	conn, err := amqp.DialConfig(url, cfg)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// ConnectionManager owns the broker connection and opens channels on it.
// It does not reconnect: a lost connection is reported to listeners and
// every later call fails until Connect is invoked again.
type ConnectionManager struct {
	url            string
	conn           connection
	mu             sync.RWMutex
	connectTimeout time.Duration
	heartbeat      time.Duration
	logger         *slog.Logger
	dial           dialFunc
	stateListeners []ConnectionStateListener
	listenersMu    sync.RWMutex
}

// ConnectionOption configures the ConnectionManager
type ConnectionOption func(*ConnectionManager)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.logger = logger
	}
}

// WithConnectTimeout bounds the initial dial
func WithConnectTimeout(timeout time.Duration) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.connectTimeout = timeout
	}
}

// WithHeartbeat sets the AMQP heartbeat interval
func WithHeartbeat(interval time.Duration) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.heartbeat = interval
	}
}

// NewConnectionManager creates a new connection manager
func NewConnectionManager(url string, options ...ConnectionOption) *ConnectionManager {
	cm := &ConnectionManager{
		url:            url,
		connectTimeout: 30 * time.Second,
		heartbeat:      10 * time.Second,
		logger:         slog.Default(),
		dial:           dialAMQP,
	}

	for _, opt := range options {
		opt(cm)
	}

	return cm
}

// Connect dials the broker unless a live connection already exists
func (cm *ConnectionManager) Connect(ctx context.Context) error {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	if cm.conn != nil && !cm.conn.IsClosed() {
		return nil
	}

	connCtx, cancel := context.WithTimeout(ctx, cm.connectTimeout)
	defer cancel()

	type result struct {
		conn connection
		err  error
	}
	done := make(chan result, 1)

	go func() {
		conn, err := cm.dial(cm.url, amqp.Config{Heartbeat: cm.heartbeat, Locale: "en_US"})
		done <- result{conn: conn, err: err}
	}()

	select {
	case res := <-done:
		if res.err != nil {
			return &ConnectionError{
				Op:        "connect",
				URL:       SanitizeURL(cm.url),
				Err:       res.err,
				Timestamp: time.Now(),
			}
		}
		cm.conn = res.conn
		notifyClose := cm.conn.NotifyClose(make(chan *amqp.Error, 1))
		go cm.watch(res.conn, notifyClose)

		cm.logger.Info("connected to RabbitMQ", "url", SanitizeURL(cm.url))
		cm.notifyConnected()
		return nil

	case <-connCtx.Done():
		// A late dial result still owns a socket
		go func() {
			if res := <-done; res.err == nil {
				res.conn.Close()
			}
		}()
		return &ConnectionError{
			Op:        "connect",
			URL:       SanitizeURL(cm.url),
			Err:       ErrConnectionTimeout,
			Timestamp: time.Now(),
		}
	}
}

func (cm *ConnectionManager) watch(conn connection, notifyClose chan *amqp.Error) {
	amqpErr, ok := <-notifyClose
	var err error
	if ok && amqpErr != nil {
		err = amqpErr
		cm.logger.Error("connection closed", "error", amqpErr)
	}

	cm.mu.Lock()
	if cm.conn == conn {
		cm.conn = nil
	}
	cm.mu.Unlock()

	cm.notifyDisconnected(err)
}

// Channel opens a new AMQP channel on the current connection
func (cm *ConnectionManager) Channel() (*amqp.Channel, error) {
	cm.mu.RLock()
	conn := cm.conn
	cm.mu.RUnlock()

	if conn == nil {
		return nil, ErrConnectionNotReady
	}
	if conn.IsClosed() {
		return nil, ErrConnectionClosed
	}

	ch, err := conn.Channel()
	if err != nil {
		return nil, &ChannelError{
			Op:        "open",
			ChannelID: "new",
			Err:       errors.Join(ErrChannelCreationFailed, err),
			Timestamp: time.Now(),
		}
	}
	return ch, nil
}

// IsConnected returns the connection status
func (cm *ConnectionManager) IsConnected() bool {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return cm.conn != nil && !cm.conn.IsClosed()
}

// Close closes the connection
func (cm *ConnectionManager) Close() error {
	cm.mu.Lock()
	conn := cm.conn
	cm.conn = nil
	cm.mu.Unlock()

	if conn == nil || conn.IsClosed() {
		return nil
	}
	cm.logger.Info("closing RabbitMQ connection", "url", SanitizeURL(cm.url))
	return conn.Close()
}

// AddStateListener adds a connection state listener
func (cm *ConnectionManager) AddStateListener(listener ConnectionStateListener) {
	cm.listenersMu.Lock()
	defer cm.listenersMu.Unlock()
	cm.stateListeners = append(cm.stateListeners, listener)
}

// RemoveStateListener removes a connection state listener
func (cm *ConnectionManager) RemoveStateListener(listener ConnectionStateListener) {
	cm.listenersMu.Lock()
	defer cm.listenersMu.Unlock()

	for i, l := range cm.stateListeners {
		if l == listener {
			cm.stateListeners = append(cm.stateListeners[:i], cm.stateListeners[i+1:]...)
			break
		}
	}
}

func (cm *ConnectionManager) notifyConnected() {
	cm.listenersMu.RLock()
	defer cm.listenersMu.RUnlock()

	for _, listener := range cm.stateListeners {
		go listener.OnConnected()
	}
}

func (cm *ConnectionManager) notifyDisconnected(err error) {
	cm.listenersMu.RLock()
	defer cm.listenersMu.RUnlock()

	for _, listener := range cm.stateListeners {
		go listener.OnDisconnected(err)
	}
}
