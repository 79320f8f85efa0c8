package transport

import (
	"context"
	"strconv"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/dmesh/dmesh-go/wire"
)

// MessageCallback is called for each wire object a transport surfaces,
// tagged with the originating transport name.
type MessageCallback func(item Received)

// ErrorCallback is called for carrier failures, tagged with the
// originating transport name.
type ErrorCallback func(transportName string, err error)

// bestOrder is the selection preference when callers ask for "best".
var bestOrder = []string{"clipboard", "qr", "file"}

// Manager owns the transport registry, dispatches sends and receives by
// name, and fans incoming traffic out to subscribers.
type Manager struct {
	mu         sync.RWMutex
	transports map[string]Transport
	onMessage  map[string]MessageCallback
	onError    map[string]ErrorCallback
	nextID     atomic.Uint64
	log        *zap.Logger
}

// NewManager creates an empty transport registry.
func NewManager(log *zap.Logger) *Manager {
	if log == nil {
		log = zap.NewNop()
	}
	return &Manager{
		transports: make(map[string]Transport),
		onMessage:  make(map[string]MessageCallback),
		onError:    make(map[string]ErrorCallback),
		log:        log,
	}
}

// Register adds a transport under its own name, replacing any previous
// registration.
func (m *Manager) Register(t Transport) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.transports[t.Name()] = t
	m.log.Debug("transport registered", zap.String("transport", t.Name()))
}

// Get returns a registered transport by name.
func (m *Manager) Get(name string) (Transport, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.transports[name]
	if !ok {
		return nil, ErrUnknownTransport
	}
	return t, nil
}

// Available returns the names of transports whose carriers are usable.
func (m *Manager) Available() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []string
	for name, t := range m.transports {
		if t.Available() {
			out = append(out, name)
		}
	}
	return out
}

// Best returns the preferred available transport: clipboard, then QR,
// then file, then anything else that is available.
func (m *Manager) Best() (Transport, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, name := range bestOrder {
		if t, ok := m.transports[name]; ok && t.Available() {
			return t, nil
		}
	}
	for _, t := range m.transports {
		if t.Available() {
			return t, nil
		}
	}
	return nil, ErrUnavailable
}

// Send dispatches an envelope through the named transport.
func (m *Manager) Send(ctx context.Context, name string, env *wire.Envelope) ([]string, error) {
	t, err := m.Get(name)
	if err != nil {
		return nil, err
	}
	units, err := t.Send(ctx, env)
	if err != nil {
		m.notifyError(name, err)
		return nil, err
	}
	m.log.Debug("sent", zap.String("transport", name), zap.Int("units", len(units)))
	return units, nil
}

// Receive polls the named transport and fans results out to subscribers
// before returning them.
func (m *Manager) Receive(ctx context.Context, name string) ([]Received, error) {
	t, err := m.Get(name)
	if err != nil {
		return nil, err
	}
	items, err := t.Receive(ctx)
	if err != nil {
		m.notifyError(name, err)
		return nil, err
	}
	for _, item := range items {
		m.notifyMessage(item)
	}
	return items, nil
}

// OnMessage registers a callback for every inbound wire object. Returns
// an unsubscribe function.
func (m *Manager) OnMessage(cb MessageCallback) func() {
	id := strconv.FormatUint(m.nextID.Add(1), 10)
	m.mu.Lock()
	m.onMessage[id] = cb
	m.mu.Unlock()
	return func() {
		m.mu.Lock()
		delete(m.onMessage, id)
		m.mu.Unlock()
	}
}

// OnError registers a callback for carrier failures. Returns an
// unsubscribe function.
func (m *Manager) OnError(cb ErrorCallback) func() {
	id := strconv.FormatUint(m.nextID.Add(1), 10)
	m.mu.Lock()
	m.onError[id] = cb
	m.mu.Unlock()
	return func() {
		m.mu.Lock()
		delete(m.onError, id)
		m.mu.Unlock()
	}
}

// Dispatch feeds an externally received item (a processed QR scan, a file
// blob) through the subscriber fan-out.
func (m *Manager) Dispatch(item Received) {
	m.notifyMessage(item)
}

func (m *Manager) notifyMessage(item Received) {
	m.mu.RLock()
	cbs := make([]MessageCallback, 0, len(m.onMessage))
	for _, cb := range m.onMessage {
		cbs = append(cbs, cb)
	}
	m.mu.RUnlock()
	for _, cb := range cbs {
		cb(item)
	}
}

func (m *Manager) notifyError(transportName string, err error) {
	m.log.Warn("transport error", zap.String("transport", transportName), zap.Error(err))
	m.mu.RLock()
	cbs := make([]ErrorCallback, 0, len(m.onError))
	for _, cb := range m.onError {
		cbs = append(cbs, cb)
	}
	m.mu.RUnlock()
	for _, cb := range cbs {
		cb(transportName, err)
	}
}

// StartAll starts listening on every available transport.
func (m *Manager) StartAll(ctx context.Context) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for name, t := range m.transports {
		if !t.Available() {
			continue
		}
		if err := t.StartListening(ctx); err != nil {
			m.log.Warn("start listening failed", zap.String("transport", name), zap.Error(err))
			return err
		}
	}
	return nil
}

// StopAll stops listening on every transport.
func (m *Manager) StopAll() {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for name, t := range m.transports {
		if err := t.StopListening(); err != nil {
			m.log.Warn("stop listening failed", zap.String("transport", name), zap.Error(err))
		}
	}
}
