package session

import (
	"context"
	"sync"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"
)

// ErrNoSession is returned when no projection is active.
var ErrNoSession = errors.New("no active projection")

// Manager holds the single active session. Activating a projection closes
// the previous session and drops everything it had loaded.
type Manager struct {
	template Options

	mu     sync.Mutex
	active *Session
}

// NewManager returns a manager opening sessions with opts. The projection
// id in opts is ignored.
func NewManager(opts Options) *Manager {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Metrics == nil {
		opts.Metrics = NewMetrics(nil)
	}
	return &Manager{template: opts}
}

// Activate closes the active session, if any, and opens projectionID.
// On failure no session is active.
func (m *Manager) Activate(ctx context.Context, projectionID string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.closeLocked()
	opts := m.template
	opts.ProjectionID = projectionID
	s, err := Open(ctx, opts)
	if err != nil {
		opts.Logger.Error("projection activation failed",
			zap.String("projection", projectionID), zap.Error(err))
		return nil, err
	}
	m.active = s
	return s, nil
}

// Active returns the active session.
func (m *Manager) Active() (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active == nil {
		return nil, ErrNoSession
	}
	return m.active, nil
}

// Close closes the active session.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closeLocked()
}

func (m *Manager) closeLocked() {
	if m.active == nil {
		return
	}
	m.active.Close()
	m.active = nil
	if m.template.Bytes != nil {
		if err := m.template.Bytes.ResetTiles(); err != nil {
			m.template.Logger.Warn("tile byte cache not reset", zap.Error(err))
		}
	}
}
