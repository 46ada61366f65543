package session

import (
	"sync"

	"github.com/backkem/rmp/pkg/fabric"
	"github.com/backkem/rmp/pkg/message"
	"github.com/backkem/rmp/pkg/transport"
)

// Manager coordinates session contexts for message encryption/decryption.
// It provides the main API for session management used by pkg/exchange.
//
// The Manager maintains:
//   - A table of secure session contexts (PASE/CASE)
//   - A global message counter for unsecured messages
type Manager struct {
	secure        *Table
	globalCounter *message.GlobalCounter
	transport     *transport.Manager
	unsecured     map[fabric.NodeID]*UnsecuredContext

	mu sync.RWMutex
}

// ManagerConfig configures the session manager.
type ManagerConfig struct {
	// MaxSessions limits the number of concurrent secure sessions.
	// Default: DefaultMaxSessions (16)
	MaxSessions int

	// Transport sends prepared messages for this manager's sessions.
	// Required for SendPreparedMessage; nil is valid for managers that
	// never send reliable messages (e.g. some tests).
	Transport *transport.Manager
}

// NewManager creates a new session manager.
func NewManager(config ManagerConfig) *Manager {
	if config.MaxSessions <= 0 {
		config.MaxSessions = DefaultMaxSessions
	}

	return &Manager{
		secure:        NewTable(config.MaxSessions),
		globalCounter: message.NewGlobalCounter(),
		transport:     config.Transport,
		unsecured:     make(map[fabric.NodeID]*UnsecuredContext),
	}
}

// FindOrCreateUnsecuredContext returns the unsecured session context for
// sourceNodeID, creating a responder context on first sight. Per Spec
// Section 4.13.2.1, an unsecured session is identified by the peer's
// ephemeral node ID for the duration of the handshake.
func (m *Manager) FindOrCreateUnsecuredContext(sourceNodeID fabric.NodeID) (*UnsecuredContext, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if ctx, ok := m.unsecured[sourceNodeID]; ok {
		return ctx, nil
	}

	ctx, err := NewUnsecuredContext(SessionRoleResponder)
	if err != nil {
		return nil, err
	}
	ctx.SetEphemeralNodeID(sourceNodeID)
	m.unsecured[sourceNodeID] = ctx
	return ctx, nil
}

// SendPreparedMessage hands an already-encoded, already-encrypted buffer
// to the transport layer for (re)transmission. This is the SessionManager
// collaborator spec section 6 requires: the reliable message manager
// never encodes on retry, only resends what was retained.
func (m *Manager) SendPreparedMessage(peer transport.PeerAddress, buf message.RetainedBuffer) error {
	if m.transport == nil {
		return ErrNoTransport
	}
	if buf.IsNull() {
		return ErrInvalidKey
	}
	return m.transport.Send(buf.Bytes(), peer)
}

// RefreshSessionOperationalData asks a secure session to refresh its
// operational addressing data after its first unacknowledged send. Per
// spec section 9, a nil session is treated as a no-op rather than an
// error (covers the case where the exchange's session handle has already
// gone away).
func (m *Manager) RefreshSessionOperationalData(sess *SecureContext) {
	if sess == nil {
		return
	}
	sess.RefreshOperationalData()
}

// AllocateSessionID allocates a new unique session ID.
// Returns ErrSessionTableFull if no more sessions can be added.
func (m *Manager) AllocateSessionID() (uint16, error) {
	return m.secure.AllocateID()
}

// AddSecureContext adds a new secure session context.
// Called after successful PASE/CASE completion.
func (m *Manager) AddSecureContext(ctx *SecureContext) error {
	return m.secure.Add(ctx)
}

// RemoveSecureContext removes a secure session context by local session ID.
// The session's keys are zeroized before removal.
func (m *Manager) RemoveSecureContext(localSessionID uint16) {
	ctx := m.secure.FindByLocalID(localSessionID)
	if ctx != nil {
		ctx.ZeroizeKeys()
	}
	m.secure.Remove(localSessionID)
}

// FindSecureContext finds a secure context by local session ID.
// Returns nil if not found.
func (m *Manager) FindSecureContext(localSessionID uint16) *SecureContext {
	return m.secure.FindByLocalID(localSessionID)
}

// FindSecureContextByPeer finds all contexts for a specific peer.
// Returns an empty slice if none found.
func (m *Manager) FindSecureContextByPeer(fabricIndex fabric.FabricIndex, nodeID fabric.NodeID) []*SecureContext {
	return m.secure.FindByPeer(fabricIndex, nodeID)
}

// FindSecureContextByFabric finds all contexts on a specific fabric.
func (m *Manager) FindSecureContextByFabric(fabricIndex fabric.FabricIndex) []*SecureContext {
	return m.secure.FindByFabric(fabricIndex)
}

// SecureSessionCount returns the number of active secure sessions.
func (m *Manager) SecureSessionCount() int {
	return m.secure.Count()
}

// IsSecureTableFull returns true if no more secure sessions can be added.
func (m *Manager) IsSecureTableFull() bool {
	return m.secure.IsFull()
}

// GlobalCounter returns the global message counter for unsecured messages.
// Used during PASE/CASE handshake.
func (m *Manager) GlobalCounter() *message.GlobalCounter {
	return m.globalCounter
}

// NextGlobalCounter returns and increments the global message counter.
func (m *Manager) NextGlobalCounter() (uint32, error) {
	return m.globalCounter.Next()
}

// RemoveFabric removes all sessions on a fabric.
// Called when a fabric is removed from the node.
func (m *Manager) RemoveFabric(fabricIndex fabric.FabricIndex) {
	// Remove all secure sessions on this fabric
	sessions := m.secure.FindByFabric(fabricIndex)
	for _, ctx := range sessions {
		ctx.ZeroizeKeys()
	}
	m.secure.RemoveByFabric(fabricIndex)
}

// RemovePeer removes all sessions to a specific peer.
// Called when a peer node is removed.
func (m *Manager) RemovePeer(fabricIndex fabric.FabricIndex, nodeID fabric.NodeID) {
	// Remove secure sessions
	sessions := m.secure.FindByPeer(fabricIndex, nodeID)
	for _, ctx := range sessions {
		ctx.ZeroizeKeys()
	}
	m.secure.RemoveByPeer(fabricIndex, nodeID)
}

// Clear removes all sessions and resets the manager.
// This zeroizes all session keys.
func (m *Manager) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()

	// Zeroize all session keys
	m.secure.ForEach(func(ctx *SecureContext) bool {
		ctx.ZeroizeKeys()
		return true
	})

	// Clear tables
	m.secure.Clear()

	// Reset global counter
	m.globalCounter = message.NewGlobalCounter()
}

// ForEachSecureSession calls fn for each secure session.
// The callback receives the session context and should return true to continue.
func (m *Manager) ForEachSecureSession(fn func(*SecureContext) bool) {
	m.secure.ForEach(fn)
}
