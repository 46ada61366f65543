package exchange

import (
	"crypto/rand"
	"encoding/binary"
	"sync"

	"github.com/backkem/rmp/pkg/fabric"
	"github.com/backkem/rmp/pkg/message"
	"github.com/backkem/rmp/pkg/session"
	"github.com/backkem/rmp/pkg/system"
	"github.com/backkem/rmp/pkg/transport"
	"github.com/pion/logging"
	"github.com/prometheus/client_golang/prometheus"
)

// ProtocolHandler handles messages for a specific protocol.
// Register handlers with Manager.RegisterProtocol().
type ProtocolHandler interface {
	// OnMessage handles a message on an existing exchange.
	// Returns response payload (if any) and error.
	OnMessage(ctx *ExchangeContext, opcode uint8, payload []byte) ([]byte, error)

	// OnUnsolicited handles a new unsolicited message (first message creating an exchange).
	// Returns response payload (if any) and error.
	OnUnsolicited(ctx *ExchangeContext, opcode uint8, payload []byte) ([]byte, error)
}

// ManagerConfig configures the exchange Manager.
type ManagerConfig struct {
	// SessionManager manages session contexts.
	SessionManager *session.Manager

	// TransportManager handles network I/O.
	TransportManager *transport.Manager

	// SystemLayer supplies the clock and one-shot timer the embedded
	// ReliableMessageMgr schedules against. Defaults to system.NewRealLayer().
	SystemLayer system.Layer

	// MaxRetrans overrides DefaultMaxRetrans for the embedded
	// ReliableMessageMgr.
	MaxRetrans int

	// MaxExchangeContexts overrides DefaultMaxExchangeContexts for the
	// embedded ReliableMessageMgr's retrans table.
	MaxExchangeContexts int

	// LoggerFactory creates this manager's and the embedded
	// ReliableMessageMgr's loggers. Nil disables logging.
	LoggerFactory logging.LoggerFactory

	// MetricsRegisterer registers the embedded ReliableMessageMgr's
	// prometheus metrics. Nil constructs unregistered (but usable) metrics.
	MetricsRegisterer prometheus.Registerer
}

// Manager coordinates message exchanges and MRP.
// It routes messages between transport/session layers and protocol handlers.
type Manager struct {
	config ManagerConfig

	// exchanges maps {sessionID, exchangeID, role} to exchange context.
	exchanges map[exchangeKey]*ExchangeContext

	// handlers maps protocol ID to handler.
	handlers map[message.ProtocolID]ProtocolHandler

	// reliableMgr owns the retrans table and the single tickless timer, per
	// Spec Section 4.3. One instance per Manager, matching "single global
	// per endpoint" in Spec Section 3.
	reliableMgr *ReliableMessageMgr

	log logging.LeveledLogger

	// nextExchangeID is the next exchange ID to allocate (for initiator).
	// Per Spec 4.10.2: First is random, subsequent increment by 1.
	nextExchangeID uint16

	mu sync.RWMutex
}

// NewManager creates a new exchange manager.
func NewManager(config ManagerConfig) *Manager {
	m := &Manager{
		config:    config,
		exchanges: make(map[exchangeKey]*ExchangeContext),
		handlers:  make(map[message.ProtocolID]ProtocolHandler),
	}

	if config.LoggerFactory != nil {
		m.log = config.LoggerFactory.NewLogger("exchange")
	}

	layer := config.SystemLayer
	if layer == nil {
		layer = system.NewRealLayer()
	}
	m.reliableMgr = newReliableMessageMgr(ReliableMessageMgrConfig{
		MaxRetrans:          config.MaxRetrans,
		MaxExchangeContexts: config.MaxExchangeContexts,
		SystemLayer:         layer,
		SessionManager:      config.SessionManager,
		LoggerFactory:       config.LoggerFactory,
		MetricsRegisterer:   config.MetricsRegisterer,
	}, m)

	// Initialize with random exchange ID
	var buf [2]byte
	if _, err := rand.Read(buf[:]); err == nil {
		m.nextExchangeID = binary.LittleEndian.Uint16(buf[:])
	}

	return m
}

// forEachContext satisfies the contextPool interface consumed by
// ReliableMessageMgr's ack pass and timer scheduling.
func (m *Manager) forEachContext(f func(*ExchangeContext) bool) {
	m.mu.RLock()
	ctxs := make([]*ExchangeContext, 0, len(m.exchanges))
	for _, ctx := range m.exchanges {
		ctxs = append(ctxs, ctx)
	}
	m.mu.RUnlock()

	for _, ctx := range ctxs {
		if !f(ctx) {
			return
		}
	}
}

// RegisterProtocol registers a handler for a protocol ID.
func (m *Manager) RegisterProtocol(protocolID message.ProtocolID, handler ProtocolHandler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[protocolID] = handler
}

// NewExchange creates a new exchange as initiator.
// Returns a new ExchangeContext ready for sending the first message.
func (m *Manager) NewExchange(
	sess SessionContext,
	localSessionID uint16,
	peerAddress transport.PeerAddress,
	protocolID message.ProtocolID,
	delegate ExchangeDelegate,
) (*ExchangeContext, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	// Allocate exchange ID
	exchangeID := m.nextExchangeID
	m.nextExchangeID++

	key := exchangeKey{
		localSessionID: localSessionID,
		exchangeID:     exchangeID,
		role:           ExchangeRoleInitiator,
	}

	// Check for collision (unlikely but possible after 65536 exchanges)
	if _, exists := m.exchanges[key]; exists {
		return nil, ErrExchangeExists
	}

	ctx := NewExchangeContext(ExchangeContextConfig{
		ID:             exchangeID,
		Role:           ExchangeRoleInitiator,
		ProtocolID:     protocolID,
		LocalSessionID: localSessionID,
		Session:        sess,
		PeerAddress:    peerAddress,
		Delegate:       delegate,
		Manager:        m,
		Log:            m.log,
	})

	m.exchanges[key] = ctx
	return ctx, nil
}

// OnMessageReceived processes an incoming message from transport.
// This is the main entry point for the receive path.
//
// Flow:
//  1. Parse message header, look up session
//  2. Decrypt if secure session
//  3. Match to existing exchange or create new one
//  4. Process MRP flags (A flag: check_and_remove, R flag: schedule ack)
//  5. Dispatch to protocol handler
func (m *Manager) OnMessageReceived(msg *transport.ReceivedMessage) error {
	// Parse message header to get session ID
	var header message.MessageHeader
	_, err := header.Decode(msg.Data)
	if err != nil {
		return ErrInvalidMessage
	}

	// Look up session
	var sess SessionContext
	var frame *message.Frame

	if header.SessionID == 0 {
		// Unsecured session (handshake phase)
		// For unsecured, we parse the protocol header directly
		frame, err = message.DecodeUnsecured(msg.Data)
		if err != nil {
			return ErrInvalidMessage
		}

		// Per Spec 4.13.2.1: Look up or create UnsecuredContext by source node ID
		// Source must be present for unsecured messages
		if !header.SourcePresent {
			return ErrInvalidMessage
		}

		sourceNodeID := fabric.NodeID(header.SourceNodeID)
		unsecuredCtx, err := m.config.SessionManager.FindOrCreateUnsecuredContext(sourceNodeID)
		if err != nil {
			return err
		}

		// Check message counter for replay
		if !unsecuredCtx.CheckCounter(header.MessageCounter) {
			return ErrInvalidMessage
		}

		sess = unsecuredCtx
	} else {
		// Secure session - decrypt
		secureCtx := m.config.SessionManager.FindSecureContext(header.SessionID)
		if secureCtx == nil {
			return ErrSessionNotFound
		}
		sess = secureCtx

		frame, err = secureCtx.Decrypt(msg.Data)
		if err != nil {
			return err
		}
	}

	return m.processFrame(frame, msg.PeerAddr, sess)
}

// processFrame handles a decoded frame.
func (m *Manager) processFrame(frame *message.Frame, peerAddr transport.PeerAddress, sess SessionContext) error {
	proto := &frame.Protocol

	// Determine our role: if I flag set, sender is initiator, we are responder
	var ourRole ExchangeRole
	if proto.Initiator {
		ourRole = ExchangeRoleResponder
	} else {
		ourRole = ExchangeRoleInitiator
	}

	// Get local session ID for key
	localSessionID := frame.Header.SessionID

	key := exchangeKey{
		localSessionID: localSessionID,
		exchangeID:     proto.ExchangeID,
		role:           ourRole,
	}

	// Match to existing exchange
	m.mu.RLock()
	ctx, exists := m.exchanges[key]
	m.mu.RUnlock()

	if !exists {
		// Unsolicited message
		return m.handleUnsolicited(frame, peerAddr, sess, key)
	}

	// Process A flag (received ack), per Spec Section 4.3's check_and_remove.
	if proto.Acknowledgement {
		m.reliableMgr.CheckAndRemove(ctx, proto.AckedMessageCounter)
	}

	// Process R flag (need to send ack)
	if proto.Reliability {
		m.scheduleAck(ctx, frame.Header.MessageCounter)
	}

	// Dispatch to exchange
	response, err := ctx.handleMessage(proto, frame.Payload)
	if err != nil {
		return err
	}

	// Send response if any
	if response != nil {
		// Determine if response should be reliable
		// Typically responses are reliable for request-response patterns
		reliable := peerAddr.TransportType == transport.TransportTypeUDP
		return ctx.SendMessage(proto.ProtocolOpcode, response, reliable)
	}

	return nil
}

// handleUnsolicited processes a message that doesn't match an existing exchange.
func (m *Manager) handleUnsolicited(
	frame *message.Frame,
	peerAddr transport.PeerAddress,
	sess SessionContext,
	key exchangeKey,
) error {
	proto := frame.Protocol

	// Per Spec 4.10.5.2:
	// 1. If I flag set + registered protocol → create exchange
	// 2. If R flag set → send standalone ACK, drop
	// 3. Otherwise → drop

	if !proto.Initiator {
		// Not from initiator - check if needs ACK
		if proto.Reliability {
			m.sendStandaloneAckForUnsolicited(frame, peerAddr, sess)
		}
		return ErrUnsolicitedNotInitiator
	}

	// Check for registered protocol handler
	m.mu.RLock()
	handler, hasHandler := m.handlers[proto.ProtocolID]
	m.mu.RUnlock()

	if !hasHandler {
		// No handler - send ACK if requested, then drop
		if proto.Reliability {
			m.sendStandaloneAckForUnsolicited(frame, peerAddr, sess)
		}
		return ErrNoHandler
	}

	// Create new exchange as responder
	localSessionID := frame.Header.SessionID

	ctx := NewExchangeContext(ExchangeContextConfig{
		ID:             proto.ExchangeID,
		Role:           ExchangeRoleResponder,
		ProtocolID:     proto.ProtocolID,
		LocalSessionID: localSessionID,
		Session:        sess,
		PeerAddress:    peerAddr,
		Manager:        m,
		Log:            m.log,
	})

	m.mu.Lock()
	m.exchanges[key] = ctx
	m.mu.Unlock()

	// Schedule ACK if reliable
	if proto.Reliability {
		m.scheduleAck(ctx, frame.Header.MessageCounter)
	}

	// Dispatch to protocol handler
	response, err := handler.OnUnsolicited(ctx, proto.ProtocolOpcode, frame.Payload)
	if err != nil {
		// Remove exchange on error
		m.mu.Lock()
		delete(m.exchanges, key)
		m.mu.Unlock()
		return err
	}

	// Send response if any
	if response != nil {
		reliable := peerAddr.TransportType == transport.TransportTypeUDP
		return ctx.SendMessage(proto.ProtocolOpcode, response, reliable)
	}

	return nil
}

// scheduleAck records that messageCounter must be acknowledged, per Spec
// Section 4.2, and rearms the single tickless timer since a new, possibly
// earlier, ack deadline may now be outstanding.
func (m *Manager) scheduleAck(ctx *ExchangeContext, messageCounter uint32) {
	cfg := ctx.GetMRPConfig()
	now := m.reliableMgr.Now()
	ctx.reliable.SetAckPending(messageCounter, now, cfg.ActiveAckTimeout)
	m.reliableMgr.startTimer()
}

// sendStandaloneAckForUnsolicited sends an ephemeral ack for an unsolicited
// message that will not get an exchange (no registered protocol, or
// arrived from a non-initiator). Per Spec 4.10.5.2: create no exchange,
// send one ack-only message, and drop.
func (m *Manager) sendStandaloneAckForUnsolicited(
	frame *message.Frame,
	peerAddr transport.PeerAddress,
	sess SessionContext,
) {
	var ourRole ExchangeRole
	if frame.Protocol.Initiator {
		ourRole = ExchangeRoleResponder
	} else {
		ourRole = ExchangeRoleInitiator
	}

	proto := &message.ProtocolHeader{
		ProtocolID:          message.ProtocolSecureChannel,
		ProtocolOpcode:      opcodeStandaloneAck,
		ExchangeID:          frame.Protocol.ExchangeID,
		Initiator:           ourRole == ExchangeRoleInitiator,
		Acknowledgement:     true,
		Reliability:         false, // Standalone acks are never themselves reliable.
		AckedMessageCounter: frame.Header.MessageCounter,
	}

	secureSess, isSecure := sess.(SecureSessionContext)
	if !isSecure {
		unsecuredCtx, ok := sess.(*session.UnsecuredContext)
		if !ok {
			return
		}
		counter, err := m.config.SessionManager.NextGlobalCounter()
		if err != nil {
			return
		}
		header := &message.MessageHeader{
			SessionID:      0,
			SessionType:    message.SessionTypeUnicast,
			MessageCounter: counter,
			SourceNodeID:   uint64(unsecuredCtx.EphemeralNodeID()),
			SourcePresent:  true,
		}
		f := &message.Frame{Header: *header, Protocol: *proto}
		_ = m.config.TransportManager.Send(f.EncodeUnsecured(), peerAddr)
		return
	}

	header := &message.MessageHeader{SessionID: secureSess.PeerSessionID()}
	encoded, err := secureSess.Encrypt(header, proto, nil, false)
	if err != nil {
		if m.log != nil {
			m.log.Warnf("exchange: failed to encrypt unsolicited standalone ack: %v", err)
		}
		return
	}
	_ = m.config.TransportManager.Send(encoded, peerAddr)
}

// sendStandaloneAckMessage builds and sends an ack-only message for an
// existing exchange. Called by ExchangeContext.sendStandaloneAckMessage.
func (m *Manager) sendStandaloneAckMessage(ctx *ExchangeContext, ackedCounter uint32) error {
	proto := &message.ProtocolHeader{
		ProtocolID:          message.ProtocolSecureChannel,
		ProtocolOpcode:      opcodeStandaloneAck,
		ExchangeID:          ctx.ID,
		Initiator:           ctx.Role == ExchangeRoleInitiator,
		Acknowledgement:     true,
		Reliability:         false,
		AckedMessageCounter: ackedCounter,
	}
	return m.sendMessageInternal(ctx, proto, nil)
}

// sendMessageInternal performs the actual send. For a reliable message,
// this is always the FIRST transmission: the entry is registered with the
// embedded ReliableMessageMgr before the send is attempted (so a full
// retrans table rejects the send instead of sending an untracked
// message), and the retained buffer is attached only after the send
// succeeds. All subsequent transmissions of the same message happen
// exclusively inside ReliableMessageMgr's retransmit pass
// (sendFromRetransTable), per Spec Section 4.3.
func (m *Manager) sendMessageInternal(ctx *ExchangeContext, proto *message.ProtocolHeader, payload []byte) error {
	sess := ctx.Session()
	if sess == nil {
		return ErrSessionNotFound
	}

	secureSession, isSecure := sess.(SecureSessionContext)
	if !isSecure {
		return m.sendUnsecuredMessage(ctx, sess, proto, payload)
	}

	var entry *RetransEntry
	if proto.Reliability {
		var err error
		entry, err = m.reliableMgr.AddToRetransTable(ctx)
		if err != nil {
			return err
		}
	}

	header := &message.MessageHeader{SessionID: secureSession.PeerSessionID()}
	encoded, err := secureSession.Encrypt(header, proto, payload, false)
	if err != nil {
		if entry != nil {
			m.reliableMgr.table.Release(entry)
		}
		return err
	}

	peerAddr := ctx.PeerAddress()
	if err := m.config.TransportManager.Send(encoded, peerAddr); err != nil {
		if entry != nil {
			m.reliableMgr.table.Release(entry)
		}
		return err
	}

	if entry != nil {
		entry.SetBuffer(message.NewRetainedBuffer(encoded, header.MessageCounter), peerAddr)
		m.reliableMgr.StartRetransmission(entry, ctx.GetMRPConfig())
	}

	return nil
}

// removeExchange removes an exchange from the manager.
func (m *Manager) removeExchange(ctx *ExchangeContext) {
	key := ctx.GetKey()

	m.mu.Lock()
	delete(m.exchanges, key)
	m.mu.Unlock()

	// Notify delegate
	if delegate := ctx.GetDelegate(); delegate != nil {
		delegate.OnClose(ctx)
	}
}

// sendUnsecuredMessage sends a message on an unsecured session.
// Unsecured sessions are used during PASE/CASE handshake before encryption is established.
// Per Spec 4.13.2.1: Session ID = 0 and Session Type = Unicast (0).
func (m *Manager) sendUnsecuredMessage(ctx *ExchangeContext, sess SessionContext, proto *message.ProtocolHeader, payload []byte) error {
	// Get source node ID from unsecured context
	unsecuredCtx, ok := sess.(*session.UnsecuredContext)
	if !ok {
		return ErrSessionNotFound
	}

	// Get next global message counter
	counter, err := m.config.SessionManager.NextGlobalCounter()
	if err != nil {
		return err
	}

	var entry *RetransEntry
	if proto.Reliability {
		entry, err = m.reliableMgr.AddToRetransTable(ctx)
		if err != nil {
			return err
		}
	}

	// Build unsecured message header
	// Per Spec 4.4.1: Session ID = 0, Session Type = Unicast for unsecured
	header := &message.MessageHeader{
		SessionID:      0, // Unsecured session
		SessionType:    message.SessionTypeUnicast,
		MessageCounter: counter,
		SourceNodeID:   uint64(unsecuredCtx.EphemeralNodeID()),
		SourcePresent:  true, // Required for unsecured messages
	}

	// Build frame and encode
	frame := &message.Frame{
		Header:   *header,
		Protocol: *proto,
		Payload:  payload,
	}
	encoded := frame.EncodeUnsecured()

	peerAddr := ctx.PeerAddress()
	if err := m.config.TransportManager.Send(encoded, peerAddr); err != nil {
		if entry != nil {
			m.reliableMgr.table.Release(entry)
		}
		return err
	}

	if entry != nil {
		entry.SetBuffer(message.NewRetainedBuffer(encoded, counter), peerAddr)
		m.reliableMgr.StartRetransmission(entry, ctx.GetMRPConfig())
	}

	return nil
}

// GetExchange returns an exchange by key, if it exists.
func (m *Manager) GetExchange(localSessionID, exchangeID uint16, role ExchangeRole) (*ExchangeContext, bool) {
	key := exchangeKey{
		localSessionID: localSessionID,
		exchangeID:     exchangeID,
		role:           role,
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	ctx, exists := m.exchanges[key]
	return ctx, exists
}

// ExchangeCount returns the number of active exchanges.
func (m *Manager) ExchangeCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.exchanges)
}

// Close shuts down the manager and all exchanges.
func (m *Manager) Close() {
	m.mu.Lock()
	exchanges := make([]*ExchangeContext, 0, len(m.exchanges))
	for _, ctx := range m.exchanges {
		exchanges = append(exchanges, ctx)
	}
	m.mu.Unlock()

	// Close all exchanges
	for _, ctx := range exchanges {
		ctx.Close()
	}

	// Drain the embedded ReliableMessageMgr: cancels the timer and empties
	// the retrans table, per Spec Section 8's shutdown invariant.
	m.reliableMgr.Shutdown()
}
