package exchange

import (
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/backkem/rmp/pkg/message"
	"github.com/backkem/rmp/pkg/session"
	"github.com/backkem/rmp/pkg/transport"
)

// testSession implements SessionContext for testing.
type testSession struct {
	params    session.Params
	sessionID uint16
	peerID    uint16
	counter   uint32
	mu        sync.Mutex
}

func newTestSession(localID, peerID uint16) *testSession {
	return &testSession{
		params: session.Params{
			IdleInterval:     50 * time.Millisecond, // Fast for tests
			ActiveInterval:   30 * time.Millisecond,
			ActiveThreshold:  100 * time.Millisecond,
			IdleAckTimeout:   20 * time.Millisecond,
			ActiveAckTimeout: 20 * time.Millisecond,
		},
		sessionID: localID,
		peerID:    peerID,
	}
}

func (s *testSession) GetParams() session.Params {
	return s.params
}

func (s *testSession) LocalSessionID() uint16 {
	return s.sessionID
}

func (s *testSession) PeerSessionID() uint16 {
	return s.peerID
}

func (s *testSession) IsPeerActive() bool {
	return false
}

func (s *testSession) Encrypt(header *message.MessageHeader, protocol *message.ProtocolHeader, payload []byte, privacy bool) ([]byte, error) {
	// For testing, encode as unsecured frame with incrementing counter
	s.mu.Lock()
	s.counter++
	header.MessageCounter = s.counter
	s.mu.Unlock()

	header.SessionID = s.peerID
	frame := &message.Frame{
		Header:   *header,
		Protocol: *protocol,
		Payload:  payload,
	}
	return frame.EncodeUnsecured(), nil
}

// createTestTransportManager creates a transport manager for testing with a pipe connection.
func createTestTransportManager(conn net.PacketConn, handler transport.MessageHandler) (*transport.Manager, error) {
	return transport.NewManager(transport.ManagerConfig{
		UDPConn:        conn,
		UDPEnabled:     true,
		TCPEnabled:     false,
		MessageHandler: handler,
	})
}

// noopHandler is a message handler that does nothing.
func noopHandler(msg *transport.ReceivedMessage) {}

// =============================================================================
// E2E Tests: Message Reliability Protocol
// =============================================================================

// TestE2E_InFlightLimit verifies that only one reliable message can be pending
// per exchange at a time (Spec 4.10: flow control).
func TestE2E_InFlightLimit(t *testing.T) {
	// Create transport pair with manual processing for deterministic control
	f0, f1 := transport.NewPipeFactoryPairWithConfig(transport.PipeConfig{
		AutoProcess: false,
	})
	defer f0.Pipe().Close()

	// Create transport managers with pipe connections
	conn0, _ := f0.CreateUDPConn(5540)
	_, _ = f1.CreateUDPConn(5540) // Receiver side

	mgr0, err := createTestTransportManager(conn0, noopHandler)
	if err != nil {
		t.Fatalf("CreateTransportManager: %v", err)
	}

	// Create session
	sess := newTestSession(1, 2)

	// Create exchange manager
	exchMgr := NewManager(ManagerConfig{
		TransportManager: mgr0,
	})

	// Create exchange
	peerAddr := transport.NewUDPPeerAddress(f1.LocalAddr())
	ctx, err := exchMgr.NewExchange(sess, sess.sessionID, peerAddr, message.ProtocolSecureChannel, nil)
	if err != nil {
		t.Fatalf("NewExchange: %v", err)
	}

	// Send first reliable message
	err = ctx.SendMessage(0x01, []byte("first"), true)
	if err != nil {
		t.Fatalf("First SendMessage: %v", err)
	}

	// Verify exchange can no longer send (message-not-acked flag set)
	if ctx.CanSend() {
		t.Error("Expected CanSend() == false after reliable send")
	}

	// Attempt second reliable message - should fail
	err = ctx.SendMessage(0x02, []byte("second"), true)
	if err != ErrPendingRetransmit {
		t.Errorf("Second SendMessage: got %v, want ErrPendingRetransmit", err)
	}

	t.Log("In-flight limit enforced correctly")
}

// TestE2E_MessageCounterMonotonicity verifies that message counters increase.
func TestE2E_MessageCounterMonotonicity(t *testing.T) {
	// Create transport pair with auto-processing
	f0, f1 := transport.NewPipeFactoryPair()
	defer f0.Pipe().Close()

	// Track received message counters
	var counters []uint32
	var mu sync.Mutex

	conn0, _ := f0.CreateUDPConn(5540)
	conn1, _ := f1.CreateUDPConn(5540)

	// Create receiver transport manager with counter-tracking handler
	mgr1, err := transport.NewManager(transport.ManagerConfig{
		UDPConn:    conn1,
		UDPEnabled: true,
		TCPEnabled: false,
		MessageHandler: func(msg *transport.ReceivedMessage) {
			var header message.MessageHeader
			_, err := header.Decode(msg.Data)
			if err != nil {
				return
			}
			mu.Lock()
			counters = append(counters, header.MessageCounter)
			mu.Unlock()
		},
	})
	if err != nil {
		t.Fatalf("CreateTransportManager receiver: %v", err)
	}
	mgr1.Start()
	defer mgr1.Stop()

	// Create sender transport manager
	mgr0, err := createTestTransportManager(conn0, noopHandler)
	if err != nil {
		t.Fatalf("CreateTransportManager sender: %v", err)
	}

	// Create session that tracks counters
	sess := newTestSession(1, 2)

	// Create exchange manager
	exchMgr := NewManager(ManagerConfig{
		TransportManager: mgr0,
	})

	peerAddr := transport.NewUDPPeerAddress(f1.LocalAddr())

	// Send multiple messages on different exchanges (non-reliable to avoid blocking)
	for i := 0; i < 5; i++ {
		ctx, err := exchMgr.NewExchange(sess, sess.sessionID, peerAddr, message.ProtocolSecureChannel, nil)
		if err != nil {
			t.Fatalf("NewExchange %d: %v", i, err)
		}

		err = ctx.SendMessage(uint8(i), []byte("test"), false)
		if err != nil {
			t.Fatalf("SendMessage %d: %v", i, err)
		}
	}

	// Wait for delivery
	time.Sleep(50 * time.Millisecond)

	// Verify counters are monotonically increasing
	mu.Lock()
	defer mu.Unlock()

	if len(counters) < 5 {
		t.Fatalf("Expected 5 messages, got %d", len(counters))
	}

	for i := 1; i < len(counters); i++ {
		if counters[i] <= counters[i-1] {
			t.Errorf("Counter not monotonic: counters[%d]=%d <= counters[%d]=%d",
				i, counters[i], i-1, counters[i-1])
		}
	}

	t.Logf("Message counters monotonically increasing: %v", counters)
}

// =============================================================================
// E2E Tests: Packet Loss Scenarios (Scripted)
// =============================================================================

// TestE2E_PacketLoss_ScriptedDrop tests behavior with specific drop patterns.
// Unlike random drops, this uses a deterministic sequence for reproducibility.
func TestE2E_PacketLoss_ScriptedDrop(t *testing.T) {
	// Create transport pair with manual processing
	f0, f1 := transport.NewPipeFactoryPairWithConfig(transport.PipeConfig{
		AutoProcess: false,
	})
	defer f0.Pipe().Close()

	conn0, _ := f0.CreateUDPConn(5540)
	_, _ = f1.CreateUDPConn(5540) // Receiver side

	// Create sender transport manager
	mgr0, err := createTestTransportManager(conn0, noopHandler)
	if err != nil {
		t.Fatalf("CreateTransportManager: %v", err)
	}

	// Create session
	sess := newTestSession(1, 2)

	// Create exchange manager
	exchMgr := NewManager(ManagerConfig{
		TransportManager: mgr0,
	})

	peerAddr := transport.NewUDPPeerAddress(f1.LocalAddr())

	// Create exchange
	ctx, err := exchMgr.NewExchange(sess, sess.sessionID, peerAddr, message.ProtocolSecureChannel, nil)
	if err != nil {
		t.Fatalf("NewExchange: %v", err)
	}

	// Send message (non-reliable for this test to focus on transport)
	err = ctx.SendMessage(0x01, []byte("test packet"), false)
	if err != nil {
		t.Fatalf("SendMessage: %v", err)
	}

	// Process to deliver
	delivered := f0.Pipe().Process()
	t.Logf("Delivered %d packets", delivered)
}

// TestE2E_NetworkCondition_DropRate tests behavior under packet loss.
func TestE2E_NetworkCondition_DropRate(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping network simulation test in short mode")
	}

	// Create transport pair with 50% drop rate
	f0, f1 := transport.NewPipeFactoryPair()
	defer f0.Pipe().Close()

	f0.SetCondition(transport.NetworkCondition{
		DropRate: 0.5,
	})

	conn0, _ := f0.CreateUDPConn(5540)
	conn1, _ := f1.CreateUDPConn(5540)

	// Count received messages
	var received int32
	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		buf := make([]byte, 1024)
		for {
			conn1.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
			_, _, err := conn1.ReadFrom(buf)
			if err != nil {
				return
			}
			atomic.AddInt32(&received, 1)
		}
	}()

	// Send packets
	const numPackets = 50
	for i := 0; i < numPackets; i++ {
		conn0.WriteTo([]byte("test"), f1.PeerAddr())
		time.Sleep(5 * time.Millisecond)
	}

	wg.Wait()

	r := atomic.LoadInt32(&received)
	dropRate := float64(numPackets-int(r)) / float64(numPackets)

	t.Logf("Sent: %d, Received: %d, Drop rate: %.1f%%", numPackets, r, dropRate*100)

	// With 50% drop rate, expect roughly 20-80% received
	if r < 10 || r > 40 {
		t.Errorf("Unexpected receive count %d for 50%% drop rate", r)
	}
}

// TestE2E_NetworkCondition_Delay tests behavior under network delay.
func TestE2E_NetworkCondition_Delay(t *testing.T) {
	// Create transport pair with delay
	f0, f1 := transport.NewPipeFactoryPair()
	defer f0.Pipe().Close()

	delayDuration := 50 * time.Millisecond
	f0.SetCondition(transport.NetworkCondition{
		DelayMin: delayDuration,
		DelayMax: delayDuration,
	})

	conn0, _ := f0.CreateUDPConn(5540)
	conn1, _ := f1.CreateUDPConn(5540)

	done := make(chan struct{})

	// Start receiver
	go func() {
		buf := make([]byte, 100)
		conn1.ReadFrom(buf)
		close(done)
	}()

	time.Sleep(10 * time.Millisecond) // Let receiver start

	// Send with timing
	start := time.Now()
	conn0.WriteTo([]byte("delayed"), f1.PeerAddr())
	elapsed := time.Since(start)

	// Delay is applied at send time
	if elapsed < delayDuration {
		t.Errorf("Send took %v, expected >= %v", elapsed, delayDuration)
	}

	select {
	case <-done:
		t.Logf("Message delivered after %v delay", elapsed)
	case <-time.After(time.Second):
		t.Error("Message not received")
	}
}

// =============================================================================
// E2E Tests: Exchange Lifecycle
// =============================================================================

// TestE2E_ExchangeClose verifies an exchange closes and then refuses sends.
func TestE2E_ExchangeClose(t *testing.T) {
	// Create transport pair
	f0, _ := transport.NewPipeFactoryPair()
	defer f0.Pipe().Close()

	conn0, _ := f0.CreateUDPConn(5540)

	mgr0, err := createTestTransportManager(conn0, noopHandler)
	if err != nil {
		t.Fatalf("CreateTransportManager: %v", err)
	}

	sess := newTestSession(1, 2)

	exchMgr := NewManager(ManagerConfig{
		TransportManager: mgr0,
	})

	peerAddr := transport.NewUDPPeerAddress(f0.PeerAddr())

	// Create exchange
	ctx, err := exchMgr.NewExchange(sess, sess.sessionID, peerAddr, message.ProtocolSecureChannel, nil)
	if err != nil {
		t.Fatalf("NewExchange: %v", err)
	}

	// Verify active
	if ctx.IsClosed() {
		t.Error("Exchange should be active")
	}

	// Close exchange
	err = ctx.Close()
	if err != nil {
		t.Fatalf("Close: %v", err)
	}

	// Verify closed
	if !ctx.IsClosed() {
		t.Error("Exchange should be closed")
	}

	// Operations should fail
	err = ctx.SendMessage(0x01, []byte("test"), false)
	if err != ErrExchangeClosed && err != ErrExchangeClosing {
		t.Errorf("SendMessage after close: got %v, want ErrExchangeClosed", err)
	}

	t.Log("Exchange close lifecycle correct")
}

// TestE2E_MultipleExchanges verifies concurrent exchanges work correctly.
func TestE2E_MultipleExchanges(t *testing.T) {
	f0, f1 := transport.NewPipeFactoryPair()
	defer f0.Pipe().Close()

	conn0, _ := f0.CreateUDPConn(5540)
	conn1, _ := f1.CreateUDPConn(5540)

	var received int32

	// Create receiver transport manager
	mgr1, err := transport.NewManager(transport.ManagerConfig{
		UDPConn:    conn1,
		UDPEnabled: true,
		TCPEnabled: false,
		MessageHandler: func(msg *transport.ReceivedMessage) {
			atomic.AddInt32(&received, 1)
		},
	})
	if err != nil {
		t.Fatalf("CreateTransportManager receiver: %v", err)
	}
	mgr1.Start()
	defer mgr1.Stop()

	// Create sender transport manager
	mgr0, err := createTestTransportManager(conn0, noopHandler)
	if err != nil {
		t.Fatalf("CreateTransportManager sender: %v", err)
	}

	sess := newTestSession(1, 2)

	exchMgr := NewManager(ManagerConfig{
		TransportManager: mgr0,
	})

	peerAddr := transport.NewUDPPeerAddress(f1.LocalAddr())

	// Create multiple concurrent exchanges
	const numExchanges = 10
	for i := 0; i < numExchanges; i++ {
		ctx, err := exchMgr.NewExchange(sess, sess.sessionID, peerAddr, message.ProtocolSecureChannel, nil)
		if err != nil {
			t.Fatalf("NewExchange %d: %v", i, err)
		}

		// Send non-reliable message on each
		err = ctx.SendMessage(uint8(i), []byte("test"), false)
		if err != nil {
			t.Fatalf("SendMessage %d: %v", i, err)
		}
	}

	// Verify exchange count
	if exchMgr.ExchangeCount() != numExchanges {
		t.Errorf("ExchangeCount = %d, want %d", exchMgr.ExchangeCount(), numExchanges)
	}

	// Wait for delivery
	time.Sleep(50 * time.Millisecond)

	r := atomic.LoadInt32(&received)
	if r != numExchanges {
		t.Errorf("Received %d messages, want %d", r, numExchanges)
	}

	t.Logf("Successfully ran %d concurrent exchanges", numExchanges)
}

// =============================================================================
// E2E Tests: TCP Transport
// =============================================================================

// TestE2E_TCP_ExchangeMessage verifies the exchange layer works over TCP transport.
// This tests two exchange managers communicating through the full stack:
// Manager 0 → transport (TCP) → pipe → transport → Manager 1 → ProtocolHandler
func TestE2E_TCP_ExchangeMessage(t *testing.T) {
	// Create exchange manager pair with TCP
	pair, err := NewTestManagerPair(TestManagerPairConfig{
		UDP: false,
		TCP: true,
	})
	if err != nil {
		t.Fatalf("NewTestManagerPair: %v", err)
	}
	defer pair.Close()

	// Manager 0 creates an exchange and sends to Manager 1
	ctx, err := pair.Manager(0).NewExchange(
		pair.Session(0),           // Uses session with source node ID
		0,                         // Local session ID 0 (unsecured)
		pair.PeerAddress(1, true), // TCP address of Manager 1
		message.ProtocolSecureChannel,
		nil,
	)
	if err != nil {
		t.Fatalf("NewExchange: %v", err)
	}

	// Send message through exchange layer (non-reliable since TCP is reliable)
	testPayload := []byte("hello over TCP exchange")
	err = ctx.SendMessage(0x30, testPayload, false)
	if err != nil {
		t.Fatalf("SendMessage: %v", err)
	}

	// Wait for Manager 1's protocol handler to receive the message
	msg, ok := pair.WaitForMessage(1, time.Second)
	if !ok {
		t.Fatal("Timeout waiting for message at Manager 1")
	}

	// Verify the received message
	if msg.Opcode != 0x30 {
		t.Errorf("Opcode = 0x%02x, want 0x30", msg.Opcode)
	}
	if string(msg.Payload) != string(testPayload) {
		t.Errorf("Payload = %q, want %q", msg.Payload, testPayload)
	}
	if !msg.Unsolicited {
		t.Error("Message should be unsolicited (no matching exchange on receiver)")
	}

	t.Logf("TCP E2E: Manager 0 → Manager 1, opcode=0x%02x, payload=%q", msg.Opcode, msg.Payload)
	t.Log("Full exchange-to-exchange TCP communication successful!")
}

// TestE2E_UDP_ExchangeMessage verifies the exchange layer works over UDP transport.
// This is the UDP counterpart to TestE2E_TCP_ExchangeMessage.
func TestE2E_UDP_ExchangeMessage(t *testing.T) {
	// Create exchange manager pair with UDP (default)
	pair, err := NewTestManagerPair(TestManagerPairConfig{})
	if err != nil {
		t.Fatalf("NewTestManagerPair: %v", err)
	}
	defer pair.Close()

	// Manager 0 creates an exchange and sends to Manager 1
	ctx, err := pair.Manager(0).NewExchange(
		pair.Session(0),
		0,
		pair.PeerAddress(1, false), // UDP address
		message.ProtocolSecureChannel,
		nil,
	)
	if err != nil {
		t.Fatalf("NewExchange: %v", err)
	}

	// Send non-reliable message
	testPayload := []byte("hello over UDP exchange")
	err = ctx.SendMessage(0x20, testPayload, false)
	if err != nil {
		t.Fatalf("SendMessage: %v", err)
	}

	// Wait for Manager 1's protocol handler to receive
	msg, ok := pair.WaitForMessage(1, time.Second)
	if !ok {
		t.Fatal("Timeout waiting for message at Manager 1")
	}

	// Verify
	if msg.Opcode != 0x20 {
		t.Errorf("Opcode = 0x%02x, want 0x20", msg.Opcode)
	}
	if string(msg.Payload) != string(testPayload) {
		t.Errorf("Payload = %q, want %q", msg.Payload, testPayload)
	}

	t.Logf("UDP E2E: Manager 0 → Manager 1, opcode=0x%02x, payload=%q", msg.Opcode, msg.Payload)
	t.Log("Full exchange-to-exchange UDP communication successful!")
}

// TestE2E_Bidirectional verifies bidirectional exchange communication.
func TestE2E_Bidirectional(t *testing.T) {
	pair, err := NewTestManagerPair(TestManagerPairConfig{})
	if err != nil {
		t.Fatalf("NewTestManagerPair: %v", err)
	}
	defer pair.Close()

	// Manager 0 → Manager 1
	ctx0, err := pair.Manager(0).NewExchange(
		pair.Session(0), 0, pair.PeerAddress(1, false),
		message.ProtocolSecureChannel, nil,
	)
	if err != nil {
		t.Fatalf("NewExchange 0→1: %v", err)
	}

	err = ctx0.SendMessage(0x01, []byte("ping"), false)
	if err != nil {
		t.Fatalf("SendMessage 0→1: %v", err)
	}

	msg1, ok := pair.WaitForMessage(1, time.Second)
	if !ok {
		t.Fatal("Manager 1 didn't receive message")
	}
	if string(msg1.Payload) != "ping" {
		t.Errorf("Manager 1 got %q, want %q", msg1.Payload, "ping")
	}

	// Manager 1 → Manager 0
	ctx1, err := pair.Manager(1).NewExchange(
		pair.Session(1), 0, pair.PeerAddress(0, false),
		message.ProtocolSecureChannel, nil,
	)
	if err != nil {
		t.Fatalf("NewExchange 1→0: %v", err)
	}

	err = ctx1.SendMessage(0x02, []byte("pong"), false)
	if err != nil {
		t.Fatalf("SendMessage 1→0: %v", err)
	}

	msg0, ok := pair.WaitForMessage(0, time.Second)
	if !ok {
		t.Fatal("Manager 0 didn't receive message")
	}
	if string(msg0.Payload) != "pong" {
		t.Errorf("Manager 0 got %q, want %q", msg0.Payload, "pong")
	}

	t.Log("Bidirectional exchange communication successful!")
}

// TestE2E_ReliableRoundTrip verifies a reliable message sent over UDP is
// acknowledged and frees the exchange to send again.
func TestE2E_ReliableRoundTrip(t *testing.T) {
	pair, err := NewTestManagerPair(TestManagerPairConfig{})
	if err != nil {
		t.Fatalf("NewTestManagerPair: %v", err)
	}
	defer pair.Close()

	ctx, err := pair.Manager(0).NewExchange(
		pair.Session(0), 0, pair.PeerAddress(1, false),
		message.ProtocolSecureChannel, nil,
	)
	if err != nil {
		t.Fatalf("NewExchange: %v", err)
	}

	if err := ctx.SendMessage(0x40, []byte("reliable hello"), true); err != nil {
		t.Fatalf("SendMessage: %v", err)
	}

	if ctx.CanSend() {
		t.Fatal("CanSend should be false while awaiting ack")
	}

	if _, ok := pair.WaitForMessage(1, time.Second); !ok {
		t.Fatal("Timeout waiting for message at Manager 1")
	}

	// Manager 1's unsolicited handler auto-acks via scheduleAck's piggyback
	// path only when it sends a response; since TestProtocolHandler returns
	// nil, Manager 1 owes a standalone ack which fires on its own ack timer.
	deadline := time.Now().Add(2 * time.Second)
	for ctx.CanSend() == false && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}

	if !ctx.CanSend() {
		t.Error("Expected exchange to become sendable again once the standalone ack arrives")
	}
}
