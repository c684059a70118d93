// Package wire is a simulated BLE radio. Each device listens on a Unix
// socket; a connection carries L2CAP-framed ATT PDUs. Advertising records and
// GATT tables live as files in the shared data directory, so any process on
// the host can discover any other.
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/hoppyshare/hoppyshare-ble/logger"
	"github.com/hoppyshare/hoppyshare-ble/util"
	"github.com/hoppyshare/hoppyshare-ble/wire/att"
	"github.com/hoppyshare/hoppyshare-ble/wire/l2cap"
)

// ErrAlreadyConnected is returned by Connect when a central link to the peer exists.
var ErrAlreadyConnected = errors.New("wire: already connected")

type linkKey struct {
	peer string
	role Role
}

// Wire is one device's radio. A device may hold a central link and a
// peripheral link to the same peer at the same time.
type Wire struct {
	address    string
	socketPath string
	listener   net.Listener

	links map[linkKey]*Link
	mu    sync.RWMutex

	pduHandler   func(link *Link, pdu interface{})
	onConnect    func(link *Link)
	onDisconnect func(link *Link)
	callbackMu   sync.RWMutex

	stopListening chan struct{}
	minDelay      time.Duration
	maxDelay      time.Duration
}

type Option func(*Wire)

// WithConnectionDelay overrides the simulated connection latency range.
func WithConnectionDelay(min, max time.Duration) Option {
	return func(w *Wire) {
		w.minDelay, w.maxDelay = min, max
	}
}

func NewWire(address string, opts ...Option) *Wire {
	w := &Wire{
		address:    address,
		socketPath: SocketPath(address),
		links:      make(map[linkKey]*Link),
		minDelay:   MinConnectionDelay,
		maxDelay:   MaxConnectionDelay,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// SocketPath is where the device with address listens.
func SocketPath(address string) string {
	return filepath.Join(util.GetSocketDir(), fmt.Sprintf("hoppy-%s.sock", address))
}

func (w *Wire) Address() string { return w.address }

func (w *Wire) prefix() string { return logger.Prefix(w.address, "Wire") }

// SetPDUHandler registers the receiver for every ATT PDU except MTU exchange,
// which the wire answers itself. It runs on the link's read goroutine.
func (w *Wire) SetPDUHandler(h func(link *Link, pdu interface{})) {
	w.callbackMu.Lock()
	defer w.callbackMu.Unlock()
	w.pduHandler = h
}

func (w *Wire) SetConnectCallback(cb func(link *Link)) {
	w.callbackMu.Lock()
	defer w.callbackMu.Unlock()
	w.onConnect = cb
}

func (w *Wire) SetDisconnectCallback(cb func(link *Link)) {
	w.callbackMu.Lock()
	defer w.callbackMu.Unlock()
	w.onDisconnect = cb
}

// Start begins accepting links. Calling Start on a running wire is a no-op.
func (w *Wire) Start() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.listener != nil {
		return nil
	}

	os.Remove(w.socketPath)
	listener, err := net.Listen("unix", w.socketPath)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", w.socketPath, err)
	}
	w.listener = listener
	w.stopListening = make(chan struct{})

	go w.acceptLinks(listener, w.stopListening)
	logger.Debug(w.prefix(), "listening on %s", w.socketPath)
	return nil
}

// Stop closes the listener and every link. Safe to call more than once.
func (w *Wire) Stop() {
	w.mu.Lock()
	if w.listener == nil {
		w.mu.Unlock()
		return
	}
	close(w.stopListening)
	w.listener.Close()
	w.listener = nil
	links := make([]*Link, 0, len(w.links))
	for _, l := range w.links {
		links = append(links, l)
	}
	w.mu.Unlock()

	for _, l := range links {
		l.Close()
	}
	w.StopAdvertising()
	w.WithdrawGATTTable()
	os.Remove(w.socketPath)
	logger.Debug(w.prefix(), "stopped")
}

// Running reports whether the wire is accepting links.
func (w *Wire) Running() bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.listener != nil
}

func (w *Wire) acceptLinks(listener net.Listener, stop chan struct{}) {
	for {
		conn, err := listener.Accept()
		if err != nil {
			select {
			case <-stop:
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			continue
		}
		go w.handleIncoming(conn)
	}
}

// handleIncoming reads the handshake from a connecting central; we are the peripheral.
func (w *Wire) handleIncoming(conn net.Conn) {
	var n uint32
	if err := binary.Read(conn, binary.BigEndian, &n); err != nil || n == 0 || n > 256 {
		conn.Close()
		return
	}
	peer := make([]byte, n)
	if _, err := io.ReadFull(conn, peer); err != nil {
		conn.Close()
		return
	}

	link := newLink(w, string(peer), RolePeripheral, conn)
	if !w.addLink(link) {
		conn.Close()
		return
	}
	logger.Info(w.prefix(), "accepted link from %s", logger.Short(link.peer))
	w.fireConnect(link)
	w.readLoop(link)
}

// Connect opens a central link to peer and starts MTU negotiation.
func (w *Wire) Connect(peer string) (*Link, error) {
	if !w.Running() {
		return nil, fmt.Errorf("wire: %s is not started", w.address)
	}
	if l := w.Link(peer, RoleCentral); l != nil {
		return nil, ErrAlreadyConnected
	}

	time.Sleep(w.connectionDelay())

	conn, err := net.Dial("unix", SocketPath(peer))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", peer, err)
	}

	hello := binary.BigEndian.AppendUint32(nil, uint32(len(w.address)))
	hello = append(hello, w.address...)
	if _, err := conn.Write(hello); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to send handshake: %w", err)
	}

	link := newLink(w, peer, RoleCentral, conn)
	if !w.addLink(link) {
		conn.Close()
		return nil, ErrAlreadyConnected
	}
	logger.Info(w.prefix(), "connected to %s", logger.Short(peer))

	w.fireConnect(link)
	go w.readLoop(link)
	if err := link.Send(&att.ExchangeMTURequest{ClientRxMTU: MaxMTU}); err != nil {
		logger.Warn(w.prefix(), "MTU request to %s failed: %v", logger.Short(peer), err)
	}
	return link, nil
}

// Link returns the live link to peer in the given local role, or nil.
func (w *Wire) Link(peer string, role Role) *Link {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.links[linkKey{peer, role}]
}

// Links returns every live link.
func (w *Wire) Links() []*Link {
	w.mu.RLock()
	defer w.mu.RUnlock()
	out := make([]*Link, 0, len(w.links))
	for _, l := range w.links {
		out = append(out, l)
	}
	return out
}

func (w *Wire) addLink(l *Link) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	key := linkKey{l.peer, l.role}
	if _, exists := w.links[key]; exists || w.listener == nil {
		return false
	}
	w.links[key] = l
	return true
}

func (w *Wire) removeLink(l *Link) {
	w.mu.Lock()
	defer w.mu.Unlock()
	key := linkKey{l.peer, l.role}
	if w.links[key] == l {
		delete(w.links, key)
	}
}

func (w *Wire) readLoop(link *Link) {
	defer func() {
		link.Close()
		w.removeLink(link)
		logger.Info(w.prefix(), "%s link to %s closed", link.role, logger.Short(link.peer))
		w.callbackMu.RLock()
		cb := w.onDisconnect
		w.callbackMu.RUnlock()
		if cb != nil {
			cb(link)
		}
	}()

	for {
		pkt, err := l2cap.ReadPacket(link.conn)
		if err != nil {
			return
		}
		if pkt.ChannelID != l2cap.ChannelATT {
			logger.Trace(w.prefix(), "ignoring L2CAP channel 0x%04X from %s", pkt.ChannelID, logger.Short(link.peer))
			continue
		}
		pdu, err := att.Decode(pkt.Payload)
		if err != nil {
			logger.Warn(w.prefix(), "bad ATT packet from %s: %v", logger.Short(link.peer), err)
			continue
		}
		logger.Trace(w.prefix(), "rx %T from %s (%d bytes)", pdu, logger.Short(link.peer), len(pkt.Payload))

		switch p := pdu.(type) {
		case *att.ExchangeMTURequest:
			link.setMTU(p.ClientRxMTU)
			if err := link.Send(&att.ExchangeMTUResponse{ServerRxMTU: MaxMTU}); err != nil {
				return
			}
			continue
		case *att.ExchangeMTUResponse:
			link.setMTU(p.ServerRxMTU)
			continue
		}

		w.callbackMu.RLock()
		h := w.pduHandler
		w.callbackMu.RUnlock()
		if h != nil {
			h(link, pdu)
		}
	}
}

func (w *Wire) fireConnect(l *Link) {
	w.callbackMu.RLock()
	cb := w.onConnect
	w.callbackMu.RUnlock()
	if cb != nil {
		cb(l)
	}
}

func (w *Wire) connectionDelay() time.Duration {
	if w.maxDelay <= w.minDelay {
		return w.minDelay
	}
	return w.minDelay + time.Duration(rand.Int63n(int64(w.maxDelay-w.minDelay)))
}
