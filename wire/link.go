package wire

import (
	"fmt"
	"net"
	"sync"

	"github.com/hoppyshare/hoppyshare-ble/wire/att"
	"github.com/hoppyshare/hoppyshare-ble/wire/l2cap"
)

// Link is one LE connection as seen from the local device.
type Link struct {
	wire *Wire
	peer string
	role Role
	conn net.Conn

	writeMu sync.Mutex
	mtu     uint16
	mtuMu   sync.RWMutex

	closeOnce sync.Once
}

func newLink(w *Wire, peer string, role Role, conn net.Conn) *Link {
	return &Link{wire: w, peer: peer, role: role, conn: conn, mtu: DefaultMTU}
}

func (l *Link) Peer() string { return l.peer }

func (l *Link) Role() Role { return l.role }

// MTU is the negotiated ATT MTU, DefaultMTU until the exchange completes.
func (l *Link) MTU() int {
	l.mtuMu.RLock()
	defer l.mtuMu.RUnlock()
	return int(l.mtu)
}

func (l *Link) setMTU(remote uint16) {
	mtu := remote
	if mtu > MaxMTU {
		mtu = MaxMTU
	}
	if mtu < DefaultMTU {
		mtu = DefaultMTU
	}
	l.mtuMu.Lock()
	l.mtu = mtu
	l.mtuMu.Unlock()
}

// Send writes one ATT PDU to the peer.
func (l *Link) Send(pdu interface{}) error {
	payload, err := att.Encode(pdu)
	if err != nil {
		return err
	}
	frame := l2cap.NewATTPacket(payload).Encode()

	l.writeMu.Lock()
	defer l.writeMu.Unlock()
	if _, err := l.conn.Write(frame); err != nil {
		return fmt.Errorf("wire: send to %s: %w", l.peer, err)
	}
	return nil
}

// Close tears the link down; both ends observe a disconnect.
func (l *Link) Close() {
	l.closeOnce.Do(func() {
		l.conn.Close()
	})
}
