package transport

import (
	stderrors "errors"
	"sort"
	"sync"
	"time"

	"github.com/hoppyshare/hoppyshare-ble/chunk"
	"github.com/hoppyshare/hoppyshare-ble/envelope"
	"github.com/hoppyshare/hoppyshare-ble/kotlin"
	"github.com/hoppyshare/hoppyshare-ble/logger"
	"github.com/hoppyshare/hoppyshare-ble/serviceid"
)

const (
	eventQueueSize = 256

	// maxQueuedDeliveries bounds messages waiting on a slow Deliverer.
	// Beyond it new messages are dropped.
	maxQueuedDeliveries = 1024
)

type event interface{}

type (
	scanEvent struct {
		result *kotlin.ScanResult
	}
	clientStateEvent struct {
		gatt   *kotlin.BluetoothGatt
		status int
		state  int
	}
	discoveredEvent struct {
		gatt   *kotlin.BluetoothGatt
		status int
	}
	subscribedEvent struct {
		gatt   *kotlin.BluetoothGatt
		status int
	}
	chunkEvent struct {
		from string
		data []byte
	}
	serverStateEvent struct {
		device *kotlin.BluetoothDevice
		state  int
	}
	subscriptionEvent struct {
		device *kotlin.BluetoothDevice
		enable bool
	}
	queryEvent struct {
		reply chan loopView
	}
	shutdownEvent struct{}
)

// loopView is a copy of the loop's tables, safe to use off the loop.
type loopView struct {
	connected   []string
	connecting  []string
	subscribers []string
	devices     []*kotlin.BluetoothDevice
	pending     int
}

// eventLoop owns the connection tables and the reassembler. Nothing outside
// run touches them.
type eventLoop struct {
	t        *Transport
	codec    *envelope.Codec
	prefix   string
	callback *gattCallback

	events     chan event
	deliveries *deliveryQueue
	done       chan struct{}

	connected   map[string]*kotlin.BluetoothGatt
	connecting  map[string]*kotlin.BluetoothGatt
	subscribers map[string]*kotlin.BluetoothDevice
	reassembler *chunk.Reassembler
}

func newEventLoop(t *Transport, codec *envelope.Codec) *eventLoop {
	l := &eventLoop{
		t:           t,
		codec:       codec,
		prefix:      t.prefix,
		events:      make(chan event, eventQueueSize),
		deliveries:  newDeliveryQueue(),
		done:        make(chan struct{}),
		connected:   make(map[string]*kotlin.BluetoothGatt),
		connecting:  make(map[string]*kotlin.BluetoothGatt),
		subscribers: make(map[string]*kotlin.BluetoothDevice),
		reassembler: chunk.NewReassembler(
			chunk.WithTTL(t.cfg.ReassemblyTTL),
			chunk.WithMaxPending(t.cfg.MaxPending),
			chunk.WithMaxMessageSize(t.cfg.MaxMessageSize),
		),
	}
	l.callback = &gattCallback{loop: l}
	return l
}

func (l *eventLoop) run() {
	defer close(l.done)
	defer l.deliveries.close()
	go l.deliver()

	sweep := time.NewTicker(sweepInterval(l.t.cfg.ReassemblyTTL))
	defer sweep.Stop()

	for {
		select {
		case ev := <-l.events:
			if _, stop := ev.(shutdownEvent); stop {
				l.release()
				return
			}
			l.handle(ev)
		case <-sweep.C:
			if n := l.reassembler.Evict(); n > 0 {
				logger.Debug(l.prefix, "evicted %d stale partial messages", n)
			}
		}
	}
}

func sweepInterval(ttl time.Duration) time.Duration {
	if d := ttl / 2; d > 0 {
		return d
	}
	return time.Second
}

// post hands ev to the loop. It reports false once the loop has exited.
func (l *eventLoop) post(ev event) bool {
	select {
	case <-l.done:
		return false
	default:
	}
	select {
	case l.events <- ev:
		return true
	case <-l.done:
		return false
	}
}

func (l *eventLoop) query() loopView {
	reply := make(chan loopView, 1)
	if !l.post(queryEvent{reply: reply}) {
		return loopView{}
	}
	select {
	case v := <-reply:
		return v
	case <-l.done:
		return loopView{}
	}
}

// shutdown drops every client connection and waits for the loop to exit.
func (l *eventLoop) shutdown() {
	l.post(shutdownEvent{})
	<-l.done
}

// deliver runs the Deliverer off the loop, so a slow or re-entrant
// Deliverer never stalls connection handling or Stop.
func (l *eventLoop) deliver() {
	for {
		<-l.deliveries.ready
		batch, closed := l.deliveries.take()
		for _, msg := range batch {
			if l.t.deliverer != nil {
				l.t.deliverer.Deliver(msg)
			}
		}
		if closed {
			return
		}
	}
}

// deliveryQueue hands decoded messages from the loop to deliver. push never
// blocks.
type deliveryQueue struct {
	mu     sync.Mutex
	items  []*envelope.Message
	closed bool
	ready  chan struct{}
}

func newDeliveryQueue() *deliveryQueue {
	return &deliveryQueue{ready: make(chan struct{}, 1)}
}

func (q *deliveryQueue) push(msg *envelope.Message) bool {
	q.mu.Lock()
	if q.closed || len(q.items) >= maxQueuedDeliveries {
		q.mu.Unlock()
		return false
	}
	q.items = append(q.items, msg)
	q.mu.Unlock()
	q.signal()
	return true
}

// take returns everything queued. closed reports that nothing more will come.
func (q *deliveryQueue) take() (batch []*envelope.Message, closed bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	batch, q.items = q.items, nil
	return batch, q.closed
}

func (q *deliveryQueue) close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.signal()
}

func (q *deliveryQueue) signal() {
	select {
	case q.ready <- struct{}{}:
	default:
	}
}

func (l *eventLoop) handle(ev event) {
	switch e := ev.(type) {
	case scanEvent:
		l.onScanResult(e.result)
	case clientStateEvent:
		l.onClientState(e.gatt, e.status, e.state)
	case discoveredEvent:
		l.onServicesDiscovered(e.gatt, e.status)
	case subscribedEvent:
		l.onSubscribed(e.gatt, e.status)
	case chunkEvent:
		l.onChunk(e.from, e.data)
	case serverStateEvent:
		l.onServerState(e.device, e.state)
	case subscriptionEvent:
		l.onSubscription(e.device, e.enable)
	case queryEvent:
		e.reply <- l.view()
	default:
		logger.Warn(l.prefix, "unknown event %T", ev)
	}
}

func (l *eventLoop) view() loopView {
	v := loopView{
		connected:   sortedKeys(l.connected),
		connecting:  sortedKeys(l.connecting),
		subscribers: sortedKeys(l.subscribers),
		pending:     l.reassembler.Pending(),
	}
	for _, addr := range v.subscribers {
		v.devices = append(v.devices, l.subscribers[addr])
	}
	return v
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func (l *eventLoop) release() {
	for addr, g := range l.connected {
		g.Close()
		delete(l.connected, addr)
	}
	for addr, g := range l.connecting {
		g.Close()
		delete(l.connecting, addr)
	}
	for addr := range l.subscribers {
		delete(l.subscribers, addr)
	}
	l.reassembler.Reset()
}

// Central role

func (l *eventLoop) onScanResult(r *kotlin.ScanResult) {
	device := r.GetDevice()
	addr := device.GetAddress()
	peer := string(r.GetScanRecord().GetServiceData(l.t.serviceID))

	// Our own advertisement is visible to our own scanner.
	if peer == l.t.cfg.DeviceID {
		return
	}
	if _, ok := l.connected[addr]; ok {
		return
	}
	if _, ok := l.connecting[addr]; ok {
		return
	}

	gatt := device.ConnectGatt(false, l.callback)
	if gatt == nil {
		logger.Debug(l.prefix, "client connection to %s still open", logger.Short(addr))
		return
	}
	l.connecting[addr] = gatt
	logger.Info(l.prefix, "found %s at %s (rssi %d), connecting", peer, logger.Short(addr), r.GetRssi())
}

func (l *eventLoop) onClientState(g *kotlin.BluetoothGatt, status, state int) {
	addr := g.GetDevice().GetAddress()

	if state == kotlin.STATE_CONNECTED && status == kotlin.GATT_SUCCESS {
		if l.connecting[addr] != g {
			g.Close()
			return
		}
		delete(l.connecting, addr)
		l.connected[addr] = g
		logger.Info(l.prefix, "connected to %s, discovering services", logger.Short(addr))
		if !g.DiscoverServices() {
			logger.Warn(l.prefix, "discovery on %s could not start", logger.Short(addr))
			l.drop(addr, g)
		}
		return
	}

	switch {
	case state == kotlin.STATE_CONNECTED:
		// Connected with an error status: the link is unusable, so retry on
		// a later scan result.
		logger.Warn(l.prefix, "connect to %s reported status %d", logger.Short(addr), status)
		l.drop(addr, g)
	case state == kotlin.STATE_DISCONNECTED && status != kotlin.GATT_SUCCESS:
		logger.Warn(l.prefix, "connection to %s failed with status %d", logger.Short(addr), status)
		l.drop(addr, g)
	case state == kotlin.STATE_DISCONNECTED:
		logger.Info(l.prefix, "disconnected from %s", logger.Short(addr))
		l.drop(addr, g)
	}
}

func (l *eventLoop) drop(addr string, g *kotlin.BluetoothGatt) {
	if l.connected[addr] == g {
		delete(l.connected, addr)
	}
	if l.connecting[addr] == g {
		delete(l.connecting, addr)
	}
	g.Close()
}

func (l *eventLoop) onServicesDiscovered(g *kotlin.BluetoothGatt, status int) {
	addr := g.GetDevice().GetAddress()
	if l.connected[addr] != g {
		return
	}
	if status != kotlin.GATT_SUCCESS {
		logger.Warn(l.prefix, "service discovery on %s failed with status %d", logger.Short(addr), status)
		g.Disconnect()
		return
	}

	svc := g.GetService(l.t.serviceID)
	if svc == nil {
		logger.Warn(l.prefix, "%s does not expose service %s", logger.Short(addr), l.t.serviceID)
		g.Disconnect()
		return
	}
	c := svc.GetCharacteristic(serviceid.Characteristic)
	if c == nil {
		logger.Warn(l.prefix, "%s has no data characteristic", logger.Short(addr))
		g.Disconnect()
		return
	}
	d := c.GetDescriptor(serviceid.ClientConfigDescriptor)
	if d == nil {
		logger.Warn(l.prefix, "%s has no client config descriptor", logger.Short(addr))
		g.Disconnect()
		return
	}

	g.SetCharacteristicNotification(c, true)
	d.SetValue(kotlin.ENABLE_NOTIFICATION_VALUE)
	if !g.WriteDescriptor(d) {
		logger.Warn(l.prefix, "subscribe to %s could not start", logger.Short(addr))
		g.Disconnect()
	}
}

func (l *eventLoop) onSubscribed(g *kotlin.BluetoothGatt, status int) {
	addr := g.GetDevice().GetAddress()
	if status != kotlin.GATT_SUCCESS {
		logger.Warn(l.prefix, "subscribe to %s failed with status %d", logger.Short(addr), status)
		g.Disconnect()
		return
	}
	logger.Info(l.prefix, "subscribed to %s", logger.Short(addr))
}

// Peripheral role

func (l *eventLoop) onServerState(d *kotlin.BluetoothDevice, state int) {
	addr := d.GetAddress()
	switch state {
	case kotlin.STATE_CONNECTED:
		logger.Debug(l.prefix, "%s connected to our server", logger.Short(addr))
	case kotlin.STATE_DISCONNECTED:
		if _, ok := l.subscribers[addr]; ok {
			delete(l.subscribers, addr)
			logger.Info(l.prefix, "%s disconnected, %d subscribers left", logger.Short(addr), len(l.subscribers))
		}
	}
}

func (l *eventLoop) onSubscription(d *kotlin.BluetoothDevice, enable bool) {
	addr := d.GetAddress()
	if enable {
		l.subscribers[addr] = d
		logger.Info(l.prefix, "%s subscribed, %d subscribers", logger.Short(addr), len(l.subscribers))
		return
	}
	if _, ok := l.subscribers[addr]; ok {
		delete(l.subscribers, addr)
		logger.Info(l.prefix, "%s unsubscribed, %d subscribers", logger.Short(addr), len(l.subscribers))
	}
}

// Inbound

func (l *eventLoop) onChunk(from string, data []byte) {
	sealed, err := l.reassembler.Receive(data)
	if err != nil {
		logger.Warn(l.prefix, "dropping chunk from %s: %v", logger.Short(from), err)
		return
	}
	if sealed == nil {
		return
	}

	msg, err := l.codec.Decode(sealed)
	if err != nil {
		var integrity *envelope.IntegrityError
		if stderrors.As(err, &integrity) {
			logger.Debug(l.prefix, "dropping %d-byte envelope from %s: not sealed with our group key",
				len(sealed), logger.Short(from))
			return
		}
		logger.Warn(l.prefix, "dropping envelope from %s: %v", logger.Short(from), err)
		return
	}

	if !l.t.cfg.SendToSelf && msg.FromDevice(l.t.cfg.DeviceID) {
		logger.Debug(l.prefix, "dropping our own %s", msg.Filename)
		return
	}
	if !l.t.enabled.Load() {
		logger.Debug(l.prefix, "disabled, dropping %s from %s", msg.Filename, logger.Short(from))
		return
	}

	logger.Info(l.prefix, "received %s %q (%d bytes) from %s",
		msg.MimeType, msg.Filename, len(msg.Payload), logger.Short(from))
	if !l.deliveries.push(msg) {
		logger.Warn(l.prefix, "delivery queue full, dropping %s from %s", msg.Filename, logger.Short(from))
	}
}
