// Package transport is the BLE fallback transport. Every device is at once a
// peripheral that advertises the group's service and notifies subscribers,
// and a central that scans for other members and subscribes to them.
//
// All connection state is owned by a single event loop goroutine. Radio
// callbacks only post events to it.
package transport

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/hoppyshare/hoppyshare-ble/chunk"
	"github.com/hoppyshare/hoppyshare-ble/envelope"
	"github.com/hoppyshare/hoppyshare-ble/kotlin"
	"github.com/hoppyshare/hoppyshare-ble/logger"
	"github.com/hoppyshare/hoppyshare-ble/serviceid"
)

type State int32

const (
	StateStopped State = iota
	StateStarting
	StateRunning
	StateStopping
)

func (s State) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// KeySource yields the 32-byte group key. *groupkey.Cache satisfies it.
type KeySource interface {
	Key() ([]byte, error)
}

// Deliverer receives messages that decrypted under the group key and passed
// the self filter. Deliver runs on a dedicated goroutine, one message at a time.
type Deliverer interface {
	Deliver(msg *envelope.Message)
}

type DelivererFunc func(msg *envelope.Message)

func (f DelivererFunc) Deliver(msg *envelope.Message) { f(msg) }

type Option func(*Transport)

func WithDeliverer(d Deliverer) Option {
	return func(t *Transport) { t.deliverer = d }
}

func WithStateHook(fn func(State)) Option {
	return func(t *Transport) { t.hooks = append(t.hooks, fn) }
}

var requiredPermissions = []string{
	kotlin.BLUETOOTH_SCAN,
	kotlin.BLUETOOTH_ADVERTISE,
	kotlin.BLUETOOTH_CONNECT,
}

type Transport struct {
	cfg       Config
	serviceID uuid.UUID
	keys      KeySource
	manager   *kotlin.BluetoothManager
	perms     *kotlin.Context
	deliverer Deliverer
	prefix    string

	lifecycleMu sync.Mutex
	codec       *envelope.Codec

	state   atomic.Int32
	enabled atomic.Bool
	current atomic.Pointer[session]

	hookMu sync.Mutex
	hooks  []func(State)
}

// session holds the radio resources acquired by one successful Start.
type session struct {
	loop           *eventLoop
	server         *kotlin.BluetoothGattServer
	characteristic *kotlin.BluetoothGattCharacteristic
	advertiser     *kotlin.BluetoothLeAdvertiser
	advertising    *advertiseCallback
	scanner        *kotlin.BluetoothLeScanner
	scanning       *scanCallback

	ctx    context.Context
	cancel context.CancelFunc

	sendMu   sync.Mutex
	closed   bool
	sends    sync.WaitGroup
	inFlight atomic.Int32
}

func New(cfg Config, keys KeySource, manager *kotlin.BluetoothManager, perms *kotlin.Context, opts ...Option) *Transport {
	cfg = cfg.withDefaults()
	t := &Transport{
		cfg:       cfg,
		serviceID: serviceid.Derive(cfg.GroupID),
		keys:      keys,
		manager:   manager,
		perms:     perms,
		prefix:    logger.Prefix(cfg.DeviceID, "transport"),
	}
	t.enabled.Store(true)
	for _, opt := range opts {
		opt(t)
	}
	return t
}

func (t *Transport) ServiceID() uuid.UUID { return t.serviceID }

func (t *Transport) Config() Config { return t.cfg }

func (t *Transport) State() State { return State(t.state.Load()) }

func (t *Transport) IsRunning() bool { return t.State() == StateRunning }

// SetEnabled is the user-level gate. A disabled transport stays up but
// neither sends nor delivers.
func (t *Transport) SetEnabled(on bool) {
	if t.enabled.Swap(on) != on {
		logger.Info(t.prefix, "transport enabled=%v", on)
	}
}

func (t *Transport) Enabled() bool { return t.enabled.Load() }

// OnStateChange registers fn to run after every state transition.
func (t *Transport) OnStateChange(fn func(State)) {
	t.hookMu.Lock()
	defer t.hookMu.Unlock()
	t.hooks = append(t.hooks, fn)
}

func (t *Transport) setState(s State) {
	prev := State(t.state.Swap(int32(s)))
	if prev == s {
		return
	}
	logger.Debug(t.prefix, "state %s -> %s", prev, s)

	t.hookMu.Lock()
	hooks := slices.Clone(t.hooks)
	t.hookMu.Unlock()
	for _, fn := range hooks {
		fn(s)
	}
}

// Start brings up the GATT server, advertising and scanning, in that order.
// Any failure releases whatever was acquired and leaves the transport
// stopped. Starting a running transport is a no-op.
func (t *Transport) Start(ctx context.Context) error {
	t.lifecycleMu.Lock()
	defer t.lifecycleMu.Unlock()

	if t.State() == StateRunning {
		return nil
	}
	t.setState(StateStarting)
	logger.Info(t.prefix, "starting for group %q (service %s)", t.cfg.GroupID, t.serviceID)

	s, err := t.bringUp(ctx)
	if err != nil {
		logger.Error(t.prefix, "start failed: %v", err)
		t.setState(StateStopping)
		t.teardown(s)
		t.setState(StateStopped)
		return err
	}

	t.current.Store(s)
	t.setState(StateRunning)
	logger.Info(t.prefix, "running")
	if st, err := t.Snapshot().Struct(); err == nil {
		logger.DebugJSON(t.prefix, "snapshot", st)
	}
	return nil
}

func (t *Transport) bringUp(ctx context.Context) (*session, error) {
	s := &session{}
	s.ctx, s.cancel = context.WithCancel(context.Background())

	if err := t.cfg.validate(); err != nil {
		return s, err
	}
	codec, err := t.loadCodec()
	if err != nil {
		return s, err
	}

	adapter := t.manager.GetAdapter()
	if !adapter.IsEnabled() {
		return s, newError(KindRadioUnavailable, "bluetooth adapter is off", nil)
	}
	if missing := t.missingPermissions(); len(missing) > 0 {
		return s, &Error{Kind: KindPermission, Msg: "runtime permissions not granted", Missing: missing}
	}

	s.loop = newEventLoop(t, codec)
	go s.loop.run()

	if err := t.openServer(s); err != nil {
		return s, err
	}
	if err := t.advertise(ctx, s, adapter.GetBluetoothLeAdvertiser()); err != nil {
		return s, err
	}
	if err := t.scan(s, adapter.GetBluetoothLeScanner()); err != nil {
		return s, err
	}
	return s, nil
}

func (t *Transport) loadCodec() (*envelope.Codec, error) {
	if t.codec != nil {
		return t.codec, nil
	}
	if t.keys == nil {
		return nil, newError(KindConfiguration, "no group key configured", nil)
	}
	key, err := t.keys.Key()
	if err != nil {
		return nil, newError(KindConfiguration, "group key unavailable", err)
	}
	codec, err := envelope.NewCodec(key)
	if err != nil {
		return nil, newError(KindConfiguration, "group key rejected", err)
	}
	t.codec = codec
	return codec, nil
}

func (t *Transport) missingPermissions() []string {
	var missing []string
	for _, p := range requiredPermissions {
		if t.perms == nil || t.perms.CheckSelfPermission(p) != kotlin.PERMISSION_GRANTED {
			missing = append(missing, p)
		}
	}
	return missing
}

func (t *Transport) openServer(s *session) error {
	cb := &serverCallback{loop: s.loop}
	server := t.manager.OpenGattServer(t.perms, cb)
	if server == nil {
		return newError(KindRadioUnavailable, "gatt server unavailable", nil)
	}
	s.server = server
	cb.server.Store(server)

	char := kotlin.NewBluetoothGattCharacteristic(serviceid.Characteristic,
		kotlin.PROPERTY_READ|kotlin.PROPERTY_WRITE|kotlin.PROPERTY_WRITE_NO_RESPONSE|kotlin.PROPERTY_NOTIFY,
		kotlin.PERMISSION_READ|kotlin.PERMISSION_WRITE)
	char.AddDescriptor(kotlin.NewBluetoothGattDescriptor(serviceid.ClientConfigDescriptor,
		kotlin.PERMISSION_READ|kotlin.PERMISSION_WRITE))
	svc := kotlin.NewBluetoothGattService(t.serviceID, kotlin.SERVICE_TYPE_PRIMARY)
	svc.AddCharacteristic(char)
	s.characteristic = char

	if !server.AddService(svc) {
		return newError(KindRadioUnavailable, "gatt server rejected service", nil)
	}
	return nil
}

// advertise announces the ServiceId with our DeviceID as service data in the
// scan response, and waits for the advertiser to confirm.
func (t *Transport) advertise(ctx context.Context, s *session, adv *kotlin.BluetoothLeAdvertiser) error {
	cb := &advertiseCallback{prefix: t.prefix, result: make(chan int, 1)}
	s.advertiser = adv
	s.advertising = cb

	settings := &kotlin.AdvertiseSettings{
		AdvertiseMode: t.cfg.AdvertiseMode,
		TxPowerLevel:  t.cfg.AdvertiseTxPower,
		Connectable:   true,
	}
	data := &kotlin.AdvertiseData{ServiceUuids: []uuid.UUID{t.serviceID}}
	response := &kotlin.AdvertiseData{
		ServiceData: map[uuid.UUID][]byte{t.serviceID: []byte(t.cfg.DeviceID)},
	}
	adv.StartAdvertising(settings, data, response, cb)

	wait := time.NewTimer(t.cfg.StartWait)
	defer wait.Stop()
	select {
	case code := <-cb.result:
		if code != advertiseStarted {
			return newError(KindRadioUnavailable, fmt.Sprintf("advertising failed with code %d", code), nil)
		}
		return nil
	case <-ctx.Done():
		return newError(KindRadioUnavailable, "advertising not confirmed", ctx.Err())
	case <-wait.C:
		return newError(KindRadioUnavailable, "advertising not confirmed", context.DeadlineExceeded)
	}
}

func (t *Transport) scan(s *session, scanner *kotlin.BluetoothLeScanner) error {
	cb := &scanCallback{loop: s.loop, failed: make(chan int, 1)}
	s.scanner = scanner
	s.scanning = cb

	filters := []*kotlin.ScanFilter{kotlin.NewServiceFilter(t.serviceID)}
	scanner.StartScan(filters, &kotlin.ScanSettings{ScanMode: t.cfg.ScanMode}, cb)

	select {
	case code := <-cb.failed:
		return newError(KindRadioUnavailable, fmt.Sprintf("scan failed with code %d", code), nil)
	default:
	}
	cb.started.Store(true)
	return nil
}

// Stop releases every resource independently and cancels in-flight sends.
// It is valid in any state and a no-op when already stopped.
func (t *Transport) Stop() {
	t.lifecycleMu.Lock()
	defer t.lifecycleMu.Unlock()

	s := t.current.Swap(nil)
	if s == nil && t.State() == StateStopped {
		return
	}
	t.setState(StateStopping)
	t.teardown(s)
	t.setState(StateStopped)
	logger.Info(t.prefix, "stopped")
}

func (t *Transport) teardown(s *session) {
	if s == nil {
		return
	}
	s.sendMu.Lock()
	s.closed = true
	s.sendMu.Unlock()
	s.cancel()

	if s.advertising != nil {
		t.release("advertiser", func() { s.advertiser.StopAdvertising(s.advertising) })
	}
	if s.scanning != nil {
		t.release("scanner", func() { s.scanner.StopScan(s.scanning) })
	}
	if s.loop != nil {
		t.release("connections", s.loop.shutdown)
	}
	if s.server != nil {
		t.release("gatt server", s.server.Close)
	}
	s.sends.Wait()
}

func (t *Transport) release(what string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error(t.prefix, "releasing %s: %v", what, r)
		}
	}()
	fn()
}

// Send seals payload and notifies it, chunk by chunk, to every subscribed
// central. With no subscribers it does nothing. Chunks go out on a
// background goroutine paced by ChunkDelay; Stop cancels it.
func (t *Transport) Send(mimeType, filename string, payload []byte) error {
	s := t.current.Load()
	if s == nil {
		return ErrNotRunning
	}
	if !t.enabled.Load() {
		logger.Debug(t.prefix, "disabled, not sending %s", filename)
		return nil
	}
	if mimeType == "" {
		mimeType = t.cfg.MimeType
	}

	subscribers := s.loop.query().devices
	if len(subscribers) == 0 {
		logger.Debug(t.prefix, "no subscribers, dropping %d-byte %s", len(payload), mimeType)
		return nil
	}

	sealed, err := s.loop.codec.Encode(mimeType, filename, t.cfg.DeviceID, payload)
	if err != nil {
		return err
	}
	chunks, err := chunk.Split(sealed, t.cfg.ChunkMTU)
	if err != nil {
		return err
	}

	s.sendMu.Lock()
	if s.closed {
		s.sendMu.Unlock()
		return ErrNotRunning
	}
	s.sends.Add(1)
	s.inFlight.Add(1)
	s.sendMu.Unlock()

	logger.Info(t.prefix, "sending %s %q (%d bytes) as %d chunks to %d subscribers",
		mimeType, filename, len(payload), len(chunks), len(subscribers))
	go t.pump(s, chunks)
	return nil
}

func (t *Transport) pump(s *session, chunks [][]byte) {
	defer s.sends.Done()
	defer s.inFlight.Add(-1)

	for i, c := range chunks {
		if i > 0 && !pause(s.ctx, t.cfg.ChunkDelay) {
			logger.Debug(t.prefix, "send cancelled after %d/%d chunks", i, len(chunks))
			return
		}
		if s.ctx.Err() != nil {
			return
		}
		// Subscribers may come and go mid-message.
		subscribers := s.loop.query().devices
		s.characteristic.SetValue(c)
		for _, d := range subscribers {
			if status := s.server.NotifyCharacteristicChanged(d, s.characteristic, false, c); status != kotlin.GATT_SUCCESS {
				logger.Warn(t.prefix, "chunk %d/%d to %s failed with status %d",
					i+1, len(chunks), logger.Short(d.GetAddress()), status)
			}
		}
	}
	logger.Debug(t.prefix, "sent %d chunks", len(chunks))
}

func pause(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
