package transport

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hoppyshare/hoppyshare-ble/envelope"
	"github.com/hoppyshare/hoppyshare-ble/groupkey"
	"github.com/hoppyshare/hoppyshare-ble/kotlin"
	"github.com/hoppyshare/hoppyshare-ble/util"
	"github.com/hoppyshare/hoppyshare-ble/wire"
)

var testKey = bytes.Repeat([]byte{0x42}, envelope.KeySize)

func setupTestEnv(t *testing.T) {
	t.Helper()
	dir, err := os.MkdirTemp("/tmp", "hble-")
	require.NoError(t, err)
	t.Setenv(util.DataDirEnv, dir)
	t.Cleanup(func() { os.RemoveAll(dir) })
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func rawKeys(key []byte) *groupkey.Cache {
	return groupkey.NewCache(groupkey.Material{Format: groupkey.FormatRaw, Value: hex.EncodeToString(key)})
}

type collector struct {
	ch chan *envelope.Message
}

func newCollector() *collector { return &collector{ch: make(chan *envelope.Message, 16)} }

func (c *collector) Deliver(msg *envelope.Message) { c.ch <- msg }

func (c *collector) expect(t *testing.T) *envelope.Message {
	t.Helper()
	select {
	case msg := <-c.ch:
		return msg
	case <-time.After(5 * time.Second):
		t.Fatal("no message delivered")
		return nil
	}
}

func (c *collector) expectNone(t *testing.T, wait time.Duration) {
	t.Helper()
	select {
	case msg := <-c.ch:
		t.Fatalf("unexpected delivery of %q", msg.Filename)
	case <-time.After(wait):
	}
}

type stateLog struct {
	mu     sync.Mutex
	states []State
}

func (s *stateLog) record(st State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.states = append(s.states, st)
}

func (s *stateLog) get() []State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]State(nil), s.states...)
}

func testConfig(group, device string) Config {
	cfg := DefaultConfig(group, device)
	cfg.ScanMode = kotlin.SCAN_MODE_LOW_LATENCY
	cfg.ChunkDelay = time.Millisecond
	return cfg
}

func enabledManager(t *testing.T, address string) *kotlin.BluetoothManager {
	t.Helper()
	m := kotlin.NewBluetoothManager(address, wire.WithConnectionDelay(0, 0))
	require.True(t, m.GetAdapter().Enable(), "Enable(%s)", address)
	t.Cleanup(func() { m.GetAdapter().Disable() })
	return m
}

type node struct {
	tr      *Transport
	manager *kotlin.BluetoothManager
	inbox   *collector
}

func startNode(t *testing.T, address string, cfg Config) *node {
	t.Helper()
	n := &node{manager: enabledManager(t, address), inbox: newCollector()}
	n.tr = New(cfg, rawKeys(testKey), n.manager, kotlin.AllPermissions(), WithDeliverer(n.inbox))
	t.Cleanup(n.tr.Stop)
	require.NoError(t, n.tr.Start(context.Background()))
	return n
}

func waitSubscribed(t *testing.T, nodes ...*node) {
	t.Helper()
	for _, n := range nodes {
		n := n
		waitFor(t, n.tr.cfg.DeviceID+" subscriber", func() bool {
			return len(n.tr.Snapshot().Subscribers) == len(nodes)-1
		})
	}
}

type nopServerCallback struct{}

func (nopServerCallback) OnConnectionStateChange(*kotlin.BluetoothDevice, int, int) {}
func (nopServerCallback) OnServiceAdded(int, *kotlin.BluetoothGattService) {}
func (nopServerCallback) OnCharacteristicReadRequest(*kotlin.BluetoothDevice, int, int, *kotlin.BluetoothGattCharacteristic) {
}
func (nopServerCallback) OnCharacteristicWriteRequest(*kotlin.BluetoothDevice, int, *kotlin.BluetoothGattCharacteristic, bool, bool, int, []byte) {
}
func (nopServerCallback) OnDescriptorWriteRequest(*kotlin.BluetoothDevice, int, *kotlin.BluetoothGattDescriptor, bool, bool, int, []byte) {
}

type nopAdvertiseCallback struct{ started chan struct{} }

func (c nopAdvertiseCallback) OnStartSuccess(*kotlin.AdvertiseSettings) { close(c.started) }
func (c nopAdvertiseCallback) OnStartFailure(int) {}

func TestStopBeforeStart(t *testing.T) {
	setupTestEnv(t)
	states := &stateLog{}
	tr := New(testConfig("g", "dev-a"), rawKeys(testKey), kotlin.NewBluetoothManager("aa"), kotlin.AllPermissions(),
		WithStateHook(states.record))

	tr.Stop()
	tr.Stop()

	assert.Equal(t, StateStopped, tr.State())
	assert.False(t, tr.IsRunning())
	assert.Empty(t, states.get())
}

func TestSendRequiresRunning(t *testing.T) {
	setupTestEnv(t)
	tr := New(testConfig("g", "dev-a"), rawKeys(testKey), kotlin.NewBluetoothManager("aa"), kotlin.AllPermissions())

	err := tr.Send("text/plain", "note.txt", []byte("hi"))
	assert.True(t, errors.Is(err, ErrNotRunning))
}

func TestStartConfigurationErrors(t *testing.T) {
	setupTestEnv(t)
	m := enabledManager(t, "aa")

	tr := New(testConfig("", "dev-a"), rawKeys(testKey), m, kotlin.AllPermissions())
	err := tr.Start(context.Background())
	require.Error(t, err)
	assert.True(t, IsKind(err, KindConfiguration))

	bad := groupkey.NewCache(groupkey.Material{Format: groupkey.FormatRaw, Value: "not-hex"})
	tr = New(testConfig("g", "dev-a"), bad, m, kotlin.AllPermissions())
	err = tr.Start(context.Background())
	require.Error(t, err)
	assert.True(t, IsKind(err, KindConfiguration))
	var unwrapErr *KeyUnwrapError
	assert.True(t, errors.As(err, &unwrapErr))
	assert.Equal(t, StateStopped, tr.State())

	tr = New(testConfig("g", "dev-a"), nil, m, kotlin.AllPermissions())
	assert.True(t, errors.Is(tr.Start(context.Background()), ErrConfiguration))

	cfg := testConfig("g", "dev-a")
	cfg.ChunkMTU = MaxChunkMTU + 1
	tr = New(cfg, rawKeys(testKey), m, kotlin.AllPermissions())
	err = tr.Start(context.Background())
	require.Error(t, err)
	assert.True(t, IsKind(err, KindConfiguration))
	assert.Contains(t, err.Error(), "notification limit")

	cfg.ChunkMTU = MaxChunkMTU
	tr = New(cfg, rawKeys(testKey), m, kotlin.AllPermissions())
	require.NoError(t, tr.Start(context.Background()))
	tr.Stop()
}

func TestStartRadioOff(t *testing.T) {
	setupTestEnv(t)
	states := &stateLog{}
	tr := New(testConfig("g", "dev-a"), rawKeys(testKey), kotlin.NewBluetoothManager("aa"), kotlin.AllPermissions(),
		WithStateHook(states.record))

	err := tr.Start(context.Background())
	require.Error(t, err)
	assert.True(t, IsKind(err, KindRadioUnavailable))
	assert.True(t, errors.Is(err, ErrRadioUnavailable))
	assert.Equal(t, StateStopped, tr.State())
	assert.Equal(t, []State{StateStarting, StateStopping, StateStopped}, states.get())
}

func TestStartMissingPermissions(t *testing.T) {
	setupTestEnv(t)
	m := enabledManager(t, "aa")
	tr := New(testConfig("g", "dev-a"), rawKeys(testKey), m, kotlin.NewContext(kotlin.BLUETOOTH_SCAN))

	err := tr.Start(context.Background())
	require.Error(t, err)
	var te *Error
	require.True(t, errors.As(err, &te))
	assert.Equal(t, KindPermission, te.Kind)
	assert.Equal(t, []string{kotlin.BLUETOOTH_ADVERTISE, kotlin.BLUETOOTH_CONNECT}, te.Missing)
	assert.Contains(t, err.Error(), kotlin.BLUETOOTH_CONNECT)
	assert.Equal(t, StateStopped, tr.State())
}

func TestStartFailureReleasesServer(t *testing.T) {
	setupTestEnv(t)
	m := enabledManager(t, "aa")

	// Someone else holds the only advertising set.
	other := nopAdvertiseCallback{started: make(chan struct{})}
	m.GetAdapter().GetBluetoothLeAdvertiser().StartAdvertising(&kotlin.AdvertiseSettings{Connectable: true}, &kotlin.AdvertiseData{}, nil, other)
	<-other.started

	tr := New(testConfig("g", "dev-a"), rawKeys(testKey), m, kotlin.AllPermissions())
	err := tr.Start(context.Background())
	require.Error(t, err)
	assert.True(t, IsKind(err, KindRadioUnavailable))
	assert.Equal(t, StateStopped, tr.State())

	server := m.OpenGattServer(kotlin.AllPermissions(), nopServerCallback{})
	require.NotNil(t, server, "gatt server was not released after failed start")
	server.Close()
}

type nopScanCallback struct{}

func (*nopScanCallback) OnScanResult(int, *kotlin.ScanResult) {}
func (*nopScanCallback) OnScanFailed(int) {}

func TestScanFailureReleasesAdvertiser(t *testing.T) {
	setupTestEnv(t)
	m := enabledManager(t, "aa")

	// Every scanner slot is taken, so Start fails on its last step.
	scanner := m.GetAdapter().GetBluetoothLeScanner()
	var held []*nopScanCallback
	for i := 0; i < kotlin.MaxScanners; i++ {
		cb := &nopScanCallback{}
		scanner.StartScan(nil, nil, cb)
		held = append(held, cb)
	}

	tr := New(testConfig("g", "dev-a"), rawKeys(testKey), m, kotlin.AllPermissions())
	err := tr.Start(context.Background())
	require.Error(t, err)
	assert.True(t, IsKind(err, KindRadioUnavailable))
	assert.Equal(t, StateStopped, tr.State())
	assert.False(t, tr.IsRunning())

	ads, err := wire.NewWire("zz").Scan()
	require.NoError(t, err)
	for _, ad := range ads {
		assert.NotEqual(t, "aa", ad.Address, "advertisement left behind after failed start")
	}

	adv := nopAdvertiseCallback{started: make(chan struct{})}
	advertiser := m.GetAdapter().GetBluetoothLeAdvertiser()
	advertiser.StartAdvertising(&kotlin.AdvertiseSettings{Connectable: true}, &kotlin.AdvertiseData{}, nil, adv)
	select {
	case <-adv.started:
	case <-time.After(2 * time.Second):
		t.Fatal("advertiser was not released after failed start")
	}
	advertiser.StopAdvertising(adv)

	server := m.OpenGattServer(kotlin.AllPermissions(), nopServerCallback{})
	require.NotNil(t, server, "gatt server was not released after failed start")
	server.Close()

	scanner.StopScan(held[0])
	require.NoError(t, tr.Start(context.Background()))
	assert.True(t, tr.IsRunning())
	tr.Stop()
	for _, cb := range held[1:] {
		scanner.StopScan(cb)
	}
}

func TestStartTwiceAndRestart(t *testing.T) {
	setupTestEnv(t)
	n := startNode(t, "aa", testConfig("g", "dev-a"))

	require.NoError(t, n.tr.Start(context.Background()))
	assert.True(t, n.tr.IsRunning())

	n.tr.Stop()
	n.tr.Stop()
	assert.Equal(t, StateStopped, n.tr.State())

	require.NoError(t, n.tr.Start(context.Background()))
	assert.True(t, n.tr.IsRunning())
}

func TestSendWithoutSubscribersIsNoop(t *testing.T) {
	setupTestEnv(t)
	n := startNode(t, "aa", testConfig("g", "dev-a"))

	require.NoError(t, n.tr.Send("text/plain", "note.txt", []byte("hello")))

	snap := n.tr.Snapshot()
	assert.Empty(t, snap.Subscribers)
	assert.Zero(t, snap.InFlight)
	assert.Zero(t, snap.Pending)
}

func TestOwnAdvertisementIgnored(t *testing.T) {
	setupTestEnv(t)
	n := startNode(t, "aa", testConfig("g", "dev-a"))

	time.Sleep(400 * time.Millisecond)
	snap := n.tr.Snapshot()
	assert.Empty(t, snap.Connected)
	assert.Empty(t, snap.Connecting)
}

func TestDifferentGroupsStayApart(t *testing.T) {
	setupTestEnv(t)
	a := startNode(t, "aa", testConfig("kitchen", "dev-a"))
	b := startNode(t, "bb", testConfig("garage", "dev-b"))
	require.NotEqual(t, a.tr.ServiceID(), b.tr.ServiceID())

	time.Sleep(500 * time.Millisecond)
	assert.Empty(t, a.tr.Snapshot().Connected)
	assert.Empty(t, b.tr.Snapshot().Connected)
}

func TestExchangeBetweenTwoDevices(t *testing.T) {
	setupTestEnv(t)
	a := startNode(t, "aa", testConfig("g", "dev-a"))
	b := startNode(t, "bb", testConfig("g", "dev-b"))
	waitSubscribed(t, a, b)

	payload := make([]byte, 5000)
	_, err := rand.Read(payload)
	require.NoError(t, err)

	require.NoError(t, a.tr.Send("image/png", "cat.png", payload))
	msg := b.inbox.expect(t)
	assert.Equal(t, "image/png", msg.MimeType)
	assert.Equal(t, "cat.png", msg.Filename)
	assert.Equal(t, payload, msg.Payload)
	assert.True(t, msg.FromDevice("dev-a"))

	require.NoError(t, b.tr.Send("text/plain", "", []byte("back at you")))
	msg = a.inbox.expect(t)
	assert.Equal(t, []byte("back at you"), msg.Payload)
	assert.True(t, msg.FromDevice("dev-b"))

	a.inbox.expectNone(t, 100*time.Millisecond)
	b.inbox.expectNone(t, 100*time.Millisecond)
}

func TestThreeDevicesBroadcast(t *testing.T) {
	setupTestEnv(t)
	a := startNode(t, "aa", testConfig("g", "dev-a"))
	b := startNode(t, "bb", testConfig("g", "dev-b"))
	c := startNode(t, "cc", testConfig("g", "dev-c"))
	waitSubscribed(t, a, b, c)

	require.NoError(t, a.tr.Send("text/plain", "all.txt", []byte("to everyone")))
	assert.Equal(t, "all.txt", b.inbox.expect(t).Filename)
	assert.Equal(t, "all.txt", c.inbox.expect(t).Filename)
}

func TestPeerDisconnectDropsSubscriber(t *testing.T) {
	setupTestEnv(t)
	a := startNode(t, "aa", testConfig("g", "dev-a"))
	b := startNode(t, "bb", testConfig("g", "dev-b"))
	waitSubscribed(t, a, b)

	b.tr.Stop()
	waitFor(t, "subscriber removed", func() bool {
		return len(a.tr.Snapshot().Subscribers) == 0
	})
	waitFor(t, "client dropped", func() bool {
		return len(a.tr.Snapshot().Connected) == 0
	})

	require.NoError(t, b.tr.Start(context.Background()))
	waitSubscribed(t, a, b)
}

func TestStopCancelsInFlightSend(t *testing.T) {
	setupTestEnv(t)
	cfg := testConfig("g", "dev-a")
	cfg.ChunkDelay = 100 * time.Millisecond
	a := startNode(t, "aa", cfg)
	b := startNode(t, "bb", testConfig("g", "dev-b"))
	waitSubscribed(t, a, b)

	s := a.tr.current.Load()
	require.NotNil(t, s)
	require.NoError(t, a.tr.Send("application/octet-stream", "big.bin", make([]byte, 20000)))
	assert.EqualValues(t, 1, s.inFlight.Load())

	time.Sleep(150 * time.Millisecond)
	start := time.Now()
	a.tr.Stop()
	assert.Less(t, time.Since(start), time.Second)
	assert.Zero(t, s.inFlight.Load())
	assert.True(t, errors.Is(a.tr.Send("text/plain", "", []byte("x")), ErrNotRunning))

	b.inbox.expectNone(t, 300*time.Millisecond)
}

func TestDisabledTransportNeitherSendsNorDelivers(t *testing.T) {
	setupTestEnv(t)
	a := startNode(t, "aa", testConfig("g", "dev-a"))
	b := startNode(t, "bb", testConfig("g", "dev-b"))
	waitSubscribed(t, a, b)

	b.tr.SetEnabled(false)
	require.NoError(t, a.tr.Send("text/plain", "muted.txt", []byte("shh")))
	b.inbox.expectNone(t, 300*time.Millisecond)

	a.tr.SetEnabled(false)
	b.tr.SetEnabled(true)
	require.NoError(t, a.tr.Send("text/plain", "gated.txt", []byte("shh")))
	assert.Zero(t, a.tr.Snapshot().InFlight)
	b.inbox.expectNone(t, 100*time.Millisecond)
}

func TestErrorFormatting(t *testing.T) {
	err := &Error{Kind: KindPermission, Msg: "not granted", Missing: []string{"SCAN"}}
	assert.Equal(t, "transport: permission: not granted (missing SCAN)", err.Error())
	assert.True(t, errors.Is(err, ErrPermission))
	assert.False(t, errors.Is(err, ErrRadioUnavailable))

	inner := errors.New("boom")
	wrapped := newError(KindConfiguration, "key", inner)
	assert.True(t, errors.Is(wrapped, inner))
	assert.False(t, IsKind(inner, KindConfiguration))
	assert.Equal(t, "radio unavailable", KindRadioUnavailable.String())
}
