package inbox

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hoppyshare/hoppyshare-ble/envelope"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func message(name string) *envelope.Message {
	return &envelope.Message{
		Header: envelope.Header{
			MimeType:   "text/plain",
			Filename:   name,
			SenderHash: envelope.HashDevice("dev-b"),
		},
		Payload: []byte("body of " + name),
	}
}

func TestLastAndClear(t *testing.T) {
	in := New("dev-a")

	_, ok := in.Last()
	assert.False(t, ok)

	in.Deliver(message("one.txt"))
	in.Deliver(message("two.txt"))

	e, ok := in.Last()
	require.True(t, ok)
	assert.Equal(t, "two.txt", e.Filename)
	assert.Equal(t, []byte("body of two.txt"), e.Payload)
	hash := envelope.HashDevice("dev-b")
	assert.Len(t, e.Sender, 2*len(hash))

	require.NoError(t, in.Clear())
	_, ok = in.Last()
	assert.False(t, ok)
}

func TestCacheTimeExpiry(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1700000000, 0)}
	in := New("dev-a", WithCacheTime(time.Minute), WithClock(clock.Now))

	in.Deliver(message("soon-gone.txt"))
	clock.Advance(59 * time.Second)
	_, ok := in.Last()
	assert.True(t, ok)

	clock.Advance(time.Second)
	_, ok = in.Last()
	assert.False(t, ok)
}

func TestListeners(t *testing.T) {
	in := New("dev-a")

	var got []string
	stop := in.OnMessage(func(e Entry) { got = append(got, e.Filename) })
	in.Deliver(message("a.txt"))
	stop()
	in.Deliver(message("b.txt"))

	assert.Equal(t, []string{"a.txt"}, got)
}

func TestBadgerStorePersists(t *testing.T) {
	dir := t.TempDir()

	store, err := OpenBadger(dir)
	require.NoError(t, err)
	in := New("dev-a", WithStore(store))
	in.Deliver(message("kept.bin"))
	require.NoError(t, in.Close())

	store, err = OpenBadger(dir)
	require.NoError(t, err)
	in = New("dev-a", WithStore(store))
	e, ok := in.Last()
	require.True(t, ok)
	assert.Equal(t, "kept.bin", e.Filename)
	assert.Equal(t, []byte("body of kept.bin"), e.Payload)

	require.NoError(t, in.Clear())
	loaded, err := store.Load()
	require.NoError(t, err)
	assert.Nil(t, loaded)
	require.NoError(t, in.Close())
}

func TestBadgerStoreSkipsExpired(t *testing.T) {
	dir := t.TempDir()
	clock := &fakeClock{now: time.Now()}

	store, err := OpenBadger(dir)
	require.NoError(t, err)
	in := New("dev-a", WithStore(store), WithCacheTime(time.Hour), WithClock(clock.Now))
	in.Deliver(message("old.txt"))
	require.NoError(t, in.Close())

	clock.Advance(2 * time.Hour)
	store, err = OpenBadger(dir)
	require.NoError(t, err)
	in = New("dev-a", WithStore(store), WithCacheTime(time.Hour), WithClock(clock.Now))
	defer in.Close()

	_, ok := in.Last()
	assert.False(t, ok)
}
