// Package inbox keeps the most recently delivered message for the UI.
package inbox

import (
	"encoding/hex"
	"sync"
	"time"

	"github.com/hoppyshare/hoppyshare-ble/envelope"
	"github.com/hoppyshare/hoppyshare-ble/logger"
)

// Entry is a delivered message as the UI sees it.
type Entry struct {
	MimeType string    `json:"mime_type"`
	Filename string    `json:"filename"`
	Sender   string    `json:"sender"`
	Payload  []byte    `json:"payload"`
	Received time.Time `json:"received"`
}

// Store persists the last entry across restarts.
type Store interface {
	Save(e Entry, ttl time.Duration) error
	// Load returns nil, nil when nothing is stored.
	Load() (*Entry, error)
	Clear() error
	Close() error
}

type Option func(*Inbox)

// WithCacheTime forgets the last entry d after it arrived. Zero keeps it forever.
func WithCacheTime(d time.Duration) Option {
	return func(i *Inbox) { i.cacheTime = d }
}

func WithStore(s Store) Option {
	return func(i *Inbox) { i.store = s }
}

func WithClock(now func() time.Time) Option {
	return func(i *Inbox) { i.now = now }
}

type Inbox struct {
	cacheTime time.Duration
	store     Store
	now       func() time.Time
	prefix    string

	mu        sync.Mutex
	last      *Entry
	listeners map[int]func(Entry)
	nextID    int
}

func New(deviceID string, opts ...Option) *Inbox {
	i := &Inbox{
		now:       time.Now,
		prefix:    logger.Prefix(deviceID, "inbox"),
		listeners: make(map[int]func(Entry)),
	}
	for _, opt := range opts {
		opt(i)
	}

	if i.store != nil {
		e, err := i.store.Load()
		switch {
		case err != nil:
			logger.Warn(i.prefix, "loading stored message: %v", err)
		case e != nil && !i.expired(*e):
			i.last = e
			logger.Debug(i.prefix, "restored %q from store", e.Filename)
		}
	}
	return i
}

func (i *Inbox) expired(e Entry) bool {
	return i.cacheTime > 0 && i.now().Sub(e.Received) >= i.cacheTime
}

// Deliver records msg as the last message and notifies listeners.
func (i *Inbox) Deliver(msg *envelope.Message) {
	e := Entry{
		MimeType: msg.MimeType,
		Filename: msg.Filename,
		Sender:   hex.EncodeToString(msg.SenderHash[:]),
		Payload:  msg.Payload,
		Received: i.now(),
	}

	i.mu.Lock()
	i.last = &e
	listeners := make([]func(Entry), 0, len(i.listeners))
	for _, fn := range i.listeners {
		listeners = append(listeners, fn)
	}
	i.mu.Unlock()

	if i.store != nil {
		if err := i.store.Save(e, i.cacheTime); err != nil {
			logger.Warn(i.prefix, "persisting %q: %v", e.Filename, err)
		}
	}
	for _, fn := range listeners {
		fn(e)
	}
}

// Last returns the most recent entry unless it has expired.
func (i *Inbox) Last() (Entry, bool) {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.last == nil {
		return Entry{}, false
	}
	if i.expired(*i.last) {
		logger.Debug(i.prefix, "%q expired", i.last.Filename)
		i.last = nil
		return Entry{}, false
	}
	return *i.last, true
}

func (i *Inbox) Clear() error {
	i.mu.Lock()
	i.last = nil
	i.mu.Unlock()
	if i.store != nil {
		return i.store.Clear()
	}
	return nil
}

// OnMessage registers fn for every delivery. The returned func unregisters it.
func (i *Inbox) OnMessage(fn func(Entry)) func() {
	i.mu.Lock()
	defer i.mu.Unlock()
	id := i.nextID
	i.nextID++
	i.listeners[id] = fn
	return func() {
		i.mu.Lock()
		defer i.mu.Unlock()
		delete(i.listeners, id)
	}
}

func (i *Inbox) Close() error {
	if i.store != nil {
		return i.store.Close()
	}
	return nil
}
