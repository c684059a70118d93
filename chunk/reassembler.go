package chunk

import (
	"fmt"
	"sort"
	"time"
)

const (
	DefaultTTL            = 30 * time.Second
	DefaultMaxPending     = 64
	DefaultMaxMessageSize = 32 << 20
)

type entry struct {
	chunks   map[uint16][]byte
	total    int // 0 until the last chunk arrives
	size     int
	maxSeq   uint16
	created  time.Time
	lastSeen time.Time
}

// Reassembler rebuilds messages keyed by msgId. It is not safe for
// concurrent use; the transport's event loop owns it.
type Reassembler struct {
	entries        map[uint16]*entry
	ttl            time.Duration
	maxPending     int
	maxMessageSize int
	now            func() time.Time
}

type Option func(*Reassembler)

// WithTTL sets how long an incomplete entry survives without new chunks.
// Zero disables expiry.
func WithTTL(ttl time.Duration) Option {
	return func(r *Reassembler) { r.ttl = ttl }
}

// WithMaxPending caps the number of in-flight messages; the oldest is evicted.
func WithMaxPending(n int) Option {
	return func(r *Reassembler) { r.maxPending = n }
}

// WithMaxMessageSize caps the bytes buffered for one msgId.
func WithMaxMessageSize(n int) Option {
	return func(r *Reassembler) { r.maxMessageSize = n }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(r *Reassembler) { r.now = now }
}

func NewReassembler(opts ...Option) *Reassembler {
	r := &Reassembler{
		entries:        make(map[uint16]*entry),
		ttl:            DefaultTTL,
		maxPending:     DefaultMaxPending,
		maxMessageSize: DefaultMaxMessageSize,
		now:            time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Receive feeds one raw chunk. It returns the message once every seq up to
// the last chunk is present, and nil while the message is incomplete.
// A *MalformedChunkError leaves other entries untouched.
func (r *Reassembler) Receive(raw []byte) ([]byte, error) {
	h, data, err := Parse(raw)
	if err != nil {
		return nil, err
	}

	now := r.now()
	e, ok := r.entries[h.MsgID]
	if !ok {
		if r.maxPending > 0 && len(r.entries) >= r.maxPending {
			r.evictOldest()
		}
		e = &entry{chunks: make(map[uint16][]byte), created: now}
		r.entries[h.MsgID] = e
	}
	e.lastSeen = now

	if e.total > 0 && int(h.Seq) >= e.total {
		delete(r.entries, h.MsgID)
		return nil, &MalformedChunkError{MsgID: h.MsgID, Reason: fmt.Sprintf("seq %d beyond total %d", h.Seq, e.total)}
	}
	if h.Last {
		total := int(h.Seq) + 1
		if (e.total > 0 && e.total != total) || (len(e.chunks) > 0 && int(e.maxSeq) >= total) {
			delete(r.entries, h.MsgID)
			return nil, &MalformedChunkError{MsgID: h.MsgID, Reason: fmt.Sprintf("inconsistent total %d", total)}
		}
		e.total = total
	}

	if prev, dup := e.chunks[h.Seq]; dup {
		e.size -= len(prev)
	}
	if r.maxMessageSize > 0 && e.size+len(data) > r.maxMessageSize {
		delete(r.entries, h.MsgID)
		return nil, &MalformedChunkError{MsgID: h.MsgID, Reason: fmt.Sprintf("message exceeds %d bytes", r.maxMessageSize)}
	}

	buf := make([]byte, len(data))
	copy(buf, data)
	e.chunks[h.Seq] = buf
	e.size += len(buf)
	if h.Seq > e.maxSeq {
		e.maxSeq = h.Seq
	}

	if e.total == 0 || len(e.chunks) != e.total {
		return nil, nil
	}

	msg := make([]byte, 0, e.size)
	for seq := 0; seq < e.total; seq++ {
		msg = append(msg, e.chunks[uint16(seq)]...)
	}
	delete(r.entries, h.MsgID)
	return msg, nil
}

// Evict drops entries idle for longer than the TTL and returns how many went.
func (r *Reassembler) Evict() int {
	if r.ttl <= 0 {
		return 0
	}
	cutoff := r.now().Add(-r.ttl)
	n := 0
	for id, e := range r.entries {
		if e.lastSeen.Before(cutoff) {
			delete(r.entries, id)
			n++
		}
	}
	return n
}

// Pending returns the number of incomplete messages.
func (r *Reassembler) Pending() int {
	return len(r.entries)
}

// PendingIDs returns the msgIds being reassembled, sorted.
func (r *Reassembler) PendingIDs() []uint16 {
	ids := make([]uint16, 0, len(r.entries))
	for id := range r.entries {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Reset drops every entry.
func (r *Reassembler) Reset() {
	r.entries = make(map[uint16]*entry)
}

func (r *Reassembler) evictOldest() {
	var (
		oldestID uint16
		oldest   *entry
	)
	for id, e := range r.entries {
		if oldest == nil || e.created.Before(oldest.created) {
			oldestID, oldest = id, e
		}
	}
	if oldest != nil {
		delete(r.entries, oldestID)
	}
}
