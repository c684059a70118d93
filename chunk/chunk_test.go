package chunk

import (
	"bytes"
	"crypto/rand"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/hoppyshare/hoppyshare-ble/envelope"
)

func reassembleAll(t *testing.T, r *Reassembler, chunks [][]byte) []byte {
	t.Helper()
	var out []byte
	for i, c := range chunks {
		msg, err := r.Receive(c)
		require.NoError(t, err)
		if msg != nil {
			require.Equal(t, len(chunks)-1, i, "completed before the final chunk")
			out = msg
		}
	}
	return out
}

func TestHeaderEncoding(t *testing.T) {
	chunks, err := SplitWithID([]byte("abcdefgh"), 8, 0xBEEF)
	require.NoError(t, err)
	require.Len(t, chunks, 2)

	assert.Equal(t, []byte{0xBE, 0xEF, 0x00, 0x00, 'a', 'b', 'c', 'd'}, chunks[0])
	assert.Equal(t, []byte{0xBE, 0xEF, 0x00, 0x03, 'e', 'f', 'g', 'h'}, chunks[1])

	h, data, err := Parse(chunks[1])
	require.NoError(t, err)
	assert.Equal(t, Header{MsgID: 0xBEEF, Seq: 1, Last: true}, h)
	assert.Equal(t, "efgh", string(data))
}

func TestSplitBounds(t *testing.T) {
	msg := make([]byte, 1234)
	chunks, err := Split(msg, DefaultMTU)
	require.NoError(t, err)
	require.Len(t, chunks, 3)
	for _, c := range chunks {
		assert.LessOrEqual(t, len(c), DefaultMTU)
	}

	lastCount := 0
	for i, c := range chunks {
		h, _, err := Parse(c)
		require.NoError(t, err)
		assert.Equal(t, uint16(i), h.Seq)
		if h.Last {
			lastCount++
			assert.Equal(t, len(chunks)-1, i)
		}
	}
	assert.Equal(t, 1, lastCount)

	_, err = Split(msg, HeaderSize)
	assert.Error(t, err)
	_, err = Split(make([]byte, MaxChunks+1), HeaderSize+1)
	assert.ErrorIs(t, err, ErrTooManyChunks)
}

func TestEmptyMessage(t *testing.T) {
	chunks, err := SplitWithID(nil, 8, 7)
	require.NoError(t, err)
	require.Len(t, chunks, 1)

	msg, err := NewReassembler().Receive(chunks[0])
	require.NoError(t, err)
	assert.NotNil(t, msg)
	assert.Empty(t, msg)
}

func TestReverseOrder(t *testing.T) {
	payload := []byte("the quick brown fox jumps over the lazy dog")
	chunks, err := Split(payload, 9)
	require.NoError(t, err)

	for i, j := 0, len(chunks)-1; i < j; i, j = i+1, j-1 {
		chunks[i], chunks[j] = chunks[j], chunks[i]
	}
	r := NewReassembler()
	assert.Equal(t, payload, reassembleAll(t, r, chunks))
	assert.Equal(t, 0, r.Pending())
}

func TestInterleavedMessages(t *testing.T) {
	a := bytes.Repeat([]byte("A"), 50)
	b := bytes.Repeat([]byte("B"), 37)
	ca, err := SplitWithID(a, 10, 1)
	require.NoError(t, err)
	cb, err := SplitWithID(b, 10, 2)
	require.NoError(t, err)

	r := NewReassembler()
	var gotA, gotB []byte
	for i := 0; i < len(ca) || i < len(cb); i++ {
		for _, src := range [][][]byte{ca, cb} {
			if i >= len(src) {
				continue
			}
			msg, err := r.Receive(src[i])
			require.NoError(t, err)
			if msg == nil {
				continue
			}
			if msg[0] == 'A' {
				gotA = msg
			} else {
				gotB = msg
			}
		}
	}
	assert.Equal(t, a, gotA)
	assert.Equal(t, b, gotB)
	assert.Equal(t, 0, r.Pending())
}

func TestDuplicateChunkIsIdempotent(t *testing.T) {
	chunks, err := SplitWithID([]byte("0123456789"), 8, 9)
	require.NoError(t, err)
	r := NewReassembler()

	msg, err := r.Receive(chunks[0])
	require.NoError(t, err)
	assert.Nil(t, msg)
	msg, err = r.Receive(chunks[0])
	require.NoError(t, err)
	assert.Nil(t, msg)
	assert.Equal(t, 1, r.Pending())

	msg, err = r.Receive(chunks[2])
	require.NoError(t, err)
	assert.Nil(t, msg)
	msg, err = r.Receive(chunks[1])
	require.NoError(t, err)
	assert.Equal(t, "0123456789", string(msg))
}

func TestShortChunkRejected(t *testing.T) {
	r := NewReassembler()
	pending, err := SplitWithID([]byte("0123456789"), 8, 3)
	require.NoError(t, err)
	_, err = r.Receive(pending[0])
	require.NoError(t, err)

	msg, err := r.Receive([]byte{0x00, 0x03, 0x00})
	assert.Nil(t, msg)
	var mce *MalformedChunkError
	require.True(t, errors.As(err, &mce), "got %v", err)
	assert.Equal(t, []uint16{3}, r.PendingIDs())
}

func TestSeqBeyondTotalRejected(t *testing.T) {
	r := NewReassembler()
	last := AppendHeader(nil, Header{MsgID: 5, Seq: 1, Last: true})
	_, err := r.Receive(append(last, 'b'))
	require.NoError(t, err)

	stray := AppendHeader(nil, Header{MsgID: 5, Seq: 40})
	_, err = r.Receive(append(stray, 'x'))
	var mce *MalformedChunkError
	require.True(t, errors.As(err, &mce), "got %v", err)
	assert.Equal(t, uint16(5), mce.MsgID)
	assert.Equal(t, 0, r.Pending())
}

func TestLateLastChunkBelowSeenSeq(t *testing.T) {
	r := NewReassembler()
	_, err := r.Receive(append(AppendHeader(nil, Header{MsgID: 6, Seq: 4}), 'x'))
	require.NoError(t, err)

	_, err = r.Receive(append(AppendHeader(nil, Header{MsgID: 6, Seq: 2, Last: true}), 'y'))
	var mce *MalformedChunkError
	require.True(t, errors.As(err, &mce), "got %v", err)
	assert.Equal(t, 0, r.Pending())
}

func TestConflictingLastChunks(t *testing.T) {
	r := NewReassembler()
	_, err := r.Receive(AppendHeader(nil, Header{MsgID: 8, Seq: 3, Last: true}))
	require.NoError(t, err)
	_, err = r.Receive(AppendHeader(nil, Header{MsgID: 8, Seq: 1, Last: true}))
	var mce *MalformedChunkError
	assert.True(t, errors.As(err, &mce), "got %v", err)
}

func TestMaxMessageSize(t *testing.T) {
	r := NewReassembler(WithMaxMessageSize(6))
	_, err := r.Receive(append(AppendHeader(nil, Header{MsgID: 1, Seq: 0}), "abcd"...))
	require.NoError(t, err)
	_, err = r.Receive(append(AppendHeader(nil, Header{MsgID: 1, Seq: 1}), "efgh"...))
	var mce *MalformedChunkError
	require.True(t, errors.As(err, &mce), "got %v", err)
	assert.Equal(t, 0, r.Pending())
}

func TestMaxPendingEvictsOldest(t *testing.T) {
	now := time.Unix(1000, 0)
	r := NewReassembler(WithMaxPending(2), WithClock(func() time.Time { return now }))

	for id := uint16(1); id <= 3; id++ {
		_, err := r.Receive(append(AppendHeader(nil, Header{MsgID: id}), 'x'))
		require.NoError(t, err)
		now = now.Add(time.Second)
	}
	assert.Equal(t, []uint16{2, 3}, r.PendingIDs())
}

func TestEvictExpired(t *testing.T) {
	now := time.Unix(1000, 0)
	r := NewReassembler(WithTTL(10*time.Second), WithClock(func() time.Time { return now }))

	_, err := r.Receive(append(AppendHeader(nil, Header{MsgID: 1}), 'x'))
	require.NoError(t, err)
	now = now.Add(6 * time.Second)
	_, err = r.Receive(append(AppendHeader(nil, Header{MsgID: 2}), 'y'))
	require.NoError(t, err)

	now = now.Add(5 * time.Second)
	assert.Equal(t, 1, r.Evict())
	assert.Equal(t, []uint16{2}, r.PendingIDs())

	// A chunk arriving after eviction starts a fresh entry.
	_, err = r.Receive(append(AppendHeader(nil, Header{MsgID: 1, Seq: 1, Last: true}), 'z'))
	require.NoError(t, err)
	assert.Equal(t, []uint16{1, 2}, r.PendingIDs())

	r.Reset()
	assert.Equal(t, 0, r.Pending())
	assert.Equal(t, 0, NewReassembler(WithTTL(0)).Evict())
}

func TestEnvelopeOverSmallMTU(t *testing.T) {
	key := make([]byte, envelope.KeySize)
	_, err := rand.Read(key)
	require.NoError(t, err)
	codec, err := envelope.NewCodec(key)
	require.NoError(t, err)

	sealed, err := codec.Encode("text/plain", "clipboard.txt", "device-123", []byte("hello world"))
	require.NoError(t, err)

	chunks, err := Split(sealed, 8)
	require.NoError(t, err)
	assert.Len(t, chunks, (len(sealed)+3)/4)
	for _, c := range chunks {
		assert.LessOrEqual(t, len(c), 8)
	}

	data := reassembleAll(t, NewReassembler(), chunks)
	msg, err := codec.Decode(data)
	require.NoError(t, err)
	assert.Equal(t, "hello world", string(msg.Payload))
}

func TestSplitReassembleAnyOrder(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		payload := rapid.SliceOfN(rapid.Byte(), 1, 20000).Draw(t, "payload")
		mtu := rapid.IntRange(HeaderSize+1, 600).Draw(t, "mtu")

		chunks, err := Split(payload, mtu)
		if err != nil {
			t.Fatalf("Split failed: %v", err)
		}
		if len(chunks) != Count(len(payload), mtu) {
			t.Fatalf("got %d chunks, want %d", len(chunks), Count(len(payload), mtu))
		}
		order := rapid.Permutation(chunks).Draw(t, "order")

		r := NewReassembler()
		var got []byte
		for i, c := range order {
			if len(c) > mtu {
				t.Fatalf("chunk of %d bytes exceeds mtu %d", len(c), mtu)
			}
			msg, err := r.Receive(c)
			if err != nil {
				t.Fatalf("Receive failed: %v", err)
			}
			if msg != nil && i != len(order)-1 {
				t.Fatalf("completed after %d of %d chunks", i+1, len(order))
			}
			if msg != nil {
				got = msg
			}
		}
		if !bytes.Equal(got, payload) {
			t.Fatalf("reassembled %d bytes, want %d", len(got), len(payload))
		}
		if r.Pending() != 0 {
			t.Fatalf("entry left behind")
		}
	})
}
