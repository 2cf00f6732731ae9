package conntrack

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSendQueueFetchWithinWindow(t *testing.T) {
	q := NewSendQueue(1024, 1000)
	q.Init(10, 4, 1)

	n := q.Write([]byte("abcdefghijklmnop"))
	require.Equal(t, 16, n)

	segs := q.Fetch()
	require.Len(t, segs, 3)
	assert.Equal(t, Segment{Seq: 1001, Data: []byte("abcd")}, segs[0])
	assert.Equal(t, Segment{Seq: 1005, Data: []byte("efgh")}, segs[1])
	assert.Equal(t, Segment{Seq: 1009, Data: []byte("ij")}, segs[2])
	assert.Equal(t, uint32(1011), q.FetchSeq())

	// ack half, window reopens
	q.Ack(1005, 20)
	assert.Equal(t, uint32(1005), q.Una())
	assert.Equal(t, 12, q.Len())
	segs = q.Fetch()
	require.Len(t, segs, 3)
	assert.Equal(t, uint32(1005), segs[0].Seq)
	assert.Equal(t, []byte("mnop"), segs[2].Data)
}

func TestSendQueueIgnoresStaleAck(t *testing.T) {
	q := NewSendQueue(1024, 1000)
	q.Init(100, 1460, 1)
	q.Write([]byte("hello"))

	q.Ack(1001, 100)
	q.Ack(900, 100)
	assert.Equal(t, uint32(1001), q.Una())
	assert.Equal(t, 5, q.Len())

	// acking beyond the data is ignored while no FIN is pending
	q.Ack(1100, 100)
	assert.Equal(t, 5, q.Len())
}

func TestSendQueueWindowScale(t *testing.T) {
	q := NewSendQueue(1<<20, 0)
	q.Init(1000, 1460, 4)
	assert.Equal(t, 1000, q.Window())

	q.Ack(1, 1000)
	assert.Equal(t, 4000, q.Window())
}

func TestSendQueueFin(t *testing.T) {
	q := NewSendQueue(1024, 1000)
	q.Init(100, 1460, 1)
	q.Write([]byte("bye"))
	q.Close()

	assert.False(t, q.NeedToSendFin())
	assert.Equal(t, 0, q.Write([]byte("more")))
	assert.Equal(t, 3, q.Len())

	q.Ack(1004, 100)
	assert.True(t, q.NeedToSendFin())
	assert.False(t, q.AckOfFinReceived())

	q.Ack(1005, 100)
	assert.True(t, q.AckOfFinReceived())
	assert.False(t, q.NeedToSendFin())
	assert.Equal(t, uint32(1005), q.Una())
}

func TestSendQueueCapacity(t *testing.T) {
	q := NewSendQueue(4, 0)
	assert.Equal(t, 4, q.Write([]byte("abcdef")))
	assert.Equal(t, 0, q.Free())
	assert.Equal(t, 0, q.Write([]byte("x")))
}

func TestReceiveQueueStore(t *testing.T) {
	q := NewReceiveQueue(8)
	q.SetInitialSeq(101)

	// ahead of expected: ignored
	assert.Equal(t, 0, q.Store(Segment{Seq: 105, Data: []byte("zz")}))
	assert.Equal(t, uint32(101), q.ExpectingSeq())

	assert.Equal(t, 3, q.Store(Segment{Seq: 101, Data: []byte("abc")}))
	assert.Equal(t, uint32(104), q.ExpectingSeq())

	// retransmission overlapping the stored prefix keeps only the suffix
	assert.Equal(t, 2, q.Store(Segment{Seq: 102, Data: []byte("bcde")}))
	assert.Equal(t, uint32(106), q.ExpectingSeq())

	// fully seen
	assert.Equal(t, 0, q.Store(Segment{Seq: 101, Data: []byte("ab")}))

	// window bound
	assert.Equal(t, 3, q.Store(Segment{Seq: 106, Data: []byte("fghij")}))
	assert.Equal(t, 0, q.Window())

	buf := make([]byte, 16)
	n := q.Read(buf)
	assert.Equal(t, "abcdefgh", string(buf[:n]))
	assert.Equal(t, uint32(109), q.AckedSeq())
	assert.Equal(t, 8, q.Window())
}

func TestReceiveQueueDiscard(t *testing.T) {
	q := NewReceiveQueue(8)
	q.SetInitialSeq(100)
	require.Equal(t, 2, q.Store(Segment{Seq: 100, Data: []byte("ab")}))

	// discarded bytes advance both sequences and are never buffered
	assert.Equal(t, 3, q.Discard(Segment{Seq: 101, Data: []byte("bcd")}))
	assert.Equal(t, uint32(105), q.ExpectingSeq())
	assert.Equal(t, uint32(103), q.AckedSeq())
	assert.Equal(t, 2, q.Len())

	assert.Equal(t, 0, q.Discard(Segment{Seq: 102, Data: []byte("cd")}))
	assert.Equal(t, 0, q.Discard(Segment{Seq: 110, Data: []byte("x")}))

	buf := make([]byte, 4)
	assert.Equal(t, 2, q.Read(buf))
	assert.Equal(t, uint32(105), q.AckedSeq())
}

func TestReceiveQueueWindowShift(t *testing.T) {
	tests := []struct {
		capacity int
		shift    int
	}{
		{65535, 0},
		{65536, 1},
		{262144, 3},
	}
	for _, tt := range tests {
		q := NewReceiveQueue(tt.capacity)
		assert.Equal(t, tt.shift, q.WindowShift(), "capacity %d", tt.capacity)
		assert.LessOrEqual(t, int(q.AdvertisedWindow())<<q.WindowShift(), tt.capacity)
	}
}

func TestSeqWraparound(t *testing.T) {
	assert.True(t, seqLT(0xfffffff0, 0x10))
	assert.False(t, seqLT(0x10, 0xfffffff0))
	assert.True(t, seqLEQ(5, 5))
}
