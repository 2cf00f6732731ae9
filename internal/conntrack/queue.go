package conntrack

// Segment is a run of payload starting at Seq.
type Segment struct {
	Seq  uint32
	Data []byte
}

func (s Segment) End() uint32 { return s.Seq + uint32(len(s.Data)) }

// SendQueue holds data written by the application until the peer acks it.
// buf[0] sits at sequence una. Every transmission round re-sends from una
// (go-back-N).
type SendQueue struct {
	capacity int
	buf      []byte
	iss      uint32
	una      uint32
	sent     int

	window      int // peer window in bytes, already scaled
	windowScale int
	mss         int

	closeRequested bool
	finAcked       bool
}

// NewSendQueue returns a queue holding up to capacity bytes, starting after
// the initial sequence iss.
func NewSendQueue(capacity int, iss uint32) *SendQueue {
	return &SendQueue{
		capacity:    capacity,
		iss:         iss,
		una:         iss + 1,
		window:      0,
		windowScale: 1,
		mss:         DefaultSndMSS,
	}
}

// Init applies the options negotiated from the peer's SYN.
func (q *SendQueue) Init(window, mss, windowScale int) {
	if mss <= 0 {
		mss = DefaultSndMSS
	}
	if windowScale <= 0 {
		windowScale = 1
	}
	q.mss = mss
	q.windowScale = windowScale
	// the window field of a SYN is never scaled
	q.window = window
}

func (q *SendQueue) ISS() uint32 { return q.iss }

// Una is the oldest unacknowledged sequence. A handshake ack must equal it.
func (q *SendQueue) Una() uint32 { return q.una }

// FetchSeq is the next sequence that has not been sent yet.
func (q *SendQueue) FetchSeq() uint32 { return q.una + uint32(q.sent) }

func (q *SendQueue) MSS() int         { return q.mss }
func (q *SendQueue) Window() int      { return q.window }
func (q *SendQueue) WindowScale() int { return q.windowScale }
func (q *SendQueue) Len() int         { return len(q.buf) }
func (q *SendQueue) Free() int        { return q.capacity - len(q.buf) }

// Write appends as much of p as fits and returns the count stored.
func (q *SendQueue) Write(p []byte) int {
	if q.closeRequested {
		return 0
	}
	n := min(len(p), q.Free())
	q.buf = append(q.buf, p[:n]...)
	return n
}

// Ack consumes acknowledged bytes and records the peer window.
func (q *SendQueue) Ack(ack uint32, window int) {
	q.window = window * q.windowScale

	if seqLEQ(ack, q.una) {
		return
	}
	acked := int(ack - q.una)
	if acked > len(q.buf) {
		// only the FIN may be acked past the data
		if q.closeRequested && acked == len(q.buf)+1 {
			q.finAcked = true
		} else {
			return
		}
		acked = len(q.buf)
		q.una++
	}
	q.buf = q.buf[acked:]
	q.una += uint32(acked)
	q.sent = max(q.sent-acked, 0)
}

// Fetch returns the segments that fit the peer window, from una.
func (q *SendQueue) Fetch() []Segment {
	limit := min(len(q.buf), q.window)
	if limit <= 0 {
		return nil
	}
	segs := make([]Segment, 0, limit/q.mss+1)
	for off := 0; off < limit; off += q.mss {
		end := min(off+q.mss, limit)
		segs = append(segs, Segment{Seq: q.una + uint32(off), Data: q.buf[off:end]})
	}
	q.sent = max(q.sent, limit)
	return segs
}

// Close marks that a FIN must follow the queued data.
func (q *SendQueue) Close() { q.closeRequested = true }

func (q *SendQueue) CloseRequested() bool { return q.closeRequested }

// NeedToSendFin reports whether all data is acked and the FIN is still due.
func (q *SendQueue) NeedToSendFin() bool {
	return q.closeRequested && len(q.buf) == 0 && !q.finAcked
}

func (q *SendQueue) AckOfFinReceived() bool { return q.finAcked }

// ReceiveQueue holds in-order payload until the application reads it.
type ReceiveQueue struct {
	capacity    int
	buf         []byte
	expecting   uint32
	acked       uint32
	windowShift int
}

// NewReceiveQueue returns a queue buffering up to capacity bytes. The
// window shift is chosen so the capacity fits the 16 bit window field.
func NewReceiveQueue(capacity int) *ReceiveQueue {
	shift := 0
	for capacity>>shift > 0xffff && shift < 14 {
		shift++
	}
	return &ReceiveQueue{capacity: capacity, windowShift: shift}
}

// SetInitialSeq sets the first sequence expected from the peer.
func (q *ReceiveQueue) SetInitialSeq(seq uint32) {
	q.expecting = seq
	q.acked = seq
}

func (q *ReceiveQueue) ExpectingSeq() uint32 { return q.expecting }

// AckedSeq is the sequence consumed by the application so far.
func (q *ReceiveQueue) AckedSeq() uint32 { return q.acked }

// IncExpectingSeq accounts for a FIN.
func (q *ReceiveQueue) IncExpectingSeq() { q.expecting++ }

// Window is the free space in bytes.
func (q *ReceiveQueue) Window() int { return q.capacity - len(q.buf) }

// WindowScale is the multiplier we advertise.
func (q *ReceiveQueue) WindowScale() int { return 1 << q.windowShift }

// WindowShift is the shift count put in the window-scale option.
func (q *ReceiveQueue) WindowShift() int { return q.windowShift }

// AdvertisedWindow is the value for the tcp window field.
func (q *ReceiveQueue) AdvertisedWindow() uint16 {
	w := q.Window() >> q.windowShift
	return uint16(min(w, 0xffff))
}

func (q *ReceiveQueue) Len() int { return len(q.buf) }

// Store keeps the part of s not seen yet, bounded by the window. Segments
// starting after the expected sequence are ignored. It returns the number of
// bytes accepted.
func (q *ReceiveQueue) Store(s Segment) int {
	if seqLT(q.expecting, s.Seq) {
		return 0
	}
	skip := int(q.expecting - s.Seq)
	if skip >= len(s.Data) {
		return 0
	}
	data := s.Data[skip:]
	n := min(len(data), q.Window())
	q.buf = append(q.buf, data[:n]...)
	q.expecting += uint32(n)
	return n
}

// Discard consumes the part of s not seen yet without keeping it. It
// returns the number of bytes consumed.
func (q *ReceiveQueue) Discard(s Segment) int {
	if seqLT(q.expecting, s.Seq) {
		return 0
	}
	skip := int(q.expecting - s.Seq)
	if skip >= len(s.Data) {
		return 0
	}
	n := len(s.Data) - skip
	q.expecting += uint32(n)
	q.acked += uint32(n)
	return n
}

// Read moves stored bytes into p.
func (q *ReceiveQueue) Read(p []byte) int {
	n := copy(p, q.buf)
	q.buf = q.buf[n:]
	q.acked += uint32(n)
	return n
}
