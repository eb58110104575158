package session

import (
	"encoding/json"
	"iter"
	"time"
)

// BufferedOutput is one agent output message held for replay. Immutable once
// created.
type BufferedOutput struct {
	Seq       uint64          `json:"seq"`
	Content   json.RawMessage `json:"content"`
	Timestamp time.Time       `json:"timestamp"`
}

// OutputBuffer stores agent output in arrival order until a consumer
// acknowledges it. It is bounded: once maxSize entries are held, pushing
// evicts the oldest entry first. The buffer exists for short-term replay
// after a consumer or host restart, not as an audit log.
//
// Sequence numbers are assigned in arrival order, are unique for the
// buffer's lifetime, and are never reused, including across a snapshot
// round-trip.
type OutputBuffer struct {
	outputs []BufferedOutput
	nextSeq uint64
	maxSize int
}

// NewOutputBuffer creates an empty buffer holding at most maxSize entries.
// There is no default limit; the caller decides how much replay history a
// disconnected consumer deserves.
func NewOutputBuffer(maxSize int) *OutputBuffer {
	return &OutputBuffer{maxSize: maxSize}
}

// Push appends content and returns its assigned sequence number.
func (b *OutputBuffer) Push(content json.RawMessage) uint64 {
	return b.PushAt(content, time.Now())
}

// PushAt appends content with an explicit timestamp.
func (b *OutputBuffer) PushAt(content json.RawMessage, ts time.Time) uint64 {
	seq := b.nextSeq
	b.nextSeq++

	b.outputs = append(b.outputs, BufferedOutput{
		Seq:       seq,
		Content:   content,
		Timestamp: ts,
	})

	for len(b.outputs) > b.maxSize {
		b.outputs = b.outputs[1:]
	}

	return seq
}

// Ack removes every entry with sequence number <= seq. Acking a sequence
// with no corresponding entry is a no-op, so consumers may re-ack
// defensively.
func (b *OutputBuffer) Ack(seq uint64) {
	i := 0
	for i < len(b.outputs) && b.outputs[i].Seq <= seq {
		i++
	}
	b.outputs = b.outputs[i:]
}

// Pending yields the buffer's current contents in ascending sequence order
// without mutating it. The sequence is finite and restartable.
func (b *OutputBuffer) Pending() iter.Seq[BufferedOutput] {
	outputs := b.outputs
	return func(yield func(BufferedOutput) bool) {
		for _, out := range outputs {
			if !yield(out) {
				return
			}
		}
	}
}

// PendingCount returns the number of unacknowledged entries.
func (b *OutputBuffer) PendingCount() int {
	return len(b.outputs)
}

// IsEmpty reports whether no entries are pending.
func (b *OutputBuffer) IsEmpty() bool {
	return len(b.outputs) == 0
}

// ToSnapshot exports the buffer contents for persistence.
func (b *OutputBuffer) ToSnapshot() []BufferedOutput {
	out := make([]BufferedOutput, len(b.outputs))
	copy(out, b.outputs)
	return out
}

// FromSnapshot rebuilds a buffer from exported contents. The next sequence
// number continues after the highest restored one so monotonicity holds
// across a restart.
func FromSnapshot(outputs []BufferedOutput, maxSize int) *OutputBuffer {
	var nextSeq uint64
	for _, out := range outputs {
		if out.Seq >= nextSeq {
			nextSeq = out.Seq + 1
		}
	}

	buf := &OutputBuffer{
		outputs: make([]BufferedOutput, len(outputs)),
		nextSeq: nextSeq,
		maxSize: maxSize,
	}
	copy(buf.outputs, outputs)

	for len(buf.outputs) > buf.maxSize {
		buf.outputs = buf.outputs[1:]
	}
	return buf
}
