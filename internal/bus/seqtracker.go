package bus

import (
	"context"
	"encoding/binary"
	"fmt"
)

// SeqTracker detects a dropped or out-of-order envelope in a per-key
// sequence of publishes (e.g. a task's StreamToken.Seq numbering) by
// requiring each observed sequence number to be exactly one past the
// last it saw for that key. State is kept in the bus's own KV backend,
// not in process memory, so the check still catches two workers racing
// on the same task's stream after an unsafe claim.
type SeqTracker struct {
	kv KV
}

// NewSeqTracker builds a SeqTracker backed by b's KV store.
func NewSeqTracker(b *Bus) *SeqTracker {
	return &SeqTracker{kv: b.KV("seqtracker")}
}

// ErrSequenceGap reports that seq did not immediately follow the last
// sequence number observed for key.
type ErrSequenceGap struct {
	Key      string
	Expected int64
	Got      int64
}

func (e *ErrSequenceGap) Error() string {
	return fmt.Sprintf("bus: sequence gap for %s: expected %d, got %d", e.Key, e.Expected, e.Got)
}

// Observe records seq for key and reports *ErrSequenceGap if it is not
// exactly one past the last sequence number observed for key. A key's
// first observation is always accepted.
func (t *SeqTracker) Observe(ctx context.Context, key string, seq int64) error {
	data, ok, err := t.kv.Get(ctx, key)
	if err != nil {
		return fmt.Errorf("bus: seqtracker get %s: %w", key, err)
	}
	if ok && len(data) == 8 {
		last := int64(binary.BigEndian.Uint64(data))
		if seq != last+1 {
			return &ErrSequenceGap{Key: key, Expected: last + 1, Got: seq}
		}
	}
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, uint64(seq))
	return t.kv.Set(ctx, key, buf, 0)
}

// Forget drops key's tracked sequence, e.g. once its task reaches a
// terminal state or a fresh dispatch starts a new streaming session for
// it and earlier sequence numbers no longer apply.
func (t *SeqTracker) Forget(ctx context.Context, key string) error {
	return t.kv.Del(ctx, key)
}
