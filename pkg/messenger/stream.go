package messenger

import (
	"sync"

	"github.com/tangramdev/tangram/pkg/tgerror"
)

// Record is one durable entry of a Stream: a monotonically increasing
// sequence number plus payload. Unlike a pub/sub Message, records survive
// past the moment they're published — a consumer that attaches late still
// sees everything from its last acked offset.
type Record struct {
	Sequence uint64
	Payload  []byte
}

// Stream is a named, append-only, in-memory log with per-consumer
// offsets. It backs the process queue and the index's incoming
// write queue: a single-writer-many-reader log where a consumer
// pulls the records past its cursor. Records are never removed.
type Stream struct {
	mu      sync.Mutex
	name    string
	records []Record
	nextSeq uint64
	cursors map[string]uint64 // consumer name -> next unread index
}

// NewStream creates an empty named stream.
func NewStream(name string) *Stream {
	return &Stream{name: name, cursors: make(map[string]uint64)}
}

// Stream returns the named persistent stream, creating it if absent.
func (m *Messenger) Stream(name string) *Stream {
	m.streamsMu.Lock()
	defer m.streamsMu.Unlock()
	s, ok := m.streams[name]
	if !ok {
		s = NewStream(name)
		m.streams[name] = s
	}
	return s
}

// Append adds payload to the stream and returns its sequence number.
func (s *Stream) Append(payload []byte) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	seq := s.nextSeq
	s.nextSeq++
	s.records = append(s.records, Record{Sequence: seq, Payload: payload})
	return seq
}

// Pull returns up to limit unread records for consumer, advancing its
// cursor. It does not wait for new records; callers poll or select on a
// companion pub/sub topic to know when to call again.
func (s *Stream) Pull(consumer string, limit int) []Record {
	s.mu.Lock()
	defer s.mu.Unlock()

	start := int(s.cursors[consumer])
	if start >= len(s.records) {
		return nil
	}
	end := start + limit
	if end > len(s.records) {
		end = len(s.records)
	}
	out := make([]Record, end-start)
	copy(out, s.records[start:end])
	s.cursors[consumer] = uint64(end)
	return out
}

// Len reports the total number of records ever appended.
func (s *Stream) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}

// CAS compares-and-swaps a single record at seq, invoking fn with its
// payload; fn returns the new payload (or an error to abort, leaving the
// record untouched). The process queue does not use it: its dequeue CAS
// (enqueued -> dequeued) runs against the index, and the stream record
// is only pulled, never rewritten.
func (s *Stream) CAS(seq uint64, fn func(payload []byte) ([]byte, error)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.records {
		if s.records[i].Sequence == seq {
			next, err := fn(s.records[i].Payload)
			if err != nil {
				return err
			}
			s.records[i].Payload = next
			return nil
		}
	}
	return tgerror.New(tgerror.CodeNotFound, "stream record %d not found", seq)
}
