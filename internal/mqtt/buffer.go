package mqtt

import log "github.com/sirupsen/logrus"

// bufferedMsg stores a serialized MQTT message for replay after reconnection.
type bufferedMsg struct {
	topic    string
	payload  []byte
	qos      byte
	retained bool
}

// ringBuffer is a bounded FIFO that stores messages while disconnected.
// A retained message supersedes any buffered retained message on the same
// topic, so a long outage replays only the latest reading.
// Not safe for concurrent use; the caller must synchronize.
type ringBuffer struct {
	msgs     []bufferedMsg
	capacity int
	dropped  int // messages lost to overflow since last drain
}

func newRingBuffer(capacity int) *ringBuffer {
	return &ringBuffer{
		msgs:     make([]bufferedMsg, 0, capacity),
		capacity: capacity,
	}
}

func (r *ringBuffer) push(msg bufferedMsg) {
	if msg.retained {
		for i, m := range r.msgs {
			if m.retained && m.topic == msg.topic {
				r.msgs = append(r.msgs[:i], r.msgs[i+1:]...)
				break
			}
		}
	}
	if len(r.msgs) == r.capacity {
		if r.dropped == 0 {
			log.Warnf("mqtt: buffer full (%d messages), dropping oldest", r.capacity)
		}
		r.dropped++
		r.msgs = append(r.msgs[:0], r.msgs[1:]...)
	}
	r.msgs = append(r.msgs, msg)
}

// drainAll returns the buffered messages oldest first and empties the buffer.
func (r *ringBuffer) drainAll() []bufferedMsg {
	if len(r.msgs) == 0 {
		return nil
	}
	if r.dropped > 0 {
		log.Warnf("mqtt: %d messages were dropped while disconnected", r.dropped)
	}

	result := make([]bufferedMsg, len(r.msgs))
	copy(result, r.msgs)
	r.msgs = r.msgs[:0]
	r.dropped = 0
	return result
}

func (r *ringBuffer) len() int {
	return len(r.msgs)
}
