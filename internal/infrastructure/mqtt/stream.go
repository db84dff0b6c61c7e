package mqtt

import (
	"time"
)

// Frame is one item of the inbound sequence.
//
// Data frames carry Topic and Payload. Status frames have StatusChange set
// and report a session transition; they are delivered in order with data so
// the consumer never sees a report from a session it has not been told about.
type Frame struct {
	Topic      string
	Payload    []byte
	ReceivedAt time.Time

	StatusChange bool
	Status       Status
	Err          error
}

// Stream subscribes to topic and returns the inbound frame sequence.
//
// The sequence is lazy and unbounded; it ends only when the client is
// closed. It is not restartable: a second call returns ErrStreamActive.
// Frames are delivered with backpressure, so a slow consumer delays the
// MQTT router rather than losing reports.
func (c *Client) Stream(topic string) (<-chan Frame, error) {
	c.streamMu.Lock()
	if c.closed {
		c.streamMu.Unlock()
		return nil, ErrClosed
	}
	if c.streaming {
		c.streamMu.Unlock()
		return nil, ErrStreamActive
	}
	c.streaming = true
	c.streamMu.Unlock()

	err := c.Subscribe(topic, byte(c.cfg.QoS), func(topic string, payload []byte) error {
		c.emit(Frame{
			Topic:      topic,
			Payload:    payload,
			ReceivedAt: c.now(),
		})
		return nil
	})
	if err != nil {
		c.streamMu.Lock()
		c.streaming = false
		c.streamMu.Unlock()
		return nil, err
	}

	// Report where the session currently stands so the consumer starts in sync.
	c.emit(Frame{ReceivedAt: c.now(), StatusChange: true, Status: c.Status()})

	return c.frames, nil
}

// emit delivers f to the stream consumer. Frames produced before Stream is
// called, or after Close, are discarded.
func (c *Client) emit(f Frame) {
	c.streamMu.RLock()
	defer c.streamMu.RUnlock()

	if !c.streaming || c.closed {
		return
	}

	select {
	case c.frames <- f:
	case <-c.ctx.Done():
	}
}
