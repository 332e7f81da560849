package transport

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/pkg/errors"

	"github.com/mathdee/cluster-log-subscriber/internal/fragment"
)

// Message headers the publisher side of this protocol is expected to stamp
// on every data-transport message. These play the role spec.md §6 assigns to
// a transport header: a stream position, a reserved tag, and (for the first
// message of a leader's publication) the framing parameters of an Image.
const (
	HeaderStreamPosition  = "X-Stream-Position"
	HeaderReservedValue   = "X-Reserved-Value"
	HeaderInitialTermID   = "X-Initial-Term-Id"
	HeaderTermBufferLen   = "X-Term-Buffer-Length"
	HeaderLeaderSessionID = "X-Leader-Session-Id"
)

// natsImage tracks the stream position a leader session's publication has
// been consumed up to. Position is updated from the owning goroutine only
// (the subscriber driver), but exposed through an atomic so a concurrent
// status reporter can read it safely without taking a lock on the hot path.
type natsImage struct {
	position         atomic.Int64
	initialTermID    int32
	termBufferLength int32
}

func (i *natsImage) Position() int64         { return i.position.Load() }
func (i *natsImage) InitialTermID() int32    { return i.initialTermID }
func (i *natsImage) TermBufferLength() int32 { return i.termBufferLength }

// NATSDataSubscription implements DataSubscription over a JetStream pull
// consumer. Every leader session publishes on its own subject under
// subjectPrefix; a single wildcard pull subscription multiplexes all of
// them, mirroring the teacher's own single-TCP-listener fan-in
// (internal/server/server.go Start/handleConnection) generalized to a
// pub/sub transport. Grounded on the nats-io/nats.go requirement carried by
// other_examples/manifests/ClusterCockpit-cc-backend.
type NATSDataSubscription struct {
	sub *nats.Subscription

	mu     sync.Mutex
	images map[int32]*natsImage
}

// NewNATSDataSubscription subscribes to subjectPrefix+">" as a JetStream
// pull consumer named durableName.
func NewNATSDataSubscription(js nats.JetStreamContext, subjectPrefix, durableName string) (*NATSDataSubscription, error) {
	sub, err := js.PullSubscribe(subjectPrefix+">", durableName)
	if err != nil {
		return nil, errors.Wrap(err, "transport: subscribe data stream")
	}
	return &NATSDataSubscription{sub: sub, images: make(map[int32]*natsImage)}, nil
}

func headerInt64(h nats.Header, key string) int64 {
	v, _ := parseInt64(h.Get(key))
	return v
}

func headerInt32(h nats.Header, key string) int32 {
	v, _ := parseInt64(h.Get(key))
	return int32(v)
}

// ControlledPoll fetches up to limit messages and feeds each one through
// handler. A message whose handler returns anything other than ActionAbort
// is acknowledged (so it is never redelivered); ActionAbort leaves it
// unacknowledged so JetStream redelivers the identical bytes on the next
// poll, matching spec.md's ABORT-safety property.
func (d *NATSDataSubscription) ControlledPoll(handler fragment.Handler, limit int) (int, error) {
	msgs, err := d.sub.Fetch(limit, nats.MaxWait(50*time.Millisecond))
	if err != nil && !errors.Is(err, nats.ErrTimeout) {
		return 0, errors.Wrap(err, "transport: fetch data fragments")
	}

	consumed := 0
	for _, msg := range msgs {
		sessionID := headerInt32(msg.Header, HeaderLeaderSessionID)
		position := headerInt64(msg.Header, HeaderStreamPosition)
		reserved := headerInt64(msg.Header, HeaderReservedValue)

		d.trackImage(msg.Header, sessionID)

		header := fragment.Header{Position: position, ReservedValue: reserved}
		action := handler(msg.Data, 0, len(msg.Data), header)
		switch action {
		case fragment.ActionAbort:
			return consumed, nil
		case fragment.ActionBreak:
			_ = msg.Ack()
			d.advanceImage(sessionID, position)
			consumed++
			return consumed, nil
		default:
			_ = msg.Ack()
			d.advanceImage(sessionID, position)
			consumed++
		}
	}
	return consumed, nil
}

func (d *NATSDataSubscription) trackImage(h nats.Header, sessionID int32) *natsImage {
	d.mu.Lock()
	defer d.mu.Unlock()
	img, ok := d.images[sessionID]
	if !ok {
		img = &natsImage{
			initialTermID:    headerInt32(h, HeaderInitialTermID),
			termBufferLength: headerInt32(h, HeaderTermBufferLen),
		}
		d.images[sessionID] = img
	}
	return img
}

func (d *NATSDataSubscription) advanceImage(sessionID int32, position int64) {
	d.mu.Lock()
	img, ok := d.images[sessionID]
	d.mu.Unlock()
	if ok && position > img.Position() {
		img.position.Store(position)
	}
}

// ImageBySessionID returns the tracked image for sessionID, if this
// subscription has observed at least one fragment for that session.
func (d *NATSDataSubscription) ImageBySessionID(sessionID int32) (Image, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	img, ok := d.images[sessionID]
	if !ok {
		return nil, false
	}
	return img, true
}

// Close unsubscribes the underlying pull consumer.
func (d *NATSDataSubscription) Close() error {
	return d.sub.Unsubscribe()
}

// NATSControlSubscription implements ControlSubscription over a JetStream
// pull consumer carrying wire-encoded ConsensusHeartbeat/Resend envelopes.
type NATSControlSubscription struct {
	sub *nats.Subscription
}

// NewNATSControlSubscription subscribes to subject as a JetStream pull
// consumer named durableName.
func NewNATSControlSubscription(js nats.JetStreamContext, subject, durableName string) (*NATSControlSubscription, error) {
	sub, err := js.PullSubscribe(subject, durableName)
	if err != nil {
		return nil, errors.Wrap(err, "transport: subscribe control stream")
	}
	return &NATSControlSubscription{sub: sub}, nil
}

// ControlledPoll fetches up to limit control envelopes and feeds the raw
// wire bytes through handler. Control envelopes carry their own position
// fields once decoded, so the transport header passed here is zero-valued.
func (c *NATSControlSubscription) ControlledPoll(handler fragment.Handler, limit int) (int, error) {
	msgs, err := c.sub.Fetch(limit, nats.MaxWait(50*time.Millisecond))
	if err != nil && !errors.Is(err, nats.ErrTimeout) {
		return 0, errors.Wrap(err, "transport: fetch control envelopes")
	}

	consumed := 0
	for _, msg := range msgs {
		action := handler(msg.Data, 0, len(msg.Data), fragment.Header{})
		switch action {
		case fragment.ActionAbort:
			return consumed, nil
		case fragment.ActionBreak:
			_ = msg.Ack()
			consumed++
			return consumed, nil
		default:
			_ = msg.Ack()
			consumed++
		}
	}
	return consumed, nil
}

// Close unsubscribes the underlying pull consumer.
func (c *NATSControlSubscription) Close() error {
	return c.sub.Unsubscribe()
}

func parseInt64(s string) (int64, error) {
	if s == "" {
		return 0, nil
	}
	var n int64
	var neg bool
	for i, r := range s {
		if i == 0 && r == '-' {
			neg = true
			continue
		}
		if r < '0' || r > '9' {
			return 0, errors.Errorf("transport: malformed integer header %q", s)
		}
		n = n*10 + int64(r-'0')
	}
	if neg {
		n = -n
	}
	return n, nil
}
