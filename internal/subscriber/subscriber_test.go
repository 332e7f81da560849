package subscriber

import (
	"sort"
	"testing"

	"github.com/mathdee/cluster-log-subscriber/internal/archive"
	"github.com/mathdee/cluster-log-subscriber/internal/fragment"
	"github.com/mathdee/cluster-log-subscriber/internal/transport"
	"github.com/mathdee/cluster-log-subscriber/internal/wire"
)

const testClusterStreamID = 7

// fakeImage is a per-session view of a fake data transport. Its position only
// advances as fragments for that session are consumed (non-aborted) by
// ControlledPoll, mirroring a real Image's own read position rather than the
// volume of data the publisher has produced.
type fakeImage struct {
	pos              int64
	initialTermID    int32
	termBufferLength int32
}

func (i *fakeImage) Position() int64        { return i.pos }
func (i *fakeImage) InitialTermID() int32   { return i.initialTermID }
func (i *fakeImage) TermBufferLength() int32 { return i.termBufferLength }

type fakeFragment struct {
	sessionID int32
	buffer    []byte
	header    fragment.Header
}

type fakeDataTransport struct {
	pending []fakeFragment
	images  map[int32]*fakeImage
	closed  bool
}

func newFakeDataTransport() *fakeDataTransport {
	return &fakeDataTransport{images: map[int32]*fakeImage{}}
}

func (t *fakeDataTransport) push(sessionID int32, buf []byte, header fragment.Header) {
	if _, ok := t.images[sessionID]; !ok {
		t.images[sessionID] = &fakeImage{initialTermID: 1, termBufferLength: 1 << 20}
	}
	t.pending = append(t.pending, fakeFragment{sessionID: sessionID, buffer: buf, header: header})
}

func (t *fakeDataTransport) ImageBySessionID(sessionID int32) (transport.Image, bool) {
	img, ok := t.images[sessionID]
	return img, ok
}

func (t *fakeDataTransport) ControlledPoll(handler fragment.Handler, limit int) (int, error) {
	count := 0
	for len(t.pending) > 0 && count < limit {
		f := t.pending[0]
		action := handler(f.buffer, 0, len(f.buffer), f.header)
		if action == fragment.ActionAbort {
			break
		}
		t.pending = t.pending[1:]
		count++
		if img := t.images[f.sessionID]; img != nil && f.header.Position > img.pos {
			img.pos = f.header.Position
		}
		if action == fragment.ActionBreak {
			break
		}
	}
	return count, nil
}

func (t *fakeDataTransport) Close() error {
	t.closed = true
	return nil
}

type fakeControlTransport struct {
	pending [][]byte
	closed  bool
}

func (t *fakeControlTransport) push(buf []byte) {
	t.pending = append(t.pending, buf)
}

func (t *fakeControlTransport) ControlledPoll(handler fragment.Handler, limit int) (int, error) {
	count := 0
	for len(t.pending) > 0 && count < limit {
		buf := t.pending[0]
		action := handler(buf, 0, len(buf), fragment.Header{})
		if action == fragment.ActionAbort {
			break
		}
		t.pending = t.pending[1:]
		count++
		if action == fragment.ActionBreak {
			break
		}
	}
	return count, nil
}

func (t *fakeControlTransport) Close() error {
	t.closed = true
	return nil
}

type fakeSessionReader struct {
	entries map[int64][]byte
}

func (r *fakeSessionReader) ReadUpTo(fromStreamPos, toStreamPos int64, handler fragment.Handler) (int64, error) {
	var starts []int64
	for start := range r.entries {
		if start >= fromStreamPos && start < toStreamPos {
			starts = append(starts, start)
		}
	}
	sort.Slice(starts, func(i, j int) bool { return starts[i] < starts[j] })

	var reached int64
	for _, start := range starts {
		value := r.entries[start]
		end := start + int64(len(value))
		action := handler(value, 0, len(value), fragment.Header{Position: end})
		if action == fragment.ActionAbort {
			break
		}
		reached = end
		if action == fragment.ActionBreak {
			break
		}
	}
	return reached, nil
}

type fakeArchive struct {
	sessions map[int32]*fakeSessionReader
	closed   bool
}

func newFakeArchive() *fakeArchive {
	return &fakeArchive{sessions: map[int32]*fakeSessionReader{}}
}

func (a *fakeArchive) Session(sessionID int32) (archive.SessionReader, bool) {
	r, ok := a.sessions[sessionID]
	return r, ok
}

func (a *fakeArchive) Close() error {
	a.closed = true
	return nil
}

// payload returns a distinctive n-byte buffer that can never be mistaken for
// a consensus-heartbeat template id by the message filter's rule 4.
func payload(n int) []byte {
	buf := make([]byte, n)
	for i := range buf {
		buf[i] = 0xAA
	}
	return buf
}

func newTestSubscriber(t *testing.T, dt *fakeDataTransport, ct *fakeControlTransport, ar archive.Reader) *Subscriber {
	t.Helper()
	sub, err := New(Config{
		ClusterStreamID:  testClusterStreamID,
		DataTransport:    dt,
		ControlTransport: ct,
		Archive:          ar,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return sub
}

func collectHandler(delivered *[][]byte) fragment.Handler {
	return func(buffer []byte, offset, length int, header fragment.Header) fragment.Action {
		cp := make([]byte, length)
		copy(cp, buffer[offset:offset+length])
		*delivered = append(*delivered, cp)
		return fragment.ActionContinue
	}
}

func TestScenarioS1SingleTermLiveData(t *testing.T) {
	dt := newFakeDataTransport()
	ct := &fakeControlTransport{}
	ar := newFakeArchive()
	sub := newTestSubscriber(t, dt, ct, ar)

	ct.push(wire.EncodeConsensusHeartbeat(wire.ConsensusHeartbeat{
		LeadershipTerm: 1, LeaderSessionID: 100, Position: 100, StreamStartPosition: 0, StreamPosition: 100,
	}))
	dt.push(100, payload(40), fragment.Header{Position: 40, ReservedValue: testClusterStreamID})
	dt.push(100, payload(40), fragment.Header{Position: 80, ReservedValue: testClusterStreamID})
	dt.push(100, payload(20), fragment.Header{Position: 100, ReservedValue: testClusterStreamID})

	var delivered [][]byte
	if _, err := sub.Poll(collectHandler(&delivered), 10); err != nil {
		t.Fatalf("Poll: %v", err)
	}

	if len(delivered) != 3 {
		t.Fatalf("expected 3 fragments delivered, got %d", len(delivered))
	}
	if sub.StreamPosition() != 100 {
		t.Errorf("StreamPosition() = %d, want 100", sub.StreamPosition())
	}
	if sub.CurrentLeadershipTerm() != 1 {
		t.Errorf("CurrentLeadershipTerm() = %d, want 1", sub.CurrentLeadershipTerm())
	}
}

func TestScenarioS2InOrderTermSwitch(t *testing.T) {
	dt := newFakeDataTransport()
	ct := &fakeControlTransport{}
	ar := newFakeArchive()
	sub := newTestSubscriber(t, dt, ct, ar)

	ct.push(wire.EncodeConsensusHeartbeat(wire.ConsensusHeartbeat{
		LeadershipTerm: 1, LeaderSessionID: 100, Position: 100, StreamStartPosition: 0, StreamPosition: 100,
	}))
	dt.push(100, payload(100), fragment.Header{Position: 100, ReservedValue: testClusterStreamID})

	var delivered [][]byte
	if _, err := sub.Poll(collectHandler(&delivered), 10); err != nil {
		t.Fatalf("Poll 1: %v", err)
	}
	if len(delivered) != 1 {
		t.Fatalf("term 1: expected 1 fragment, got %d", len(delivered))
	}

	ct.push(wire.EncodeConsensusHeartbeat(wire.ConsensusHeartbeat{
		LeadershipTerm: 2, LeaderSessionID: 200, Position: 160, StreamStartPosition: 0, StreamPosition: 60,
	}))
	dt.push(200, payload(60), fragment.Header{Position: 60, ReservedValue: testClusterStreamID})

	delivered = nil
	if _, err := sub.Poll(collectHandler(&delivered), 10); err != nil {
		t.Fatalf("Poll 2: %v", err)
	}
	if len(delivered) != 1 || len(delivered[0]) != 60 {
		t.Fatalf("term 2: expected one 60-byte fragment, got %v", delivered)
	}
	if sub.CurrentLeadershipTerm() != 2 {
		t.Errorf("CurrentLeadershipTerm() = %d, want 2", sub.CurrentLeadershipTerm())
	}
}

func TestScenarioS3OutOfOrderFutureAck(t *testing.T) {
	dt := newFakeDataTransport()
	ct := &fakeControlTransport{}
	ar := newFakeArchive()
	sub := newTestSubscriber(t, dt, ct, ar)

	ct.push(wire.EncodeConsensusHeartbeat(wire.ConsensusHeartbeat{
		LeadershipTerm: 1, LeaderSessionID: 100, Position: 100, StreamStartPosition: 0, StreamPosition: 100,
	}))
	dt.push(100, payload(100), fragment.Header{Position: 100, ReservedValue: testClusterStreamID})

	var delivered [][]byte
	if _, err := sub.Poll(collectHandler(&delivered), 10); err != nil {
		t.Fatalf("Poll 1: %v", err)
	}

	// Term 3 arrives before term 2 -- it must be queued, not applied.
	ct.push(wire.EncodeConsensusHeartbeat(wire.ConsensusHeartbeat{
		LeadershipTerm: 3, LeaderSessionID: 300, Position: 220, StreamStartPosition: 0, StreamPosition: 60,
	}))
	dt.push(300, payload(60), fragment.Header{Position: 60, ReservedValue: testClusterStreamID})

	delivered = nil
	if _, err := sub.Poll(collectHandler(&delivered), 10); err != nil {
		t.Fatalf("Poll 2: %v", err)
	}
	if len(delivered) != 0 {
		t.Fatalf("term 3 must not be delivered before term 2: got %d fragments", len(delivered))
	}
	if sub.CurrentLeadershipTerm() != 1 {
		t.Fatalf("CurrentLeadershipTerm() = %d, want 1 (still on term 1)", sub.CurrentLeadershipTerm())
	}

	ct.push(wire.EncodeConsensusHeartbeat(wire.ConsensusHeartbeat{
		LeadershipTerm: 2, LeaderSessionID: 200, Position: 160, StreamStartPosition: 0, StreamPosition: 60,
	}))
	dt.push(200, payload(60), fragment.Header{Position: 60, ReservedValue: testClusterStreamID})

	// Applying term 2 makes previousConsensusPosition reach 160, which is
	// exactly what the queued term-3 future ack was waiting on: the
	// opportunistic re-probe (spec.md §4.B) chain-applies it within this
	// same poll, before term 2's own data has been read from the data
	// transport. Term 2's data is therefore superseded and never delivered
	// to the handler -- the driver only ever delivers from the current term.
	delivered = nil
	if _, err := sub.Poll(collectHandler(&delivered), 10); err != nil {
		t.Fatalf("Poll 3: %v", err)
	}
	if sub.CurrentLeadershipTerm() != 3 {
		t.Fatalf("CurrentLeadershipTerm() = %d, want 3 (term 3 auto-applied from the future-ack queue)", sub.CurrentLeadershipTerm())
	}
	if len(delivered) != 1 || len(delivered[0]) != 60 {
		t.Fatalf("expected one 60-byte fragment from term 3, got %v", delivered)
	}
}

func TestScenarioS4ArchiveCatchUp(t *testing.T) {
	dt := newFakeDataTransport()
	ct := &fakeControlTransport{}
	ar := newFakeArchive()
	ar.sessions[300] = &fakeSessionReader{entries: map[int64][]byte{
		72: payload(28),
	}}
	sub := newTestSubscriber(t, dt, ct, ar)

	ct.push(wire.EncodeConsensusHeartbeat(wire.ConsensusHeartbeat{
		LeadershipTerm: 1, LeaderSessionID: 300, Position: 100, StreamStartPosition: 0, StreamPosition: 100,
	}))
	// The bound image already reports having reached the committed ceiling
	// (e.g. its ring buffer rotated past the gap), so live polling cannot
	// produce the missing bytes and the driver must fall back to the archive.
	dt.images[300] = &fakeImage{pos: 100, initialTermID: 1, termBufferLength: 1 << 20}

	var delivered [][]byte
	n, err := sub.Poll(collectHandler(&delivered), 10)
	if err != nil {
		t.Fatalf("Poll: %v", err)
	}
	if n != 1 {
		t.Fatalf("Poll() = %d, want 1 (archive catch-up)", n)
	}
	if len(delivered) != 1 || len(delivered[0]) != 28 {
		t.Fatalf("expected one 28-byte fragment from archive, got %v", delivered)
	}
	if sub.StreamPosition() != 100 {
		t.Errorf("StreamPosition() = %d, want 100", sub.StreamPosition())
	}
}

func TestScenarioS5ResendAcrossTermBoundary(t *testing.T) {
	dt := newFakeDataTransport()
	ct := &fakeControlTransport{}
	ar := newFakeArchive()
	sub := newTestSubscriber(t, dt, ct, ar)

	ct.push(wire.EncodeConsensusHeartbeat(wire.ConsensusHeartbeat{
		LeadershipTerm: 1, LeaderSessionID: 100, Position: 100, StreamStartPosition: 0, StreamPosition: 100,
	}))
	dt.push(100, payload(100), fragment.Header{Position: 100, ReservedValue: testClusterStreamID})

	var delivered [][]byte
	if _, err := sub.Poll(collectHandler(&delivered), 10); err != nil {
		t.Fatalf("Poll 1: %v", err)
	}
	if sub.CurrentLeadershipTerm() != 1 {
		t.Fatalf("setup: expected term 1, got %d", sub.CurrentLeadershipTerm())
	}

	body := payload(60)
	ct.push(wire.EncodeResend(wire.Resend{
		LeaderSessionID: 200, LeadershipTerm: 2, StartPosition: 100, StreamStartPosition: 0, Body: body,
	}))

	delivered = nil
	if _, err := sub.Poll(collectHandler(&delivered), 10); err != nil {
		t.Fatalf("Poll 2: %v", err)
	}
	if len(delivered) != 1 || len(delivered[0]) != 60 {
		t.Fatalf("expected the 60-byte resend body delivered, got %v", delivered)
	}
	if sub.CurrentLeadershipTerm() != 2 {
		t.Errorf("CurrentLeadershipTerm() = %d, want 2", sub.CurrentLeadershipTerm())
	}
	if sub.lastAppliedPosition.Load() != 60 {
		t.Errorf("lastAppliedPosition = %d, want 60", sub.lastAppliedPosition.Load())
	}
	if sub.previousConsensusPosition.Load() != 160 {
		t.Errorf("previousConsensusPosition = %d, want 160", sub.previousConsensusPosition.Load())
	}
}

func TestScenarioS6OldLeaderBytesSkipped(t *testing.T) {
	dt := newFakeDataTransport()
	ct := &fakeControlTransport{}
	ar := newFakeArchive()
	sub := newTestSubscriber(t, dt, ct, ar)

	ct.push(wire.EncodeConsensusHeartbeat(wire.ConsensusHeartbeat{
		LeadershipTerm: 1, LeaderSessionID: 100, Position: 100, StreamStartPosition: 0, StreamPosition: 100,
	}))
	dt.push(100, payload(100), fragment.Header{Position: 100, ReservedValue: testClusterStreamID})

	var delivered [][]byte
	if _, err := sub.Poll(collectHandler(&delivered), 10); err != nil {
		t.Fatalf("Poll 1: %v", err)
	}

	ct.push(wire.EncodeConsensusHeartbeat(wire.ConsensusHeartbeat{
		LeadershipTerm: 2, LeaderSessionID: 200, Position: 160, StreamStartPosition: 0, StreamPosition: 60,
	}))
	dt.push(200, payload(60), fragment.Header{Position: 60, ReservedValue: testClusterStreamID})

	delivered = nil
	if _, err := sub.Poll(collectHandler(&delivered), 10); err != nil {
		t.Fatalf("Poll 2: %v", err)
	}

	// A stale replay from session 100 (term 1's leader) with a fragment
	// start below term 2's lastAppliedPosition must be silently skipped.
	dt.push(100, payload(30), fragment.Header{Position: 50, ReservedValue: testClusterStreamID})

	delivered = nil
	if _, err := sub.Poll(collectHandler(&delivered), 10); err != nil {
		t.Fatalf("Poll 3: %v", err)
	}
	if len(delivered) != 0 {
		t.Fatalf("expected stale leader bytes to be skipped, got %d fragments", len(delivered))
	}
}

func TestAbortSafetyReplaysIdenticalFragment(t *testing.T) {
	dt := newFakeDataTransport()
	ct := &fakeControlTransport{}
	ar := newFakeArchive()
	sub := newTestSubscriber(t, dt, ct, ar)

	ct.push(wire.EncodeConsensusHeartbeat(wire.ConsensusHeartbeat{
		LeadershipTerm: 1, LeaderSessionID: 100, Position: 100, StreamStartPosition: 0, StreamPosition: 100,
	}))
	want := payload(100)
	dt.push(100, want, fragment.Header{Position: 100, ReservedValue: testClusterStreamID})

	aborts := 2
	var seen [][]byte
	handler := func(buffer []byte, offset, length int, header fragment.Header) fragment.Action {
		if aborts > 0 {
			aborts--
			return fragment.ActionAbort
		}
		cp := make([]byte, length)
		copy(cp, buffer[offset:offset+length])
		seen = append(seen, cp)
		return fragment.ActionContinue
	}

	for i := 0; i < 4 && len(seen) == 0; i++ {
		if _, err := sub.Poll(handler, 10); err != nil {
			t.Fatalf("Poll: %v", err)
		}
	}

	if len(seen) != 1 || string(seen[0]) != string(want) {
		t.Fatalf("expected the identical fragment to eventually be delivered once accepted")
	}
	if sub.lastAppliedPosition.Load() != 100 {
		t.Errorf("lastAppliedPosition = %d, want 100 once accepted", sub.lastAppliedPosition.Load())
	}
	if sub.CurrentLeadershipTerm() != 1 {
		t.Errorf("CurrentLeadershipTerm() = %d, want 1", sub.CurrentLeadershipTerm())
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	dt := newFakeDataTransport()
	ct := &fakeControlTransport{}
	ar := newFakeArchive()
	sub := newTestSubscriber(t, dt, ct, ar)

	if err := sub.Close(); err != nil {
		t.Fatalf("first Close: %v", err)
	}
	if !dt.closed || !ct.closed || !ar.closed {
		t.Fatalf("Close must release all three handles: data=%v control=%v archive=%v", dt.closed, ct.closed, ar.closed)
	}
	if err := sub.Close(); err != nil {
		t.Fatalf("second Close must not error: %v", err)
	}
}

func TestConfigRejectsZeroClusterStreamID(t *testing.T) {
	dt := newFakeDataTransport()
	ct := &fakeControlTransport{}
	ar := newFakeArchive()
	if _, err := New(Config{DataTransport: dt, ControlTransport: ct, Archive: ar}); err != ErrZeroClusterStreamID {
		t.Fatalf("New with zero ClusterStreamID: got %v, want ErrZeroClusterStreamID", err)
	}
}
