package tracing

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeReader replays synthetic records and honors the deadline/close
// contract of the kernel-backed reader.
type fakeReader struct {
	records chan Record
	errs    chan error

	mu       sync.Mutex
	deadline time.Time

	closeOnce sync.Once
	closed    chan struct{}
}

func newFakeReader() *fakeReader {
	return &fakeReader{
		records: make(chan Record, 64),
		errs:    make(chan error, 1),
		closed:  make(chan struct{}),
	}
}

func (r *fakeReader) Read() (Record, error) {
	r.mu.Lock()
	deadline := r.deadline
	r.mu.Unlock()

	var expired <-chan time.Time
	if !deadline.IsZero() {
		timer := time.NewTimer(time.Until(deadline))
		defer timer.Stop()
		expired = timer.C
	}

	select {
	case rec := <-r.records:
		return rec, nil
	case err := <-r.errs:
		return Record{}, err
	case <-r.closed:
		return Record{}, os.ErrClosed
	case <-expired:
		return Record{}, os.ErrDeadlineExceeded
	}
}

func (r *fakeReader) SetDeadline(t time.Time) {
	r.mu.Lock()
	r.deadline = t
	r.mu.Unlock()
}

func (r *fakeReader) Close() error {
	r.closeOnce.Do(func() { close(r.closed) })
	return nil
}

// collectSink gathers pushed events for inspection.
type collectSink struct {
	mu     sync.Mutex
	events []TraceEvent
}

func (s *collectSink) Push(ev TraceEvent) error {
	s.mu.Lock()
	s.events = append(s.events, ev)
	s.mu.Unlock()
	return nil
}

func (s *collectSink) ofKind(k Kind) []TraceEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []TraceEvent
	for _, ev := range s.events {
		if ev.Kind == k {
			out = append(out, ev)
		}
	}
	return out
}

// testHarness wires a producer to a fake reader and a synthetic proc
// root holding the target pid.
type testHarness struct {
	producer *Producer
	reader   *fakeReader
	sink     *collectSink
	procRoot string
	cleaned  bool
}

func newHarness(t *testing.T, pid uint32) *testHarness {
	t.Helper()
	root := t.TempDir()
	require.NoError(t, os.Mkdir(filepath.Join(root, fmt.Sprintf("%d", pid)), 0o755))

	h := &testHarness{
		reader:   newFakeReader(),
		sink:     &collectSink{},
		procRoot: root,
	}
	h.producer = NewProducer(Config{
		ProcRoot:          root,
		PollInterval:      10 * time.Millisecond,
		ClockSyncInterval: time.Hour,
	})
	h.producer.open = func(pid uint32, opts Options) (openResult, error) {
		return openResult{
			reader:  h.reader,
			cleanup: func() { h.cleaned = true },
		}, nil
	}
	return h
}

func (h *testHarness) removeTarget(t *testing.T, pid uint32) {
	t.Helper()
	require.NoError(t, os.RemoveAll(filepath.Join(h.procRoot, fmt.Sprintf("%d", pid))))
}

func sampleRecord(t *testing.T, ts uint64) Record {
	t.Helper()
	return Record{RawSample: encodeSampleEvent(t, rawSampleEvent{
		rawHeader: rawHeader{Kind: rawKindSample, TID: 1, TimestampNs: ts},
		Value:     1,
		StackID:   -1,
	})}
}

func TestProducerDeliversEventsInOrder(t *testing.T) {
	h := newHarness(t, 1234)
	for i := 0; i < 10; i++ {
		h.reader.records <- sampleRecord(t, uint64(i))
	}

	require.NoError(t, h.producer.Start(1234, Options{}, h.sink, func(error) {
		t.Error("done must not fire for a producer stopped explicitly")
	}))

	require.Eventually(t, func() bool {
		return len(h.sink.ofKind(KindCounterSample)) == 10
	}, 3*time.Second, 5*time.Millisecond)

	require.NoError(t, h.producer.Stop())
	assert.True(t, h.cleaned, "Stop must run the attach cleanup")

	samples := h.sink.ofKind(KindCounterSample)
	for i, ev := range samples {
		assert.Equal(t, uint64(i), ev.TimestampNs)
	}

	// The read loop fronts the stream with a clock marker.
	markers := h.sink.ofKind(KindClockSync)
	require.NotEmpty(t, markers)
	assert.NotZero(t, markers[0].WallClockNs)
}

func TestProducerDoubleStart(t *testing.T) {
	h := newHarness(t, 1234)
	require.NoError(t, h.producer.Start(1234, Options{}, h.sink, nil))
	defer h.producer.Stop()

	err := h.producer.Start(1234, Options{}, h.sink, nil)
	assert.ErrorIs(t, err, ErrAlreadyRunning)
}

func TestProducerStartMissingTarget(t *testing.T) {
	h := newHarness(t, 1234)

	err := h.producer.Start(5678, Options{}, h.sink, nil)
	var attachErr *AttachError
	assert.ErrorAs(t, err, &attachErr)
}

func TestProducerAttachFailure(t *testing.T) {
	h := newHarness(t, 1234)
	cause := errors.New("program load: permission denied")
	h.producer.open = func(uint32, Options) (openResult, error) {
		return openResult{}, cause
	}

	err := h.producer.Start(1234, Options{}, h.sink, nil)
	var attachErr *AttachError
	require.ErrorAs(t, err, &attachErr)
	assert.ErrorIs(t, err, cause)
}

func TestProducerTargetExit(t *testing.T) {
	h := newHarness(t, 1234)

	doneCh := make(chan error, 1)
	require.NoError(t, h.producer.Start(1234, Options{}, h.sink, func(err error) {
		doneCh <- err
	}))
	defer h.producer.Stop()

	h.removeTarget(t, 1234)

	select {
	case err := <-doneCh:
		assert.NoError(t, err, "target exit reports a nil error")
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for target-exit notification")
	}
}

func TestProducerReadFault(t *testing.T) {
	h := newHarness(t, 1234)

	doneCh := make(chan error, 1)
	require.NoError(t, h.producer.Start(1234, Options{}, h.sink, func(err error) {
		doneCh <- err
	}))
	defer h.producer.Stop()

	h.reader.errs <- errors.New("ring mmap torn down")

	select {
	case err := <-doneCh:
		assert.ErrorContains(t, err, "ring mmap torn down")
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for fault notification")
	}
}

func TestProducerCountsLostSamples(t *testing.T) {
	h := newHarness(t, 1234)
	h.reader.records <- Record{LostSamples: 7}
	h.reader.records <- sampleRecord(t, 1)

	require.NoError(t, h.producer.Start(1234, Options{}, h.sink, nil))
	defer h.producer.Stop()

	require.Eventually(t, func() bool {
		return len(h.sink.ofKind(KindCounterSample)) == 1
	}, 3*time.Second, 5*time.Millisecond)

	assert.Equal(t, uint64(7), h.producer.LostSamples())
}

func TestProducerSkipsUndecodableRecords(t *testing.T) {
	h := newHarness(t, 1234)
	h.reader.records <- Record{RawSample: []byte{0xde, 0xad}}
	h.reader.records <- sampleRecord(t, 1)

	require.NoError(t, h.producer.Start(1234, Options{}, h.sink, nil))
	defer h.producer.Stop()

	require.Eventually(t, func() bool {
		return len(h.sink.ofKind(KindCounterSample)) == 1
	}, 3*time.Second, 5*time.Millisecond)
}

func TestProducerStopIsIdempotent(t *testing.T) {
	h := newHarness(t, 1234)
	require.NoError(t, h.producer.Start(1234, Options{}, h.sink, nil))

	require.NoError(t, h.producer.Stop())
	require.NoError(t, h.producer.Stop())
}
