package engine

import (
	"encoding/binary"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"badgedrv/internal/wire"
)

// noopTransport never receives anything and records what was sent; it
// is enough for tests that drive Submit/dispatch/sweep directly without
// running the reader goroutine.
type noopTransport struct {
	mu   sync.Mutex
	sent [][]byte
}

func (t *noopTransport) Send(data []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sent = append(t.sent, append([]byte(nil), data...))
	return nil
}
func (t *noopTransport) Receive(buf []byte) (int, error) { return 0, nil }
func (t *noopTransport) Reset() error                    { return nil }
func (t *noopTransport) Close() error                    { return nil }

func TestSubmitAssignsMonotonicIDs(t *testing.T) {
	e := New(&noopTransport{}, nil)

	_, err := e.Submit(wire.Heartbeat{})
	require.NoError(t, err)
	assert.Equal(t, uint32(1), e.reg.nextID)

	_, err = e.Submit(wire.Heartbeat{})
	require.NoError(t, err)
	assert.Equal(t, uint32(2), e.reg.nextID)
}

func TestDispatchDeliversToPendingEntry(t *testing.T) {
	e := New(&noopTransport{}, nil)

	fut, err := e.Submit(wire.FetchFile{Path: "/flash/boot.py"})
	require.NoError(t, err)

	e.dispatch(wire.Response{MessageID: 1, Data: wire.ResponseData{Kind: wire.KindFileContents, File: []byte("x")}})

	result := fut.Await()
	assert.Equal(t, wire.KindFileContents, result.Kind)
	assert.Equal(t, []byte("x"), result.File)
}

func TestDispatchUnhandledMessageDoesNotPanic(t *testing.T) {
	e := New(&noopTransport{}, nil)
	assert.NotPanics(t, func() {
		e.dispatch(wire.Response{MessageID: 999, Data: wire.ResponseData{Kind: wire.KindOk}})
	})
}

func TestDispatchRoutesUnsolicitedLogToSerialAndSink(t *testing.T) {
	var got string
	e := New(&noopTransport{}, func(text string) { got = text })

	e.dispatch(wire.Response{MessageID: 0, Data: wire.ResponseData{Kind: wire.KindLog, Text: "hello\n"}})

	assert.Equal(t, "hello\n", got)
	buf := make([]byte, 16)
	n := e.Serial.Read(buf)
	assert.Equal(t, "hello\n", string(buf[:n]))
}

func TestSweepTimesOutStaleEntries(t *testing.T) {
	e := New(&noopTransport{}, nil)

	fut, err := e.Submit(wire.Heartbeat{})
	require.NoError(t, err)

	e.reg.mu.Lock()
	for _, entry := range e.reg.pending {
		entry.submittedAt = time.Now().Add(-2 * ReqTimeout)
	}
	e.reg.mu.Unlock()

	e.sweep()

	result := fut.Await()
	assert.Equal(t, wire.KindTimeout, result.Kind)
}

func TestSweepLeavesFreshEntriesPending(t *testing.T) {
	e := New(&noopTransport{}, nil)

	_, err := e.Submit(wire.Heartbeat{})
	require.NoError(t, err)

	e.sweep()

	e.reg.mu.Lock()
	defer e.reg.mu.Unlock()
	assert.Len(t, e.reg.pending, 1)
}

// scriptedTransport answers every non-SerialIn Submit with the next
// entry of results, and acks SerialIn frames (the Call retry loop's
// wake-up nudge) immediately with KindOk, so Call's retry/reset
// behavior can be tested without a running reader goroutine.
type scriptedTransport struct {
	mu      sync.Mutex
	results []wire.ResponseData
	calls   int
	resets  int
	engine  *Engine
}

func (s *scriptedTransport) Send(frame []byte) error {
	opcode := binary.LittleEndian.Uint16(frame[0:2])
	id := binary.LittleEndian.Uint32(frame[8:12])

	s.mu.Lock()
	var data wire.ResponseData
	if opcode == wire.OpSerialIn {
		data = wire.ResponseData{Kind: wire.KindOk}
	} else {
		data = s.results[s.calls]
		s.calls++
	}
	s.mu.Unlock()

	s.engine.dispatch(wire.Response{MessageID: id, Data: data})
	return nil
}
func (s *scriptedTransport) Receive(buf []byte) (int, error) { return 0, nil }
func (s *scriptedTransport) Reset() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resets++
	return nil
}
func (s *scriptedTransport) Close() error { return nil }

func TestCallRetriesAndResetsTransportOnThirdTimeout(t *testing.T) {
	tr := &scriptedTransport{results: []wire.ResponseData{
		{Kind: wire.KindTimeout},
		{Kind: wire.KindTimeout},
		{Kind: wire.KindTimeout},
		{Kind: wire.KindOk},
	}}
	e := New(tr, nil)
	tr.engine = e

	result, err := e.Call(wire.Heartbeat{})
	require.NoError(t, err)
	assert.Equal(t, wire.KindOk, result.Kind)
	assert.Equal(t, 1, tr.resets)
	assert.Equal(t, 4, tr.calls)
}

func TestCallReturnsImmediatelyOnFirstSuccess(t *testing.T) {
	tr := &scriptedTransport{results: []wire.ResponseData{{Kind: wire.KindOk}}}
	e := New(tr, nil)
	tr.engine = e

	result, err := e.Call(wire.CreateDir{Path: "/flash/apps/x"})
	require.NoError(t, err)
	assert.Equal(t, wire.KindOk, result.Kind)
	assert.Equal(t, 0, tr.resets)
}
