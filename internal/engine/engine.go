// Package engine implements the request registry and protocol engine:
// it drives a Transport with concurrent heartbeat and request traffic,
// decodes the response stream, and dispatches responses to outstanding
// request futures keyed by message id.
package engine

import (
	"fmt"
	"log"
	"sync"
	"time"

	"badgedrv/internal/metrics"
	"badgedrv/internal/serialbuf"
	"badgedrv/internal/transport"
	"badgedrv/internal/wire"
)

// ReqTimeout is how long a pending request may wait before the reader's
// sweep marks it Timeout.
const ReqTimeout = 10 * time.Second

const heartbeatInterval = 250 * time.Millisecond
const recvScratchSize = 256

// Future is a handle to an in-flight request's eventual ResponseData. It
// completes exactly once.
type Future struct {
	result chan wire.ResponseData
}

// Await blocks until the request completes, with either a real response
// or wire.KindTimeout.
func (f *Future) Await() wire.ResponseData {
	return <-f.result
}

type pendingEntry struct {
	submittedAt time.Time
	result      chan wire.ResponseData
}

type registry struct {
	mu      sync.Mutex
	nextID  uint32
	pending map[uint32]*pendingEntry
}

func newRegistry() *registry {
	return &registry{pending: make(map[uint32]*pendingEntry)}
}

// Engine owns a Transport and a Registry, and runs the heartbeat and
// reader activities described by the protocol.
type Engine struct {
	transport transport.Transport
	reg       *registry
	logSink   func(text string)
	Serial    *serialbuf.RingBuffer
	Metrics   *metrics.Counters

	abort chan struct{}
	once  sync.Once
}

// New constructs an Engine around the given Transport. logSink receives
// device log text (opcode 3, message id 0) as it is decoded; it also
// feeds the Serial ring buffer.
func New(t transport.Transport, logSink func(string)) *Engine {
	if logSink == nil {
		logSink = func(string) {}
	}
	return &Engine{
		transport: t,
		reg:       newRegistry(),
		logSink:   logSink,
		Serial:    serialbuf.New(),
		Metrics:   &metrics.Counters{},
		abort:     make(chan struct{}),
	}
}

// Close signals both activities to stop at their next wake.
func (e *Engine) Close() {
	e.once.Do(func() { close(e.abort) })
}

// Run starts the heartbeat and reader activities and blocks until the
// reader activity exits (on abort or a transport error). Call it in its
// own goroutine.
func (e *Engine) Run() {
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		e.runHeartbeat()
	}()

	e.runReader()
	e.Close()
	wg.Wait()
}

func (e *Engine) runHeartbeat() {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()

	var count uint64
	for {
		select {
		case <-e.abort:
			return
		case <-ticker.C:
			frame := wire.Encode(0, wire.Heartbeat{})
			if err := e.transport.Send(frame); err != nil {
				log.Printf("engine: heartbeat send failed: %v", err)
			}
			e.Metrics.IncHeartbeats()
			count++
			if count%100 == 0 {
				snap := e.Metrics.Snapshot()
				log.Printf("engine: stats submitted=%d timeouts=%d resyncs=%d heartbeats=%d",
					snap.Submitted, snap.Timeouts, snap.Resyncs, snap.Heartbeats)
			}
		}
	}
}

func (e *Engine) runReader() {
	buf := make([]byte, recvScratchSize)
	var dec wire.Decoder

	for {
		select {
		case <-e.abort:
			return
		default:
		}

		n, err := e.transport.Receive(buf)
		if err != nil {
			log.Printf("engine: transport receive failed, terminating reader: %v", err)
			return
		}

		e.sweep()

		if n > 0 {
			dec.Feed(buf[:n])
		}

		for {
			resp, ok, err := dec.TryRead()
			if err != nil {
				log.Printf("engine: malformed frame payload, skipping: %v", err)
				e.Metrics.IncResyncs()
				continue
			}
			if !ok {
				break
			}
			e.dispatch(resp)
		}

		if dec.Len() > 0 {
			log.Printf("engine: %d leftover bytes buffered", dec.Len())
		}
	}
}

// sweep times out any pending entry older than ReqTimeout.
func (e *Engine) sweep() {
	deadline := time.Now().Add(-ReqTimeout)

	e.reg.mu.Lock()
	var stale []*pendingEntry
	for id, entry := range e.reg.pending {
		if entry.submittedAt.Before(deadline) {
			stale = append(stale, entry)
			delete(e.reg.pending, id)
		}
	}
	e.reg.mu.Unlock()

	for _, entry := range stale {
		e.Metrics.IncTimeouts()
		entry.result <- wire.ResponseData{Kind: wire.KindTimeout}
	}
}

func (e *Engine) dispatch(resp wire.Response) {
	e.reg.mu.Lock()
	entry, found := e.reg.pending[resp.MessageID]
	if found {
		delete(e.reg.pending, resp.MessageID)
	}
	e.reg.mu.Unlock()

	if found {
		entry.result <- resp.Data
		return
	}

	if resp.MessageID == 0 && resp.Data.Kind == wire.KindLog {
		e.logSink(resp.Data.Text)
		e.Serial.Write([]byte(resp.Data.Text))
		return
	}

	log.Printf("engine: unhandled message id=%d kind=%v", resp.MessageID, resp.Data.Kind)
}

// Submit assigns the next monotonic message id, registers a pending
// entry, and sends the framed command. It does not wait for a response.
func (e *Engine) Submit(cmd wire.Command) (*Future, error) {
	e.reg.mu.Lock()
	e.reg.nextID++
	id := e.reg.nextID
	entry := &pendingEntry{submittedAt: time.Now(), result: make(chan wire.ResponseData, 1)}
	e.reg.pending[id] = entry
	e.reg.mu.Unlock()

	e.Metrics.IncSubmitted()

	frame := wire.Encode(id, cmd)
	if err := e.transport.Send(frame); err != nil {
		e.reg.mu.Lock()
		delete(e.reg.pending, id)
		e.reg.mu.Unlock()
		return nil, fmt.Errorf("engine: send failed: %w", err)
	}

	return &Future{result: entry.result}, nil
}

// Call submits cmd and retries indefinitely on Timeout, following the
// recovery protocol: after the first retry, it sleeps 500ms and nudges
// the device with a SerialIn wake-up before resubmitting, and resets the
// transport on every third consecutive timeout.
func (e *Engine) Call(cmd wire.Command) (wire.ResponseData, error) {
	i := 0
	for {
		if i > 1 {
			time.Sleep(500 * time.Millisecond)
			nudge, err := e.Submit(wire.SerialIn{Data: []byte("\r\n\r\n\r\n\r\n")})
			if err != nil {
				return wire.ResponseData{}, err
			}
			nudge.Await()
		}

		fut, err := e.Submit(cmd)
		if err != nil {
			return wire.ResponseData{}, err
		}
		result := fut.Await()

		if result.Kind == wire.KindTimeout {
			i++
			if i%3 == 0 {
				if err := e.transport.Reset(); err != nil {
					log.Printf("engine: transport reset failed: %v", err)
				}
			}
			continue
		}

		return result, nil
	}
}
