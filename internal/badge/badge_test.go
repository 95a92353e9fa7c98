package badge

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"badgedrv/internal/engine"
	"badgedrv/internal/wire"
)

// queueTransport is a minimal fake Transport. Every Send is answered by
// echoing back replyOpcode/replyPayload under the request's own message
// id, queued for the next Receive — this lines up with Engine.Submit's
// actual lock ordering (the pending entry is registered before Send is
// called), so the response can never race ahead of its registration.
type queueTransport struct {
	mu            sync.Mutex
	frames        [][]byte
	replyOpcode   uint16
	replyPayload  []byte
}

func (q *queueTransport) Send(frame []byte) error {
	id := uint32(frame[8]) | uint32(frame[9])<<8 | uint32(frame[10])<<16 | uint32(frame[11])<<24

	q.mu.Lock()
	defer q.mu.Unlock()
	q.frames = append(q.frames, responseFrame(q.replyOpcode, id, q.replyPayload))
	return nil
}

func (q *queueTransport) Receive(buf []byte) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.frames) == 0 {
		time.Sleep(5 * time.Millisecond)
		return 0, nil
	}
	frame := q.frames[0]
	q.frames = q.frames[1:]
	n := copy(buf, frame)
	return n, nil
}

func (q *queueTransport) Reset() error { return nil }
func (q *queueTransport) Close() error { return nil }

func (q *queueTransport) setReply(opcode uint16, payload []byte) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.replyOpcode = opcode
	q.replyPayload = payload
}

// responseFrame builds a frame exactly as the device would send it: a
// 12-byte header (opcode, length, magic, message id) followed by the
// raw response payload.
func responseFrame(opcode uint16, messageID uint32, payload []byte) []byte {
	frame := make([]byte, wire.HeaderSize+len(payload))
	frame[0] = byte(opcode)
	frame[1] = byte(opcode >> 8)
	length := uint32(len(payload))
	frame[2] = byte(length)
	frame[3] = byte(length >> 8)
	frame[4] = byte(length >> 16)
	frame[5] = byte(length >> 24)
	frame[6] = 0xDE
	frame[7] = 0xAD
	frame[8] = byte(messageID)
	frame[9] = byte(messageID >> 8)
	frame[10] = byte(messageID >> 16)
	frame[11] = byte(messageID >> 24)
	copy(frame[wire.HeaderSize:], payload)
	return frame
}

// newTestBadge starts a real Engine/Badge pair over a queueTransport and
// returns a cleanup func that stops the engine goroutine.
func newTestBadge(t *testing.T) (*Badge, *queueTransport, func()) {
	t.Helper()
	tr := &queueTransport{}
	e := engine.New(tr, nil)
	b := New(e)

	done := make(chan struct{})
	go func() {
		e.Run()
		close(done)
	}()

	return b, tr, func() {
		e.Close()
		<-done
	}
}

func TestFetchDirNarrowsDirectoryListing(t *testing.T) {
	b, tr, stop := newTestBadge(t)
	defer stop()

	tr.setReply(wire.OpFetchDir, []byte("/flash\nfboot.py"))

	listing, err := b.FetchDir("/flash")
	require.NoError(t, err)
	assert.True(t, listing.Found)
	assert.Equal(t, "/flash", listing.Requested)
	assert.Equal(t, []wire.FsEntry{{Kind: wire.EntryFile, Name: "boot.py"}}, listing.Entries)
}

func TestFetchDirNotFound(t *testing.T) {
	b, tr, stop := newTestBadge(t)
	defer stop()

	tr.setReply(wire.OpFetchDir, []byte("Directory_not_found"))

	listing, err := b.FetchDir("/missing")
	require.NoError(t, err)
	assert.False(t, listing.Found)
}

func TestEnsureOKTranslatesErrorKind(t *testing.T) {
	b, tr, stop := newTestBadge(t)
	defer stop()

	tr.setReply(wire.OpCreateDir, []byte("ERR\x00"))

	err := b.CreateDir("/flash/apps/new")
	assert.ErrorIs(t, err, ErrCommandFailed)
}

func TestEnsureOKAcceptsOk(t *testing.T) {
	b, tr, stop := newTestBadge(t)
	defer stop()

	tr.setReply(wire.OpDeletePath, []byte("ok\x00"))

	assert.NoError(t, b.DeletePath("/flash/old"))
}

func TestFetchFileReturnsBytes(t *testing.T) {
	b, tr, stop := newTestBadge(t)
	defer stop()

	tr.setReply(wire.OpFetchFile, []byte("print(1)"))

	data, err := b.FetchFile("/flash/boot.py")
	require.NoError(t, err)
	assert.Equal(t, []byte("print(1)"), data)
}

func TestFetchFileRejectsWrongKind(t *testing.T) {
	b, tr, stop := newTestBadge(t)
	defer stop()

	tr.setReply(wire.OpDeletePath, []byte("ok\x00"))

	_, err := b.FetchFile("/flash/boot.py")
	require.Error(t, err)
	var invalid *InvalidResponseError
	assert.ErrorAs(t, err, &invalid)
}
