package badgefs

import (
	"bytes"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"badgedrv/internal/badge"
	"badgedrv/internal/engine"
	"badgedrv/internal/serialbuf"
	"badgedrv/internal/wire"
)

func requestedPath(payload []byte) string {
	if i := bytes.IndexByte(payload, 0); i >= 0 {
		return string(payload[:i])
	}
	return string(payload)
}

// fakeBadgeTransport implements transport.Transport. Every Send is
// answered, under the request's own message id, by looking up the
// requested path in a canned reply table and queuing a real wire-format
// response frame for the next Receive — so the real Engine/Badge stack
// decodes it exactly as it would a device's bytes.
type fakeBadgeTransport struct {
	mu        sync.Mutex
	dirReply  map[string][]byte
	fileReply map[string][]byte
	sendCount map[string]int
	queued    [][]byte
}

func newFakeBadgeTransport() *fakeBadgeTransport {
	return &fakeBadgeTransport{
		dirReply:  map[string][]byte{},
		fileReply: map[string][]byte{},
		sendCount: map[string]int{},
	}
}

func buildResponseFrame(opcode uint16, messageID uint32, payload []byte) []byte {
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

func (f *fakeBadgeTransport) Send(frame []byte) error {
	opcode := uint16(frame[0]) | uint16(frame[1])<<8
	id := uint32(frame[8]) | uint32(frame[9])<<8 | uint32(frame[10])<<16 | uint32(frame[11])<<24
	payload := frame[wire.HeaderSize:]
	path := requestedPath(payload)

	f.mu.Lock()
	defer f.mu.Unlock()
	f.sendCount[path]++

	var respPayload []byte
	switch opcode {
	case wire.OpFetchDir:
		respPayload = f.dirReply[path]
	case wire.OpFetchFile:
		respPayload = f.fileReply[path]
	default:
		respPayload = []byte("ok\x00")
	}

	f.queued = append(f.queued, buildResponseFrame(opcode, id, respPayload))
	return nil
}

func (f *fakeBadgeTransport) Receive(buf []byte) (int, error) {
	f.mu.Lock()
	if len(f.queued) > 0 {
		frame := f.queued[0]
		f.queued = f.queued[1:]
		n := copy(buf, frame)
		f.mu.Unlock()
		return n, nil
	}
	f.mu.Unlock()
	time.Sleep(time.Millisecond)
	return 0, nil
}

func (f *fakeBadgeTransport) Reset() error { return nil }
func (f *fakeBadgeTransport) Close() error { return nil }

func (f *fakeBadgeTransport) sendsFor(path string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sendCount[path]
}

func newTestTable(t *testing.T) (*Table, *fakeBadgeTransport, func()) {
	t.Helper()
	tr := newFakeBadgeTransport()
	e := engine.New(tr, nil)
	b := badge.New(e)
	table, _ := NewRoot(b, serialbuf.New())

	done := make(chan struct{})
	go func() {
		e.Run()
		close(done)
	}()

	return table, tr, func() {
		e.Close()
		<-done
	}
}

func TestFixedInodesHaveExpectedShape(t *testing.T) {
	table, _, stop := newTestTable(t)
	defer stop()

	root := table.get(InoRoot)
	assert.Equal(t, KindDirectory, root.kind)
	assert.Equal(t, []uint64{InoFlash, InoSDCard, InoSerial, InoRun}, root.children)

	assert.Equal(t, "flash", table.get(InoFlash).name)
	assert.Equal(t, KindDirectory, table.get(InoFlash).kind)
	assert.Equal(t, "sdcard", table.get(InoSDCard).name)
	assert.Equal(t, KindDirectory, table.get(InoSDCard).kind)
	assert.Equal(t, KindSerial, table.get(InoSerial).kind)
	assert.Equal(t, KindRun, table.get(InoRun).kind)
}

func TestEnsureDirLoadedAssignsNewInosAndCaches(t *testing.T) {
	table, tr, stop := newTestTable(t)
	defer stop()
	tr.dirReply["/flash"] = []byte("/flash\nfboot.py\ndapps")

	flash := table.get(InoFlash)
	require.NoError(t, table.ensureDirLoaded(flash))
	require.Len(t, flash.children, 2)

	bootIno := flash.children[0]
	appsIno := flash.children[1]
	assert.Equal(t, "boot.py", table.get(bootIno).name)
	assert.Equal(t, KindFile, table.get(bootIno).kind)
	assert.Equal(t, "apps", table.get(appsIno).name)
	assert.Equal(t, KindDirectory, table.get(appsIno).kind)

	require.NoError(t, table.ensureDirLoaded(flash))
	assert.Equal(t, 1, tr.sendsFor("/flash"), "second load within TTL must not re-fetch")
}

func TestEnsureDirLoadedPreservesInoAcrossReload(t *testing.T) {
	table, tr, stop := newTestTable(t)
	defer stop()
	tr.dirReply["/flash"] = []byte("/flash\nfboot.py")

	flash := table.get(InoFlash)
	require.NoError(t, table.ensureDirLoaded(flash))
	firstIno := flash.children[0]

	// Force a reload by backdating the cache, as if the TTL had expired.
	flash.mu.Lock()
	flash.lastUpdate = time.Now().Add(-2 * dirTTL)
	flash.mu.Unlock()

	require.NoError(t, table.ensureDirLoaded(flash))
	assert.Equal(t, firstIno, flash.children[0], "re-seeing the same name must reuse its ino, not allocate a new one")
	assert.Equal(t, 2, tr.sendsFor("/flash"))
}

func TestEnsureFileLoadedCachesWithinTTL(t *testing.T) {
	table, tr, stop := newTestTable(t)
	defer stop()
	tr.dirReply["/flash"] = []byte("/flash\nfboot.py")
	tr.fileReply["/flash/boot.py"] = []byte("print(1)")

	flash := table.get(InoFlash)
	require.NoError(t, table.ensureDirLoaded(flash))
	bootNode := table.get(flash.children[0])

	require.NoError(t, table.ensureFileLoaded(bootNode))
	assert.Equal(t, []byte("print(1)"), bootNode.contents)

	require.NoError(t, table.ensureFileLoaded(bootNode))
	assert.Equal(t, 1, tr.sendsFor("/flash/boot.py"))
}

func TestNewChildAppendsWithoutReusingInos(t *testing.T) {
	table, _, stop := newTestTable(t)
	defer stop()
	before := len(table.data)

	a := table.newChild("/flash/a.py", "a.py", KindFile)
	b := table.newChild("/flash/b.py", "b.py", KindFile)

	assert.Equal(t, uint64(before), a.ino)
	assert.Equal(t, uint64(before+1), b.ino)
	assert.NotEqual(t, a.ino, b.ino)
}

func TestRemoveIno(t *testing.T) {
	assert.Equal(t, []uint64{1, 3}, removeIno([]uint64{1, 2, 3}, 2))
}

func TestJoinPath(t *testing.T) {
	assert.Equal(t, "/flash", joinPath("/", "flash"))
	assert.Equal(t, "/flash/apps", joinPath("/flash", "apps"))
}
