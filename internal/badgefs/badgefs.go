// Package badgefs projects the badge's on-board storage, serial
// console, and app launcher into a local directory tree via a FUSE
// bridge. Inodes live in an append-only table keyed by ino; children
// are stored as ino indices rather than back-pointers, so all mutation
// goes through the table under per-node locks instead of shared
// interior-mutable references.
package badgefs

import (
	"context"
	"os"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"

	"badgedrv/internal/badge"
	"badgedrv/internal/serialbuf"
	"badgedrv/internal/wire"
)

// Fixed inode numbers, matching the badge's root layout.
const (
	InoRoot   = 1
	InoFlash  = 2
	InoSDCard = 3
	InoSerial = 4
	InoRun    = 5
)

// Kind distinguishes the four inode variants the projection serves.
type Kind int

const (
	KindFile Kind = iota
	KindDirectory
	KindSerial
	KindRun
)

const (
	fileTTL       = 30 * time.Second
	dirTTL        = 15 * time.Second
	kernelCacheTTL = 10 * time.Second
)

// createTime is the fabricated atime/mtime/ctime every inode reports,
// matching the device firmware's own build timestamp
// (2013-10-08 13:08:56 UTC).
const createTime = 1381237736

var (
	callerUID uint32
	callerGID uint32
)

func init() {
	callerUID = uint32(os.Geteuid())
	callerGID = uint32(os.Getegid())
}

// nodeData is one inode's mutable state. It is only ever reached
// through Table, never aliased across goroutines without its own lock.
type nodeData struct {
	mu sync.Mutex

	ino  uint64
	path string
	name string
	kind Kind

	contents   []byte
	loaded     bool
	lastUpdate time.Time

	children       []uint64
	childrenLoaded bool

	fnode *badgeNode
}

// Table is the append-only inode table. New inodes are pushed and never
// removed; unlink/rmdir only prune a parent's child list, leaving the
// orphaned slot allocated for the life of the mount.
type Table struct {
	mu     sync.Mutex
	badge  *badge.Badge
	serial *serialbuf.RingBuffer
	data   []*nodeData
}

// NewRoot constructs the fixed inode table (root plus flash/sdcard/
// serial/run) and returns it along with the root's FUSE node.
func NewRoot(b *badge.Badge, serial *serialbuf.RingBuffer) (*Table, fs.InodeEmbedder) {
	t := &Table{badge: b, serial: serial}

	t.data = append(t.data, &nodeData{ino: 0, name: "<unused>"}) // ino 0 is never issued
	root := &nodeData{ino: InoRoot, path: "/", name: "", kind: KindDirectory, childrenLoaded: true}
	flash := &nodeData{ino: InoFlash, path: "/flash", name: "flash", kind: KindDirectory}
	sdcard := &nodeData{ino: InoSDCard, path: "/sdcard", name: "sdcard", kind: KindDirectory}
	serialNode := &nodeData{ino: InoSerial, path: "/serial", name: "serial", kind: KindSerial}
	run := &nodeData{ino: InoRun, path: "/run", name: "run", kind: KindRun}

	t.data = append(t.data, root, flash, sdcard, serialNode, run)
	root.children = []uint64{InoFlash, InoSDCard, InoSerial, InoRun}

	return t, &badgeNode{t: t, d: root}
}

func (t *Table) get(ino uint64) *nodeData {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.data[ino]
}

func (t *Table) newChild(path, name string, kind Kind) *nodeData {
	t.mu.Lock()
	defer t.mu.Unlock()
	nd := &nodeData{ino: uint64(len(t.data)), path: path, name: name, kind: kind}
	t.data = append(t.data, nd)
	return nd
}

func joinPath(parent, name string) string {
	if parent == "/" {
		return "/" + name
	}
	return parent + "/" + name
}

func removeIno(list []uint64, ino uint64) []uint64 {
	out := list[:0]
	for _, v := range list {
		if v != ino {
			out = append(out, v)
		}
	}
	return out
}

// findChildByNameLocked scans nd.children for a child named `name`. The
// caller must hold nd.mu.
func (t *Table) findChildByNameLocked(nd *nodeData, name string) (*nodeData, bool) {
	for _, ino := range nd.children {
		child := t.get(ino)
		if child.name == name {
			return child, true
		}
	}
	return nil, false
}

func modeFor(kind Kind) uint32 {
	if kind == KindDirectory {
		return syscall.S_IFDIR
	}
	return syscall.S_IFREG
}

// ensureFileLoaded lazily fetches and caches a file's contents, subject
// to fileTTL.
func (t *Table) ensureFileLoaded(nd *nodeData) error {
	nd.mu.Lock()
	fresh := nd.loaded && time.Since(nd.lastUpdate) < fileTTL
	nd.mu.Unlock()
	if fresh {
		return nil
	}

	data, err := t.badge.FetchFile(nd.path)
	if err != nil {
		return err
	}

	nd.mu.Lock()
	nd.contents = data
	nd.loaded = true
	nd.lastUpdate = time.Now()
	nd.mu.Unlock()
	return nil
}

// ensureDirLoaded lazily fetches and caches a directory's children,
// subject to dirTTL. The root directory is synthetic and never
// refreshed.
func (t *Table) ensureDirLoaded(nd *nodeData) error {
	if nd.ino == InoRoot {
		return nil
	}

	nd.mu.Lock()
	fresh := nd.childrenLoaded && time.Since(nd.lastUpdate) < dirTTL
	nd.mu.Unlock()
	if fresh {
		return nil
	}

	listing, err := t.badge.FetchDir(nd.path)
	if err != nil {
		return err
	}

	nd.mu.Lock()
	defer nd.mu.Unlock()

	if !listing.Found {
		nd.children = []uint64{}
		nd.childrenLoaded = true
		nd.lastUpdate = time.Now()
		return nil
	}

	children := make([]uint64, 0, len(listing.Entries))
	for _, entry := range listing.Entries {
		if existing, ok := t.findChildByNameLocked(nd, entry.Name); ok {
			children = append(children, existing.ino)
			continue
		}
		kind := KindFile
		if entry.Kind == wire.EntryDirectory {
			kind = KindDirectory
		}
		child := t.newChild(joinPath(nd.path, entry.Name), entry.Name, kind)
		children = append(children, child.ino)
	}

	nd.children = children
	nd.childrenLoaded = true
	nd.lastUpdate = time.Now()
	return nil
}

func splitDuration(d time.Duration) (sec uint64, nsec uint32) {
	return uint64(d / time.Second), uint32(d % time.Second)
}

func (t *Table) fillAttr(nd *nodeData, attr *fuse.Attr) {
	nd.mu.Lock()
	defer nd.mu.Unlock()

	attr.Ino = nd.ino
	attr.Atime = createTime
	attr.Mtime = createTime
	attr.Ctime = createTime
	attr.Owner = fuse.Owner{Uid: callerUID, Gid: callerGID}

	switch nd.kind {
	case KindFile:
		attr.Mode = modeFor(nd.kind) | 0o644
		attr.Size = uint64(len(nd.contents))
		attr.Blocks = (attr.Size + 511) / 512
		attr.Nlink = 1
	case KindDirectory:
		attr.Mode = modeFor(nd.kind) | 0o755
		attr.Nlink = uint32(len(nd.children)) + 1
	case KindSerial:
		attr.Mode = modeFor(nd.kind) | 0o644
		attr.Size = 0xFFFFFFFF
		attr.Nlink = 1
	case KindRun:
		attr.Mode = modeFor(nd.kind) | 0o644
		attr.Size = 0
		attr.Nlink = 1
	}
}

func (t *Table) fillEntry(nd *nodeData, out *fuse.EntryOut) {
	t.fillAttr(nd, &out.Attr)
	sec, nsec := splitDuration(kernelCacheTTL)
	out.EntryValid = sec
	out.EntryValidNsec = nsec
	out.AttrValid = sec
	out.AttrValidNsec = nsec
}

func setAttrTTL(out *fuse.AttrOut) {
	sec, nsec := splitDuration(kernelCacheTTL)
	out.AttrValid = sec
	out.AttrValidNsec = nsec
}

// getOrCreateInode returns the *fs.Inode wrapping child, creating and
// attaching the go-fuse-facing badgeNode the first time child is seen
// by the kernel bridge.
func (t *Table) getOrCreateInode(ctx context.Context, parent *badgeNode, child *nodeData) *fs.Inode {
	child.mu.Lock()
	defer child.mu.Unlock()

	if child.fnode != nil {
		return child.fnode.EmbeddedInode()
	}

	ops := &badgeNode{t: t, d: child}
	stable := fs.StableAttr{Ino: child.ino, Mode: modeFor(child.kind)}
	inode := parent.NewInode(ctx, ops, stable)
	child.fnode = ops
	return inode
}

// badgeNode is the single InodeEmbedder type backing every inode in the
// projection; behavior is dispatched on nodeData.kind rather than by
// having a distinct Go type per kind.
type badgeNode struct {
	fs.Inode
	t *Table
	d *nodeData
}

var (
	_ fs.InodeEmbedder  = (*badgeNode)(nil)
	_ fs.NodeOnAdder     = (*badgeNode)(nil)
	_ fs.NodeLookuper    = (*badgeNode)(nil)
	_ fs.NodeGetattrer   = (*badgeNode)(nil)
	_ fs.NodeSetattrer   = (*badgeNode)(nil)
	_ fs.NodeReaddirer   = (*badgeNode)(nil)
	_ fs.NodeOpener      = (*badgeNode)(nil)
	_ fs.NodeOpendirer   = (*badgeNode)(nil)
	_ fs.NodeReleaser    = (*badgeNode)(nil)
	_ fs.NodeReader      = (*badgeNode)(nil)
	_ fs.NodeWriter      = (*badgeNode)(nil)
	_ fs.NodeMknoder     = (*badgeNode)(nil)
	_ fs.NodeMkdirer     = (*badgeNode)(nil)
	_ fs.NodeUnlinker    = (*badgeNode)(nil)
	_ fs.NodeRmdirer     = (*badgeNode)(nil)
	_ fs.NodeRenamer     = (*badgeNode)(nil)
	_ fs.NodeStatfser    = (*badgeNode)(nil)
	_ fs.NodeFlusher     = (*badgeNode)(nil)
	_ fs.NodeFsyncer     = (*badgeNode)(nil)
	_ fs.NodeAccesser    = (*badgeNode)(nil)
	_ fs.NodeSetxattrer  = (*badgeNode)(nil)
	_ fs.NodeGetxattrer  = (*badgeNode)(nil)
	_ fs.NodeListxattrer = (*badgeNode)(nil)
	_ fs.NodeRemovexattrer = (*badgeNode)(nil)
	_ fs.NodeReadlinker  = (*badgeNode)(nil)
	_ fs.NodeSymlinker   = (*badgeNode)(nil)
	_ fs.NodeLinker      = (*badgeNode)(nil)
	_ fs.NodeCreater     = (*badgeNode)(nil)
	_ fs.NodeGetlker     = (*badgeNode)(nil)
	_ fs.NodeSetlker     = (*badgeNode)(nil)
)

// OnAdd instantiates the fixed flash/sdcard/serial/run inodes as
// persistent children of the root when the filesystem is mounted.
func (n *badgeNode) OnAdd(ctx context.Context) {
	if n.d.ino != InoRoot {
		return
	}
	for _, ino := range n.d.children {
		child := n.t.get(ino)
		inode := n.t.getOrCreateInode(ctx, n, child)
		n.AddChild(child.name, inode, true)
	}
}

func (n *badgeNode) Lookup(ctx context.Context, name string, out *fuse.EntryOut) (*fs.Inode, syscall.Errno) {
	if n.d.kind != KindDirectory {
		return nil, syscall.ENOTDIR
	}
	if err := n.t.ensureDirLoaded(n.d); err != nil {
		return nil, syscall.EIO
	}

	n.d.mu.Lock()
	child, ok := n.t.findChildByNameLocked(n.d, name)
	n.d.mu.Unlock()
	if !ok {
		return nil, syscall.ENOENT
	}

	switch child.kind {
	case KindFile:
		if err := n.t.ensureFileLoaded(child); err != nil {
			return nil, syscall.EIO
		}
	case KindDirectory:
		if err := n.t.ensureDirLoaded(child); err != nil {
			return nil, syscall.EIO
		}
	}

	inode := n.t.getOrCreateInode(ctx, n, child)
	n.t.fillEntry(child, out)
	return inode, 0
}

func (n *badgeNode) Getattr(ctx context.Context, f fs.FileHandle, out *fuse.AttrOut) syscall.Errno {
	switch n.d.kind {
	case KindFile:
		if err := n.t.ensureFileLoaded(n.d); err != nil {
			return syscall.EIO
		}
	case KindDirectory:
		if err := n.t.ensureDirLoaded(n.d); err != nil {
			return syscall.EIO
		}
	}
	n.t.fillAttr(n.d, &out.Attr)
	setAttrTTL(out)
	return 0
}

func (n *badgeNode) Setattr(ctx context.Context, f fs.FileHandle, in *fuse.SetAttrIn, out *fuse.AttrOut) syscall.Errno {
	if n.d.kind == KindFile {
		if size, ok := in.GetSize(); ok {
			if err := n.t.ensureFileLoaded(n.d); err != nil {
				return syscall.EIO
			}
			n.d.mu.Lock()
			contents := n.d.contents
			n.d.mu.Unlock()

			var resized []byte
			if int(size) <= len(contents) {
				resized = contents[:size]
			} else {
				resized = make([]byte, size)
				copy(resized, contents)
			}

			if err := n.t.badge.WriteFile(n.d.path, resized); err != nil {
				return syscall.EIO
			}

			n.d.mu.Lock()
			n.d.contents = resized
			n.d.loaded = true
			n.d.lastUpdate = time.Now()
			n.d.mu.Unlock()
		}
	}
	n.t.fillAttr(n.d, &out.Attr)
	setAttrTTL(out)
	return 0
}

type dirStreamEntries struct {
	entries []fuse.DirEntry
	pos     int
}

func (s *dirStreamEntries) HasNext() bool { return s.pos < len(s.entries) }
func (s *dirStreamEntries) Next() (fuse.DirEntry, syscall.Errno) {
	e := s.entries[s.pos]
	s.pos++
	return e, 0
}
func (s *dirStreamEntries) Close() {}

func (n *badgeNode) Readdir(ctx context.Context) (fs.DirStream, syscall.Errno) {
	if n.d.kind != KindDirectory {
		return nil, syscall.ENOTDIR
	}
	if err := n.t.ensureDirLoaded(n.d); err != nil {
		return nil, syscall.EIO
	}

	n.d.mu.Lock()
	childIno := append([]uint64(nil), n.d.children...)
	n.d.mu.Unlock()

	entries := make([]fuse.DirEntry, 0, len(childIno))
	for _, ino := range childIno {
		child := n.t.get(ino)
		entries = append(entries, fuse.DirEntry{Ino: child.ino, Mode: modeFor(child.kind), Name: child.name})
	}
	return &dirStreamEntries{entries: entries}, 0
}

func (n *badgeNode) Open(ctx context.Context, flags uint32) (fs.FileHandle, uint32, syscall.Errno) {
	return nil, 0, 0
}

func (n *badgeNode) Opendir(ctx context.Context) syscall.Errno { return 0 }

func (n *badgeNode) Release(ctx context.Context, f fs.FileHandle) syscall.Errno { return 0 }

func (n *badgeNode) Read(ctx context.Context, f fs.FileHandle, dest []byte, off int64) (fuse.ReadResult, syscall.Errno) {
	switch n.d.kind {
	case KindFile:
		if err := n.t.ensureFileLoaded(n.d); err != nil {
			return nil, syscall.EIO
		}
		n.d.mu.Lock()
		contents := n.d.contents
		n.d.mu.Unlock()

		if off < 0 || int(off) >= len(contents) {
			return fuse.ReadResultData(nil), 0
		}
		end := int(off) + len(dest)
		if end > len(contents) {
			end = len(contents)
		}
		return fuse.ReadResultData(contents[off:end]), 0

	case KindSerial:
		got := n.t.serial.Read(dest)
		if got == 0 {
			return fuse.ReadResultData(nil), syscall.EAGAIN
		}
		return fuse.ReadResultData(dest[:got]), 0

	case KindRun:
		return fuse.ReadResultData(nil), 0

	default:
		return nil, syscall.EIO
	}
}

func (n *badgeNode) Write(ctx context.Context, f fs.FileHandle, data []byte, off int64) (uint32, syscall.Errno) {
	switch n.d.kind {
	case KindFile:
		if err := n.t.ensureFileLoaded(n.d); err != nil {
			return 0, syscall.EIO
		}
		n.d.mu.Lock()
		contents := append([]byte(nil), n.d.contents...)
		n.d.mu.Unlock()

		end := int(off) + len(data)
		if end > len(contents) {
			grown := make([]byte, end)
			copy(grown, contents)
			contents = grown
		}
		copy(contents[off:end], data)

		if err := n.t.badge.WriteFile(n.d.path, contents); err != nil {
			return 0, syscall.EIO
		}

		n.d.mu.Lock()
		n.d.contents = contents
		n.d.loaded = true
		n.d.lastUpdate = time.Now()
		n.d.mu.Unlock()
		return uint32(len(data)), 0

	case KindSerial:
		if err := n.t.badge.SerialIn(data); err != nil {
			return 0, syscall.EIO
		}
		return uint32(len(data)), 0

	case KindRun:
		path := strings.TrimRight(string(data), " \t\r\n")
		if err := n.t.badge.RunFile(path); err != nil {
			return 0, syscall.EIO
		}
		return uint32(len(data)), 0

	default:
		return 0, syscall.EROFS
	}
}

func (n *badgeNode) Mknod(ctx context.Context, name string, mode uint32, dev uint32, out *fuse.EntryOut) (*fs.Inode, syscall.Errno) {
	if n.d.kind != KindDirectory {
		return nil, syscall.ENOTDIR
	}
	childPath := joinPath(n.d.path, name)
	if err := n.t.badge.CreateFile(childPath); err != nil {
		return nil, syscall.EIO
	}

	child := n.t.newChild(childPath, name, KindFile)
	child.loaded = true
	child.lastUpdate = time.Now()

	n.d.mu.Lock()
	n.d.children = append(n.d.children, child.ino)
	n.d.mu.Unlock()

	inode := n.t.getOrCreateInode(ctx, n, child)
	n.t.fillEntry(child, out)
	return inode, 0
}

func (n *badgeNode) Mkdir(ctx context.Context, name string, mode uint32, out *fuse.EntryOut) (*fs.Inode, syscall.Errno) {
	if n.d.kind != KindDirectory {
		return nil, syscall.ENOTDIR
	}
	childPath := joinPath(n.d.path, name)
	if err := n.t.badge.CreateDir(childPath); err != nil {
		return nil, syscall.EIO
	}

	child := n.t.newChild(childPath, name, KindDirectory)
	child.children = []uint64{}
	child.childrenLoaded = true
	child.lastUpdate = time.Now()

	n.d.mu.Lock()
	n.d.children = append(n.d.children, child.ino)
	n.d.mu.Unlock()

	inode := n.t.getOrCreateInode(ctx, n, child)
	n.t.fillEntry(child, out)
	return inode, 0
}

// Create always fails: the device's app model only creates files via
// mknod (write-to-nonexistent), never O_CREAT opens.
func (n *badgeNode) Create(ctx context.Context, name string, flags uint32, mode uint32, out *fuse.EntryOut) (*fs.Inode, fs.FileHandle, uint32, syscall.Errno) {
	return nil, nil, 0, syscall.ENOSYS
}

func (n *badgeNode) removeChild(name string) syscall.Errno {
	if n.d.kind != KindDirectory {
		return syscall.ENOTDIR
	}
	n.d.mu.Lock()
	child, ok := n.t.findChildByNameLocked(n.d, name)
	n.d.mu.Unlock()
	if !ok {
		return syscall.ENOENT
	}

	if err := n.t.badge.DeletePath(child.path); err != nil {
		return syscall.EIO
	}

	n.d.mu.Lock()
	n.d.children = removeIno(n.d.children, child.ino)
	n.d.mu.Unlock()
	return 0
}

func (n *badgeNode) Unlink(ctx context.Context, name string) syscall.Errno { return n.removeChild(name) }
func (n *badgeNode) Rmdir(ctx context.Context, name string) syscall.Errno  { return n.removeChild(name) }

func (n *badgeNode) Rename(ctx context.Context, name string, newParent fs.InodeEmbedder, newName string, flags uint32) syscall.Errno {
	if n.d.kind != KindDirectory {
		return syscall.ENOTDIR
	}
	dst, ok := newParent.(*badgeNode)
	if !ok || dst.d.kind != KindDirectory {
		return syscall.ENOTDIR
	}

	n.d.mu.Lock()
	child, ok := n.t.findChildByNameLocked(n.d, name)
	n.d.mu.Unlock()
	if !ok {
		return syscall.ENOENT
	}

	toPath := joinPath(dst.d.path, newName)
	if err := n.t.badge.MoveFile(child.path, toPath); err != nil {
		return syscall.EIO
	}

	child.mu.Lock()
	child.path = toPath
	child.name = newName
	child.mu.Unlock()

	n.d.mu.Lock()
	n.d.children = removeIno(n.d.children, child.ino)
	n.d.mu.Unlock()

	dst.d.mu.Lock()
	dst.d.children = append(dst.d.children, child.ino)
	dst.d.mu.Unlock()

	return 0
}

func (n *badgeNode) Statfs(ctx context.Context, out *fuse.StatfsOut) syscall.Errno {
	*out = fuse.StatfsOut{}
	out.Bsize = 512
	out.NameLen = 255
	return 0
}

func (n *badgeNode) Flush(ctx context.Context, f fs.FileHandle) syscall.Errno { return syscall.ENOSYS }
func (n *badgeNode) Fsync(ctx context.Context, f fs.FileHandle, flags uint32) syscall.Errno {
	return syscall.ENOSYS
}
func (n *badgeNode) Access(ctx context.Context, mask uint32) syscall.Errno { return syscall.ENOSYS }
func (n *badgeNode) Setxattr(ctx context.Context, attr string, data []byte, flags uint32) syscall.Errno {
	return syscall.ENOSYS
}
func (n *badgeNode) Getxattr(ctx context.Context, attr string, dest []byte) (uint32, syscall.Errno) {
	return 0, syscall.ENOSYS
}
func (n *badgeNode) Listxattr(ctx context.Context, dest []byte) (uint32, syscall.Errno) {
	return 0, syscall.ENOSYS
}
func (n *badgeNode) Removexattr(ctx context.Context, attr string) syscall.Errno { return syscall.ENOSYS }
func (n *badgeNode) Readlink(ctx context.Context) ([]byte, syscall.Errno)      { return nil, syscall.ENOSYS }
func (n *badgeNode) Symlink(ctx context.Context, target, name string, out *fuse.EntryOut) (*fs.Inode, syscall.Errno) {
	return nil, syscall.ENOSYS
}
func (n *badgeNode) Link(ctx context.Context, target fs.InodeEmbedder, name string, out *fuse.EntryOut) (*fs.Inode, syscall.Errno) {
	return nil, syscall.ENOSYS
}
func (n *badgeNode) Getlk(ctx context.Context, f fs.FileHandle, owner uint64, lk *fuse.FileLock, flags uint32, out *fuse.FileLock) syscall.Errno {
	return syscall.ENOSYS
}
func (n *badgeNode) Setlk(ctx context.Context, f fs.FileHandle, owner uint64, lk *fuse.FileLock, flags uint32) syscall.Errno {
	return syscall.ENOSYS
}

// Mount mounts the badge's filesystem projection at dir and returns the
// running FUSE server without waiting; the caller blocks on its Wait
// until unmounted (the CLI's top-level dispatch runs Mount outside the
// normal one-shot command path).
func Mount(dir string, b *badge.Badge, serial *serialbuf.RingBuffer) (*fuse.Server, error) {
	_, root := NewRoot(b, serial)
	opts := &fs.Options{}
	return fs.Mount(dir, root, opts)
}
