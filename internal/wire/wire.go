// Package wire implements the framed binary protocol spoken over the
// badge's USB bulk endpoints: encoding outbound Commands and decoding
// inbound Responses from a resynchronizing byte stream.
package wire

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// Opcodes. WriteFile intentionally shares CreateFile's opcode: on the
// device side, writing to a nonexistent path creates it. RunFile uses 0,
// not a rename of any "default" opcode.
const (
	OpRunFile    uint16 = 0
	OpHeartbeat  uint16 = 1
	OpSerialIn   uint16 = 2
	OpLog        uint16 = 3
	OpFetchDir   uint16 = 4096
	OpFetchFile  uint16 = 4097
	OpCreateFile uint16 = 4098
	OpWriteFile  uint16 = 4098
	OpDeletePath uint16 = 4099
	OpCopyFile   uint16 = 4100
	OpMoveFile   uint16 = 4101
	OpCreateDir  uint16 = 4102
)

var magic = [2]byte{0xDE, 0xAD}

// HeaderSize is the fixed 12-byte frame header: opcode(2) + length(4) +
// magic(2) + message id(4).
const HeaderSize = 12

// Command is a request the host can send to the badge.
type Command interface {
	Opcode() uint16
	payload() []byte
}

func nulTerminated(s string) []byte {
	return append([]byte(s), 0)
}

type CreateDir struct{ Path string }

func (CreateDir) Opcode() uint16      { return OpCreateDir }
func (c CreateDir) payload() []byte   { return nulTerminated(c.Path) }

type FetchDir struct{ Path string }

func (FetchDir) Opcode() uint16    { return OpFetchDir }
func (c FetchDir) payload() []byte { return nulTerminated(c.Path) }

type CreateFile struct{ Path string }

func (CreateFile) Opcode() uint16    { return OpCreateFile }
func (c CreateFile) payload() []byte { return nulTerminated(c.Path) }

type FetchFile struct{ Path string }

func (FetchFile) Opcode() uint16    { return OpFetchFile }
func (c FetchFile) payload() []byte { return nulTerminated(c.Path) }

type CopyFile struct{ From, To string }

func (CopyFile) Opcode() uint16 { return OpCopyFile }
func (c CopyFile) payload() []byte {
	var b bytes.Buffer
	b.Write(nulTerminated(c.From))
	b.Write(nulTerminated(c.To))
	return b.Bytes()
}

type MoveFile struct{ From, To string }

func (MoveFile) Opcode() uint16 { return OpMoveFile }
func (c MoveFile) payload() []byte {
	var b bytes.Buffer
	b.Write(nulTerminated(c.From))
	b.Write(nulTerminated(c.To))
	return b.Bytes()
}

// WriteFile's payload is the path, NUL-terminated, followed by raw data
// with no terminator.
type WriteFile struct {
	Path string
	Data []byte
}

func (WriteFile) Opcode() uint16 { return OpWriteFile }
func (c WriteFile) payload() []byte {
	var b bytes.Buffer
	b.Write(nulTerminated(c.Path))
	b.Write(c.Data)
	return b.Bytes()
}

type RunFile struct{ Path string }

func (RunFile) Opcode() uint16    { return OpRunFile }
func (c RunFile) payload() []byte { return nulTerminated(c.Path) }

type DeletePath struct{ Path string }

func (DeletePath) Opcode() uint16    { return OpDeletePath }
func (c DeletePath) payload() []byte { return nulTerminated(c.Path) }

// SerialIn forwards raw bytes with no framing of its own.
type SerialIn struct{ Data []byte }

func (SerialIn) Opcode() uint16    { return OpSerialIn }
func (c SerialIn) payload() []byte { return c.Data }

type Heartbeat struct{}

func (Heartbeat) Opcode() uint16  { return OpHeartbeat }
func (Heartbeat) payload() []byte { return []byte("beat\x00") }

// Encode frames a command with the given message id.
func Encode(messageID uint32, cmd Command) []byte {
	payload := cmd.payload()
	frame := make([]byte, HeaderSize+len(payload))
	binary.LittleEndian.PutUint16(frame[0:2], cmd.Opcode())
	binary.LittleEndian.PutUint32(frame[2:6], uint32(len(payload)))
	frame[6] = magic[0]
	frame[7] = magic[1]
	binary.LittleEndian.PutUint32(frame[8:12], messageID)
	copy(frame[12:], payload)
	return frame
}

// ResponseKind distinguishes the parsed variants of ResponseData.
type ResponseKind int

const (
	KindLog ResponseKind = iota
	KindDirectoryListing
	KindFileContents
	KindOk
	KindError
	KindTimeout
	KindUnknown
)

// FsEntryKind distinguishes a directory listing entry.
type FsEntryKind int

const (
	EntryFile FsEntryKind = iota
	EntryDirectory
)

// FsEntry is one line of a directory listing.
type FsEntry struct {
	Kind FsEntryKind
	Name string
}

// ResponseData is the narrowed payload of a Response. Only the fields
// relevant to Kind are populated.
type ResponseData struct {
	Kind ResponseKind

	Text string // KindLog

	DirFound  bool // KindDirectoryListing
	Requested string
	Entries   []FsEntry

	File []byte // KindFileContents
}

// Response is one decoded frame.
type Response struct {
	MessageID uint32
	Data      ResponseData
}

var okPayload = []byte{0x6F, 0x6B, 0x00} // "ok\0"

var dirNotFound = []byte("Directory_not_found")

// Decoder parses a growable byte stream into Responses, resynchronizing
// on the magic marker at frame offset 6 when the buffered bytes don't
// line up with a frame boundary.
type Decoder struct {
	buf []byte
}

// Feed appends newly received bytes to the decode buffer.
func (d *Decoder) Feed(b []byte) {
	d.buf = append(d.buf, b...)
}

// Len reports the number of buffered, not-yet-decoded bytes.
func (d *Decoder) Len() int {
	return len(d.buf)
}

// TryRead attempts to decode one Response from the buffered bytes. It
// returns ok=false when more input is needed; it never blocks.
func (d *Decoder) TryRead() (resp Response, ok bool, err error) {
	for {
		if len(d.buf) < HeaderSize {
			return Response{}, false, nil
		}
		if d.buf[6] == magic[0] && d.buf[7] == magic[1] {
			break
		}
		// Resync: the magic isn't at offset 6 of the current window.
		// Drop one byte and look again.
		d.buf = d.buf[1:]
		if len(d.buf) < HeaderSize {
			return Response{}, false, nil
		}
	}

	opcode := binary.LittleEndian.Uint16(d.buf[0:2])
	length := binary.LittleEndian.Uint32(d.buf[2:6])
	messageID := binary.LittleEndian.Uint32(d.buf[8:12])

	total := HeaderSize + int(length)
	if len(d.buf) < total {
		return Response{}, false, nil
	}

	payload := d.buf[HeaderSize:total]
	data, err := decodePayload(opcode, payload)
	// The frame is consumed regardless of a payload decode error: a
	// malformed payload is a protocol error in that one frame, not a
	// resync condition, and leaving it buffered would wedge the decoder.
	d.buf = d.buf[total:]
	if err != nil {
		return Response{}, false, err
	}

	return Response{MessageID: messageID, Data: data}, true, nil
}

func decodePayload(opcode uint16, payload []byte) (ResponseData, error) {
	switch opcode {
	case OpLog:
		return ResponseData{Kind: KindLog, Text: string(payload)}, nil
	case OpFetchDir:
		return decodeDirectoryListing(payload)
	case OpFetchFile:
		return ResponseData{Kind: KindFileContents, File: append([]byte(nil), payload...)}, nil
	case OpRunFile, OpHeartbeat, OpSerialIn, OpCreateFile, OpDeletePath, OpCopyFile, OpMoveFile, OpCreateDir:
		if bytes.Equal(payload, okPayload) {
			return ResponseData{Kind: KindOk}, nil
		}
		return ResponseData{Kind: KindError}, nil
	default:
		return ResponseData{Kind: KindUnknown}, nil
	}
}

func decodeDirectoryListing(payload []byte) (ResponseData, error) {
	if bytes.Equal(payload, dirNotFound) {
		return ResponseData{Kind: KindDirectoryListing, DirFound: false}, nil
	}

	lines := bytes.Split(payload, []byte("\n"))
	if len(lines) == 0 {
		return ResponseData{}, fmt.Errorf("wire: empty directory listing payload")
	}

	requested := string(lines[0])
	entries := make([]FsEntry, 0, len(lines)-1)
	for _, line := range lines[1:] {
		if len(line) == 0 {
			continue
		}
		switch line[0] {
		case 'f':
			entries = append(entries, FsEntry{Kind: EntryFile, Name: string(line[1:])})
		case 'd':
			entries = append(entries, FsEntry{Kind: EntryDirectory, Name: string(line[1:])})
		default:
			return ResponseData{}, fmt.Errorf("wire: malformed directory entry line %q", line)
		}
	}

	return ResponseData{
		Kind:      KindDirectoryListing,
		DirFound:  true,
		Requested: requested,
		Entries:   entries,
	}, nil
}
