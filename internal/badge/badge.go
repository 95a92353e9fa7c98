// Package badge provides the typed command facade: thin wrappers over
// the protocol engine that narrow ResponseData into domain types.
package badge

import (
	"errors"
	"fmt"

	"badgedrv/internal/engine"
	"badgedrv/internal/wire"
)

// ErrCommandFailed is returned when the device answers a call expecting
// Ok with an Error payload instead.
var ErrCommandFailed = errors.New("badge: command failed")

// InvalidResponseError is returned when the device answers with a
// well-formed but unexpected ResponseData variant for the call made.
type InvalidResponseError struct {
	Data wire.ResponseData
}

func (e *InvalidResponseError) Error() string {
	return fmt.Sprintf("badge: invalid response kind %v", e.Data.Kind)
}

// DirectoryListing is the narrowed result of FetchDir.
type DirectoryListing struct {
	Found     bool
	Requested string
	Entries   []wire.FsEntry
}

// Badge is the typed facade over a running protocol Engine.
type Badge struct {
	Engine *engine.Engine
}

// New wraps an Engine in the typed facade.
func New(e *engine.Engine) *Badge {
	return &Badge{Engine: e}
}

func (b *Badge) ensureOK(cmd wire.Command) error {
	data, err := b.Engine.Call(cmd)
	if err != nil {
		return err
	}
	switch data.Kind {
	case wire.KindOk:
		return nil
	case wire.KindError:
		return ErrCommandFailed
	default:
		return &InvalidResponseError{Data: data}
	}
}

// FetchDir requests a directory listing.
func (b *Badge) FetchDir(path string) (DirectoryListing, error) {
	data, err := b.Engine.Call(wire.FetchDir{Path: path})
	if err != nil {
		return DirectoryListing{}, err
	}
	if data.Kind != wire.KindDirectoryListing {
		return DirectoryListing{}, &InvalidResponseError{Data: data}
	}
	return DirectoryListing{Found: data.DirFound, Requested: data.Requested, Entries: data.Entries}, nil
}

// FetchFile requests a file's contents. A missing file is surfaced by
// the device as the literal bytes "Can't open file", not as an error.
func (b *Badge) FetchFile(path string) ([]byte, error) {
	data, err := b.Engine.Call(wire.FetchFile{Path: path})
	if err != nil {
		return nil, err
	}
	if data.Kind != wire.KindFileContents {
		return nil, &InvalidResponseError{Data: data}
	}
	return data.File, nil
}

func (b *Badge) CreateDir(path string) error {
	return b.ensureOK(wire.CreateDir{Path: path})
}

func (b *Badge) CreateFile(path string) error {
	return b.ensureOK(wire.CreateFile{Path: path})
}

func (b *Badge) CopyFile(from, to string) error {
	return b.ensureOK(wire.CopyFile{From: from, To: to})
}

func (b *Badge) MoveFile(from, to string) error {
	return b.ensureOK(wire.MoveFile{From: from, To: to})
}

func (b *Badge) WriteFile(path string, data []byte) error {
	return b.ensureOK(wire.WriteFile{Path: path, Data: data})
}

func (b *Badge) RunFile(path string) error {
	return b.ensureOK(wire.RunFile{Path: path})
}

func (b *Badge) DeletePath(path string) error {
	return b.ensureOK(wire.DeletePath{Path: path})
}

func (b *Badge) SerialIn(data []byte) error {
	return b.ensureOK(wire.SerialIn{Data: data})
}

func (b *Badge) Heartbeat() error {
	return b.ensureOK(wire.Heartbeat{})
}
