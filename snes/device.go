package snes

import (
	"context"
	"io"
	"path"
)

type ConnectionState int32

const (
	Disconnected ConnectionState = iota
	Connecting
	Connected
	Attached
)

func (s ConnectionState) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Attached:
		return "attached"
	default:
		return "unknown"
	}
}

type FileType uint8

const (
	FileTypeDirectory FileType = 0
	FileTypeFile      FileType = 1
)

type DirEntry struct {
	Type FileType
	Name string
}

func (e DirEntry) IsDir() bool { return e.Type == FileTypeDirectory }

type DeviceInfo struct {
	Firmware string
	Version  string
	ROM      string
	Features []string
}

type ReadRequest struct {
	Address uint32
	Size    int
}

type WriteRequest struct {
	Address uint32
	Data    []byte
}

// ProgressFunc is called as a transfer advances.
type ProgressFunc func(done, total int64)

// Device is the common surface of both the raw serial and the WebSocket clients.
// Every method is serialized per connection: at most one request is in flight at a time.
type Device interface {
	Close() error
	State() ConnectionState

	Info(ctx context.Context) (DeviceInfo, error)

	ReadMemory(ctx context.Context, address uint32, size int) ([]byte, error)
	// ReadMemoryBatch returns one slice per request, in request order.
	ReadMemoryBatch(ctx context.Context, reqs []ReadRequest) ([][]byte, error)
	WriteMemory(ctx context.Context, address uint32, data []byte) error
	WriteMemoryBatch(ctx context.Context, reqs []WriteRequest) error

	GetFile(ctx context.Context, path string, progress ProgressFunc) ([]byte, error)
	PutFile(ctx context.Context, path string, r io.Reader, size int64, progress ProgressFunc) error
	List(ctx context.Context, path string) ([]DirEntry, error)
	MakeDir(ctx context.Context, path string) error
	Remove(ctx context.Context, path string) error
	Rename(ctx context.Context, path, newName string) error

	Boot(ctx context.Context, path string) error
	Menu(ctx context.Context) error
	Reset(ctx context.Context) error
}

// SplitPath splits a device path into its directory and base name.
func SplitPath(p string) (dir, name string) {
	dir, name = path.Split(p)
	if len(dir) > 1 {
		dir = dir[:len(dir)-1]
	}
	if dir == "" {
		dir = "/"
	}
	return
}
