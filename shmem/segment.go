// Package shmem manages the named shared memory segments that carry call payloads between processes.
// A segment is a file under the shm directory (normally /dev/shm, which makes it equivalent to a POSIX
// shm_open object), mapped MAP_SHARED into both participants. The layout is an 8 byte little-endian
// payload length followed by the payload itself, so one segment can be reused for payloads of differing
// sizes as long as they fit.
package shmem

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"strings"

	"github.com/localcomm/lcomm/common"
	"golang.org/x/sys/unix"
)

// HeaderSize is the length prefix stored at the start of every segment.
const HeaderSize = 8

type Segment struct {
	name     string
	capacity uint64
	file     *os.File
	mem      []byte
}

// Create creates a new segment of exactly capacity bytes. The name must carry the leading slash of a
// POSIX shm name. Fails with AlreadyExists if the name is taken and NoSpace if the OS refuses the size.
func Create(dir string, name string, capacity uint64) (*Segment, error) {
	if capacity < HeaderSize {
		return nil, common.NewLcErrorf(common.Protocol, "segment capacity %d is below the %d byte header", capacity, HeaderSize)
	}
	path := segmentPath(dir, name)
	file, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_RDWR, 0600)
	if err != nil {
		if os.IsExist(err) {
			return nil, common.NewLcErrorf(common.AlreadyExists, "shared segment '%s' already exists", name)
		}
		return nil, common.NewLcErrorf(common.Transport, "failed to create shared segment '%s': %v", name, err)
	}
	if err := file.Truncate(int64(capacity)); err != nil {
		closeAndRemove(file, path)
		return nil, common.NewLcErrorf(common.NoSpace, "failed to size shared segment '%s' to %d bytes: %v", name, capacity, err)
	}
	mem, err := unix.Mmap(int(file.Fd()), 0, int(capacity), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		closeAndRemove(file, path)
		return nil, common.NewLcErrorf(common.NoSpace, "failed to map shared segment '%s': %v", name, err)
	}
	return &Segment{
		name:     name,
		capacity: capacity,
		file:     file,
		mem:      mem,
	}, nil
}

// Open maps an existing segment read/write. Fails with NotFound if the name is absent.
func Open(dir string, name string) (*Segment, error) {
	path := segmentPath(dir, name)
	file, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, common.NewLcErrorf(common.NotFound, "shared segment '%s' does not exist", name)
		}
		return nil, common.NewLcErrorf(common.Transport, "failed to open shared segment '%s': %v", name, err)
	}
	info, err := file.Stat()
	if err != nil {
		_ = file.Close()
		return nil, common.NewLcErrorf(common.Transport, "failed to stat shared segment '%s': %v", name, err)
	}
	size := uint64(info.Size())
	if size < HeaderSize {
		_ = file.Close()
		return nil, common.NewLcErrorf(common.Corrupt, "shared segment '%s' is %d bytes, too small to hold a header", name, size)
	}
	mem, err := unix.Mmap(int(file.Fd()), 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		_ = file.Close()
		return nil, common.NewLcErrorf(common.Transport, "failed to map shared segment '%s': %v", name, err)
	}
	return &Segment{
		name:     name,
		capacity: size,
		file:     file,
		mem:      mem,
	}, nil
}

func (s *Segment) Name() string {
	return s.name
}

func (s *Segment) Capacity() uint64 {
	return s.capacity
}

// WritePayload stores the length prefix then copies payload into the segment. Fails with TooLarge if
// the payload does not fit in capacity - HeaderSize.
func (s *Segment) WritePayload(payload []byte) error {
	if uint64(len(payload)) > s.capacity-HeaderSize {
		return common.NewLcErrorf(common.TooLarge, "payload of %d bytes does not fit in segment '%s' of capacity %d",
			len(payload), s.name, s.capacity)
	}
	binary.LittleEndian.PutUint64(s.mem[:HeaderSize], uint64(len(payload)))
	copy(s.mem[HeaderSize:], payload)
	return nil
}

// ReadPayload returns a copy of the payload currently held by the segment. Fails with Corrupt if the
// length prefix claims more bytes than the segment can hold.
func (s *Segment) ReadPayload() ([]byte, error) {
	length := binary.LittleEndian.Uint64(s.mem[:HeaderSize])
	if length > s.capacity-HeaderSize {
		return nil, common.NewLcErrorf(common.Corrupt, "segment '%s' header claims %d payload bytes but capacity is %d",
			s.name, length, s.capacity)
	}
	return common.ByteSliceCopy(s.mem[HeaderSize : HeaderSize+length]), nil
}

// Close unmaps the segment. Idempotent.
func (s *Segment) Close() error {
	var firstErr error
	if s.mem != nil {
		if err := unix.Munmap(s.mem); err != nil && firstErr == nil {
			firstErr = err
		}
		s.mem = nil
	}
	if s.file != nil {
		if err := s.file.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		s.file = nil
	}
	return firstErr
}

// Unlink removes the name from the namespace. Idempotent, an absent name is not an error.
func Unlink(dir string, name string) error {
	err := os.Remove(segmentPath(dir, name))
	if err != nil && !os.IsNotExist(err) {
		return common.NewLcErrorf(common.Transport, "failed to unlink shared segment '%s': %v", name, err)
	}
	return nil
}

// Exists reports whether the name is present in the namespace.
func Exists(dir string, name string) bool {
	_, err := os.Stat(segmentPath(dir, name))
	return err == nil
}

func segmentPath(dir string, name string) string {
	return filepath.Join(dir, strings.TrimPrefix(name, "/"))
}

func closeAndRemove(file *os.File, path string) {
	_ = file.Close()
	_ = os.Remove(path)
}
