package transport

import (
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"

	"github.com/localcomm/lcomm/common"
)

// The registry is the filesystem: a service name maps deterministically to a socket path in the runtime
// directory and to a family of segment names, no shared directory service is involved.

const maxServiceNameLen = 96

var segmentSeq uint64

// SocketPath returns the well known UDS path for a service.
func SocketPath(runtimeDir string, serviceName string) string {
	return filepath.Join(runtimeDir, "lc-"+serviceName+".sock")
}

// NextSegmentName returns a fresh shm name for a call owned by this process. The leading slash is
// required by POSIX shm naming. The monotonic counter makes names unique within a process; a collision
// with a stale object from a dead process is handled by retrying with the next counter value.
func NextSegmentName(serviceName string) string {
	return fmt.Sprintf("/lc-%s-%d-%d", serviceName, os.Getpid(), atomic.AddUint64(&segmentSeq, 1))
}

// ValidateServiceName rejects names that cannot be mapped onto socket paths and shm names: empty names,
// names over 96 bytes, non printable ASCII and path separators.
func ValidateServiceName(serviceName string) error {
	if serviceName == "" {
		return common.NewLcError(common.Protocol, "service name must not be empty")
	}
	if len(serviceName) > maxServiceNameLen {
		return common.NewLcErrorf(common.Protocol, "service name '%s' is %d bytes, maximum is %d",
			serviceName, len(serviceName), maxServiceNameLen)
	}
	for i := 0; i < len(serviceName); i++ {
		ch := serviceName[i]
		if ch < 0x20 || ch > 0x7e {
			return common.NewLcErrorf(common.Protocol, "service name contains non printable byte 0x%02x at position %d", ch, i)
		}
		if ch == '/' || ch == '\\' {
			return common.NewLcErrorf(common.Protocol, "service name '%s' contains a path separator", serviceName)
		}
	}
	return nil
}
