package transport

import (
	"net"
	"os"
	"syscall"
	"time"

	"github.com/localcomm/lcomm/common"
	"github.com/localcomm/lcomm/conf"
	"github.com/localcomm/lcomm/shmem"
	"github.com/pkg/errors"
)

const connectRetryInterval = 20 * time.Millisecond

// ServiceCaller is the client side of one service. Each Call opens a fresh connection, performs the
// REQUEST/READY/DONE handshake and returns the reply bytes. A ServiceCaller is safe to keep for the
// lifetime of the program; it holds no open resources between calls.
type ServiceCaller struct {
	serviceName string
	sockPath    string
	cfg         conf.Config
}

func NewServiceCaller(serviceName string, cfg conf.Config) (*ServiceCaller, error) {
	if err := ValidateServiceName(serviceName); err != nil {
		return nil, err
	}
	return &ServiceCaller{
		serviceName: serviceName,
		sockPath:    SocketPath(cfg.RuntimeDir, serviceName),
		cfg:         cfg,
	}, nil
}

func (c *ServiceCaller) ServiceName() string {
	return c.serviceName
}

// Call sends request to the service and returns the reply produced by its handler. Apart from connect
// waiting for the service socket to appear, errors are not retried, they surface to the user: NotFound
// when no server owns the service within the connect timeout, RemoteError when
// the handler failed, Transport/Protocol for broken or malformed exchanges.
func (c *ServiceCaller) Call(request []byte) ([]byte, error) {
	if c.cfg.MaxPayloadSize != 0 && uint64(len(request)) > c.cfg.MaxPayloadSize {
		return nil, common.NewLcErrorf(common.TooLarge, "request of %d bytes exceeds the configured ceiling of %d",
			len(request), c.cfg.MaxPayloadSize)
	}
	// Connect before creating any segment so an absent service leaks nothing
	conn, err := c.connect()
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = conn.Close()
	}()
	if c.cfg.CallTimeout != 0 {
		if err := conn.SetDeadline(time.Now().Add(c.cfg.CallTimeout)); err != nil {
			return nil, common.NewLcErrorf(common.Transport, "failed to set call deadline: %v", err)
		}
	}

	capacity := uint64(len(request)) + shmem.HeaderSize
	if capacity < c.cfg.MinSegmentCapacity {
		capacity = c.cfg.MinSegmentCapacity
	}
	reqSeg, err := AllocateSegment(c.cfg.ShmDir, c.serviceName, capacity)
	if err != nil {
		return nil, err
	}
	defer func() {
		// The request segment is created here and always unlinked here, whatever path the call takes
		_ = reqSeg.Close()
		_ = shmem.Unlink(c.cfg.ShmDir, reqSeg.Name())
	}()
	if err := reqSeg.WritePayload(request); err != nil {
		return nil, err
	}

	if err := writeFrame(conn, encodeSegmentFrame(frameTypeRequest, reqSeg.Name(), reqSeg.Capacity())); err != nil {
		return nil, err
	}

	fr, err := readFrame(conn, c.cfg.MaxFrameSize)
	if err != nil {
		return nil, asTransport(err)
	}
	if fr.tag == frameTypeError {
		return nil, common.NewLcError(common.RemoteError, fr.errMsg)
	}
	if fr.tag != frameTypeReady {
		return nil, common.NewLcErrorf(common.Protocol, "expected READY frame, got tag 0x%02x", fr.tag)
	}

	fr, err = readFrame(conn, c.cfg.MaxFrameSize)
	if err != nil {
		return nil, asTransport(err)
	}
	if fr.tag == frameTypeError {
		return nil, common.NewLcError(common.RemoteError, fr.errMsg)
	}
	if fr.tag != frameTypeDone {
		return nil, common.NewLcErrorf(common.Protocol, "expected DONE frame, got tag 0x%02x", fr.tag)
	}

	if fr.segName == reqSeg.Name() {
		// The server reused the request segment for the reply
		return reqSeg.ReadPayload()
	}
	// The server grew the buffer; the reply lives in a fresh segment which we, as the last reader, unlink
	replySeg, err := shmem.Open(c.cfg.ShmDir, fr.segName)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = replySeg.Close()
		_ = shmem.Unlink(c.cfg.ShmDir, replySeg.Name())
	}()
	return replySeg.ReadPayload()
}

// connect dials the service socket, retrying while the socket is absent or refusing connections until
// the connect timeout elapses. This tolerates a server that is mid startup.
func (c *ServiceCaller) connect() (net.Conn, error) {
	deadline := time.Now().Add(c.cfg.ConnectTimeout)
	for {
		conn, err := net.Dial("unix", c.sockPath)
		if err == nil {
			return conn, nil
		}
		if !isServiceAbsentError(err) {
			return nil, common.NewLcErrorf(common.Transport, "failed to connect to service '%s': %v", c.serviceName, err)
		}
		if time.Now().After(deadline) {
			return nil, common.NewLcErrorf(common.NotFound, "service '%s' not available", c.serviceName)
		}
		time.Sleep(connectRetryInterval)
	}
}

func isServiceAbsentError(err error) bool {
	return errors.Is(err, os.ErrNotExist) || errors.Is(err, syscall.ECONNREFUSED)
}

// asTransport keeps Protocol errors intact and folds everything else, PeerClosed included, into the
// Transport kind the caller contract promises for I/O failures before DONE.
func asTransport(err error) error {
	if common.IsLcErrorWithCode(err, common.Protocol) {
		return err
	}
	if common.IsLcErrorWithCode(err, common.PeerClosed) {
		return common.NewLcErrorf(common.Transport, "connection lost before DONE: %v", err)
	}
	return err
}

// AllocateSegment creates a segment under a fresh name for the given service, retrying when the name
// collides with a stale object left behind by a dead process.
func AllocateSegment(shmDir string, serviceName string, capacity uint64) (*shmem.Segment, error) {
	for {
		seg, err := shmem.Create(shmDir, NextSegmentName(serviceName), capacity)
		if err == nil {
			return seg, nil
		}
		if !common.IsLcErrorWithCode(err, common.AlreadyExists) {
			return nil, err
		}
	}
}
