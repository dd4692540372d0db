package transport

import (
	"net"
	"os"
	"sync"
	"syscall"
	"time"

	"github.com/localcomm/lcomm/common"
	"github.com/localcomm/lcomm/conf"
	log "github.com/localcomm/lcomm/logger"
	"github.com/localcomm/lcomm/shmem"
	"github.com/pkg/errors"
)

// Handler maps request bytes to reply bytes. A non nil error is reported to the caller verbatim as a
// remote error. Panics inside a handler are recovered at the dispatch boundary and treated the same way.
type Handler func(request []byte) ([]byte, error)

const (
	acceptBacklog    = 64
	staleProbeWindow = 250 * time.Millisecond
)

var pageSize = uint64(os.Getpagesize())

/*
ServiceHost owns the server side of one or more services. Accept loops run per listener and feed a
shared channel; the dispatch loop (RunOne/RunForever) drains that channel one connection at a time, so
at most one handler runs at a time and calls on one service serialize in accept order. One connection
carries exactly one request and one reply, then is closed.
*/
type ServiceHost struct {
	cfg         conf.Config
	lock        sync.Mutex
	services    map[string]*service
	connCh      chan acceptedConn
	stopCh      chan struct{}
	acceptGroup sync.WaitGroup
	stopped     bool
}

type service struct {
	name     string
	path     string
	listener net.Listener
	handler  Handler
}

type acceptedConn struct {
	conn net.Conn
	svc  *service
}

func NewServiceHost(cfg conf.Config) *ServiceHost {
	return &ServiceHost{
		cfg:      cfg,
		services: make(map[string]*service),
		connCh:   make(chan acceptedConn, acceptBacklog),
		stopCh:   make(chan struct{}),
	}
}

// Register binds the service socket and starts accepting connections for it. A name already owned by
// this host or by another live process fails with AddressInUse; a socket file left behind by a dead
// process is reclaimed.
func (s *ServiceHost) Register(serviceName string, handler Handler) error {
	if err := ValidateServiceName(serviceName); err != nil {
		return err
	}
	if handler == nil {
		return errors.Errorf("nil handler for service '%s'", serviceName)
	}
	s.lock.Lock()
	defer s.lock.Unlock()
	if s.stopped {
		return errors.New("service host is stopped")
	}
	if _, exists := s.services[serviceName]; exists {
		return common.NewLcErrorf(common.AddressInUse, "service '%s' already registered on this host", serviceName)
	}
	if err := os.MkdirAll(s.cfg.RuntimeDir, 0700); err != nil {
		return common.NewLcErrorf(common.Transport, "failed to create runtime directory '%s': %v", s.cfg.RuntimeDir, err)
	}
	path := SocketPath(s.cfg.RuntimeDir, serviceName)
	if err := reclaimStaleSocket(serviceName, path); err != nil {
		return err
	}
	listener, err := net.Listen("unix", path)
	if err != nil {
		if errors.Is(err, syscall.EADDRINUSE) {
			return common.NewLcErrorf(common.AddressInUse, "service '%s' is owned by another process", serviceName)
		}
		return common.NewLcErrorf(common.Transport, "failed to listen on '%s': %v", path, err)
	}
	if err := os.Chmod(path, 0600); err != nil {
		_ = listener.Close()
		_ = os.Remove(path)
		return common.NewLcErrorf(common.Transport, "failed to restrict permissions on '%s': %v", path, err)
	}
	svc := &service{
		name:     serviceName,
		path:     path,
		listener: listener,
		handler:  handler,
	}
	s.services[serviceName] = svc
	s.acceptGroup.Add(1)
	common.Go(func() {
		s.acceptLoop(svc)
	})
	log.Debugf("service '%s' listening on %s", serviceName, path)
	return nil
}

// Unregister closes the service listener and unlinks its socket path.
func (s *ServiceHost) Unregister(serviceName string) error {
	s.lock.Lock()
	defer s.lock.Unlock()
	svc, exists := s.services[serviceName]
	if !exists {
		return common.NewLcErrorf(common.NotFound, "service '%s' is not registered on this host", serviceName)
	}
	delete(s.services, serviceName)
	closeService(svc)
	return nil
}

// RunOne waits up to timeout for a connection on any registered service, handles at most one call and
// reports whether a call was handled. A negative timeout waits without limit.
func (s *ServiceHost) RunOne(timeout time.Duration) bool {
	var timerCh <-chan time.Time
	if timeout >= 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		timerCh = timer.C
	}
	select {
	case ac := <-s.connCh:
		s.handleConnection(ac)
		return true
	case <-timerCh:
		return false
	case <-s.stopCh:
		return false
	}
}

// RunForever dispatches calls until Stop is called.
func (s *ServiceHost) RunForever() {
	for {
		select {
		case ac := <-s.connCh:
			s.handleConnection(ac)
		case <-s.stopCh:
			return
		}
	}
}

// Stop closes all listeners, unlinks their socket paths, waits for the accept loops to exit and drops
// any connections that were accepted but never dispatched. Idempotent.
func (s *ServiceHost) Stop() {
	s.lock.Lock()
	if s.stopped {
		s.lock.Unlock()
		return
	}
	s.stopped = true
	close(s.stopCh)
	for _, svc := range s.services {
		closeService(svc)
	}
	s.services = make(map[string]*service)
	s.lock.Unlock()
	s.acceptGroup.Wait()
	for {
		select {
		case ac := <-s.connCh:
			_ = ac.conn.Close()
		default:
			return
		}
	}
}

func (s *ServiceHost) acceptLoop(svc *service) {
	defer s.acceptGroup.Done()
	for {
		conn, err := svc.listener.Accept()
		if err != nil {
			// Ok - listener was closed
			return
		}
		select {
		case s.connCh <- acceptedConn{conn: conn, svc: svc}:
		case <-s.stopCh:
			_ = conn.Close()
			return
		}
	}
}

func (s *ServiceHost) handleConnection(ac acceptedConn) {
	defer func() {
		// A malformed frame with insufficient bytes must not take the dispatch loop down
		if r := recover(); r != nil {
			log.Errorf("panic while serving call on service '%s': %v", ac.svc.name, r)
		}
		_ = ac.conn.Close()
	}()
	if err := s.serveCall(ac.conn, ac.svc); err != nil {
		if common.IsLcErrorWithCode(err, common.PeerClosed) {
			log.Debugf("service '%s': caller went away mid call: %v", ac.svc.name, err)
		} else {
			log.Errorf("service '%s': call failed: %v", ac.svc.name, err)
		}
	}
}

/*
serveCall runs one connection through the server side state machine:

	AWAIT_REQUEST -> AWAIT_USER_HANDOFF -> EXECUTING -> DONE_SENT -> CLOSED

with any step allowed to fall through to ERROR -> CLOSED. The request segment belongs to the caller and
is unlinked by the caller; the reply segment, when grown, is created here, handed over via DONE and
unlinked by the caller as the last reader. Only when DONE cannot be delivered does the host unlink the
reply segment itself.
*/
func (s *ServiceHost) serveCall(conn net.Conn, svc *service) error {
	fr, err := readFrame(conn, s.cfg.MaxFrameSize)
	if err != nil {
		if common.IsLcErrorWithCode(err, common.Protocol) {
			s.sendError(conn, svc, "bad request")
		}
		return err
	}
	if fr.tag != frameTypeRequest {
		s.sendError(conn, svc, "bad request")
		return common.NewLcErrorf(common.Protocol, "expected REQUEST frame, got tag 0x%02x", fr.tag)
	}

	reqSeg, err := shmem.Open(s.cfg.ShmDir, fr.segName)
	if err != nil {
		s.sendError(conn, svc, "input segment not found")
		return err
	}
	defer func() {
		_ = reqSeg.Close()
	}()
	request, err := reqSeg.ReadPayload()
	if err != nil {
		s.sendError(conn, svc, "corrupt")
		return err
	}
	if s.cfg.MaxPayloadSize != 0 && uint64(len(request)) > s.cfg.MaxPayloadSize {
		s.sendError(conn, svc, "request exceeds the configured payload ceiling")
		return nil
	}

	if err := writeFrame(conn, encodeReadyFrame()); err != nil {
		return err
	}

	reply, herr := invokeHandler(svc.handler, request)
	if herr != nil {
		s.sendError(conn, svc, herr.Error())
		// The caller unlinks its request segment on ERROR too; unlinking here as well is idempotent
		// and covers a caller that died while we were executing
		_ = shmem.Unlink(s.cfg.ShmDir, reqSeg.Name())
		return nil
	}
	if s.cfg.MaxPayloadSize != 0 && uint64(len(reply)) > s.cfg.MaxPayloadSize {
		s.sendError(conn, svc, "reply exceeds the configured payload ceiling")
		return nil
	}

	if uint64(len(reply))+shmem.HeaderSize <= reqSeg.Capacity() {
		// Reply fits, reuse the request segment
		if err := reqSeg.WritePayload(reply); err != nil {
			s.sendError(conn, svc, "failed to write reply")
			return err
		}
		return writeFrame(conn, encodeSegmentFrame(frameTypeDone, reqSeg.Name(), reqSeg.Capacity()))
	}

	// Reply is larger than the request segment, grow into a fresh one
	replySeg, err := AllocateSegment(s.cfg.ShmDir, svc.name, roundUpToPage(uint64(len(reply))+shmem.HeaderSize))
	if err != nil {
		s.sendError(conn, svc, "failed to allocate reply segment")
		return err
	}
	if err := replySeg.WritePayload(reply); err != nil {
		_ = replySeg.Close()
		_ = shmem.Unlink(s.cfg.ShmDir, replySeg.Name())
		s.sendError(conn, svc, "failed to write reply")
		return err
	}
	doneErr := writeFrame(conn, encodeSegmentFrame(frameTypeDone, replySeg.Name(), replySeg.Capacity()))
	_ = replySeg.Close()
	if doneErr != nil {
		// The caller never learned the name, so it falls to us to unlink it
		_ = shmem.Unlink(s.cfg.ShmDir, replySeg.Name())
		return doneErr
	}
	return nil
}

func (s *ServiceHost) sendError(conn net.Conn, svc *service, msg string) {
	if err := writeFrame(conn, encodeErrorFrame(msg)); err != nil {
		log.Debugf("service '%s': failed to deliver error frame: %v", svc.name, err)
	}
}

func invokeHandler(handler Handler, request []byte) (reply []byte, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.Errorf("%v", r)
		}
	}()
	return handler(request)
}

func roundUpToPage(size uint64) uint64 {
	return (size + pageSize - 1) &^ (pageSize - 1)
}

func closeService(svc *service) {
	if err := svc.listener.Close(); err != nil {
		// Ignore - listener might already have been closed
	}
	if err := os.Remove(svc.path); err != nil && !os.IsNotExist(err) {
		log.Warnf("failed to unlink socket path '%s': %v", svc.path, err)
	}
}

// reclaimStaleSocket distinguishes a live owner from a socket file orphaned by a dead process: a
// connect that succeeds means the name is taken, a refused connect means the file is stale and can be
// removed before we bind.
func reclaimStaleSocket(serviceName string, path string) error {
	if _, err := os.Stat(path); err != nil {
		return nil
	}
	conn, err := net.DialTimeout("unix", path, staleProbeWindow)
	if err == nil {
		_ = conn.Close()
		return common.NewLcErrorf(common.AddressInUse, "service '%s' is owned by another process", serviceName)
	}
	if errors.Is(err, syscall.ECONNREFUSED) {
		if rerr := os.Remove(path); rerr != nil && !os.IsNotExist(rerr) {
			return common.NewLcErrorf(common.Transport, "failed to remove stale socket '%s': %v", path, rerr)
		}
	}
	return nil
}
