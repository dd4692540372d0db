// Package endpoint is the façade a user program instantiates: it aggregates the services this process
// serves and the callers it holds onto, over one shared dispatcher.
package endpoint

import (
	"os"
	"sync"

	"github.com/localcomm/lcomm/conf"
	"github.com/localcomm/lcomm/transport"
	"github.com/pkg/errors"
)

type EndPoint struct {
	cfg     conf.Config
	host    *transport.ServiceHost
	lock    sync.Mutex
	callers map[string]*transport.ServiceCaller
}

// NewEndPoint creates an EndPoint with configuration read from the environment.
func NewEndPoint() (*EndPoint, error) {
	cfg, err := conf.Load()
	if err != nil {
		return nil, err
	}
	return NewEndPointWithConfig(cfg)
}

// NewEndPointWithConfig creates an EndPoint with an explicit configuration. Defaults are applied to
// zero fields.
func NewEndPointWithConfig(cfg conf.Config) (*EndPoint, error) {
	cfg.ApplyDefaults()
	if err := os.MkdirAll(cfg.RuntimeDir, 0700); err != nil {
		return nil, errors.Wrapf(err, "failed to create runtime directory '%s'", cfg.RuntimeDir)
	}
	return &EndPoint{
		cfg:     cfg,
		host:    transport.NewServiceHost(cfg),
		callers: make(map[string]*transport.ServiceCaller),
	}, nil
}

// CreateService registers handler under serviceName and starts accepting connections for it. The call
// is not dispatched until Spin (or the host's RunOne) runs.
func (e *EndPoint) CreateService(serviceName string, handler transport.Handler) error {
	return e.host.Register(serviceName, handler)
}

// RemoveService closes the service listener and unlinks its socket.
func (e *EndPoint) RemoveService(serviceName string) error {
	return e.host.Unregister(serviceName)
}

// CreateServiceCaller returns the caller for serviceName. One caller per name is sufficient because
// every Call opens its own connection, so callers are cached.
func (e *EndPoint) CreateServiceCaller(serviceName string) (*transport.ServiceCaller, error) {
	e.lock.Lock()
	defer e.lock.Unlock()
	if caller, exists := e.callers[serviceName]; exists {
		return caller, nil
	}
	caller, err := transport.NewServiceCaller(serviceName, e.cfg)
	if err != nil {
		return nil, err
	}
	e.callers[serviceName] = caller
	return caller, nil
}

// Host exposes the service host, for programs that want to drive dispatch with RunOne themselves.
func (e *EndPoint) Host() *transport.ServiceHost {
	return e.host
}

// Spin runs the dispatch loop until Close is called from another goroutine.
func (e *EndPoint) Spin() {
	e.host.RunForever()
}

// Close stops the dispatcher, closes all service listeners and unlinks their socket paths.
func (e *EndPoint) Close() {
	e.host.Stop()
}
