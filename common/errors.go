package common

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
	log "github.com/localcomm/lcomm/logger"
)

func NewLcErrorf(errorCode ErrCode, msgFormat string, args ...interface{}) LcError {
	msg := fmt.Sprintf(msgFormat, args...)
	return NewLcError(errorCode, msg)
}

func NewLcError(errorCode ErrCode, msg string) LcError {
	return LcError{Code: errorCode, Msg: msg}
}

func NewInternalError(err error) LcError {
	// With an internal error we log the original error with a reference and we only pass the reference back to the
	// peer, as we don't want to expose server internals to callers
	ref := fmt.Sprintf("lcomm-internal-err-reference-%s", uuid.New().String())
	log.Errorf("internal error with reference %s: %v", ref, err)
	return NewLcErrorf(InternalError, "an internal error has occurred - please search server logs for reference: %s", ref)
}

func IsLcErrorWithCode(err error, code ErrCode) bool {
	var lerr LcError
	if errors.As(err, &lerr) {
		if lerr.Code == code {
			return true
		}
	}
	return false
}

func IsTransportError(err error) bool {
	return IsLcErrorWithCode(err, Transport)
}

type LcError struct {
	Code ErrCode
	Msg  string
}

func (u LcError) Error() string {
	return u.Msg
}

type ErrCode int

const (
	NotFound ErrCode = iota + 1000
	Transport
	Protocol
	TooLarge
	RemoteError
	AddressInUse
	AlreadyExists ErrCode = iota + 2000
	NoSpace
	Corrupt
	PeerClosed
	InternalError ErrCode = iota + 5000
)
