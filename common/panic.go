package common

import (
	"os"
	"runtime/debug"

	log "github.com/localcomm/lcomm/logger"
)

// PanicHandler is deferred at the top of every main. The panic is reported through the logger so the
// crash lands in the same stream as everything else, then the process exits non zero.
func PanicHandler() {
	if r := recover(); r != nil {
		log.Errorf("panic caught in lcomm: %v\n%s", r, debug.Stack())
		os.Exit(1)
	}
}
