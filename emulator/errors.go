package emulator

import "github.com/cockroachdb/errors"

var (
	ErrContextInvalid = errors.New("context invalid")
	ErrEngineClosed   = errors.New("engine closed")
)
