package objc

import (
	"fmt"

	"github.com/cockroachdb/errors"
	"github.com/wnxd/microhle/memory"
)

var (
	ErrCyclicSuperclass = errors.New("cyclic superclass chain")
	ErrInvalidObject    = errors.New("receiver is not an object")
	ErrNoHost           = errors.New("runtime has no host to call guest code")
)

// ConfigError is a class table problem found before guest code runs.
type ConfigError struct {
	Class  string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("[ConfigError] class %s: %s", e.Class, e.Reason)
}

// UnrecognizedSelectorError is raised when neither the class chain nor a
// forwarding handler can answer a message.
type UnrecognizedSelectorError struct {
	Class    string
	Selector string
	Receiver memory.Addr
	Meta     bool
}

func (e *UnrecognizedSelectorError) Error() string {
	kind, sign := "instance", '-'
	if e.Meta {
		kind, sign = "class", '+'
	}
	return fmt.Sprintf("[UnrecognizedSelector] %c[%s %s]: unrecognized selector sent to %s %s", sign, e.Class, e.Selector, kind, e.Receiver)
}
