package linker

import (
	"fmt"

	"github.com/cockroachdb/errors"
)

var (
	ErrDuplicateExport   = errors.New("duplicate export")
	ErrRelocationInvalid = errors.New("relocation references a missing import")
	ErrSlotInvalid       = errors.New("slot outside mapped memory")
	ErrCodeInvalid       = errors.New("system call code has no binding")
)

// LoadError is a malformed image table. It is fatal before any guest code
// runs.
type LoadError struct {
	Image string
	Err   error
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("[LoadError] %s: %v", e.Image, e.Err)
}

func (e *LoadError) Unwrap() error {
	return e.Err
}

// UnresolvedSymbolError is raised when guest code calls an import nothing
// could be bound to. It ends the calling guest thread.
type UnresolvedSymbolError struct {
	Name    string
	Library string
}

func (e *UnresolvedSymbolError) Error() string {
	if e.Library == "" {
		return fmt.Sprintf("[UnresolvedSymbol] %s", e.Name)
	}
	return fmt.Sprintf("[UnresolvedSymbol] %s (%s)", e.Name, e.Library)
}
