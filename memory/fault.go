package memory

import (
	"fmt"

	"github.com/cockroachdb/errors"
)

var (
	ErrFault          = errors.New("memory fault")
	ErrClosed         = errors.New("address space closed")
	ErrOutOfMemory    = errors.New("guest heap exhausted")
	ErrAddressInvalid = errors.New("address invalid")
	ErrSizeInvalid    = errors.New("size invalid")
)

// Fault describes an access that touched the null guard or ran past the end
// of the address space.
type Fault struct {
	Addr  Addr
	Size  uint32
	Write bool
	Guard bool
}

func (f *Fault) Error() string {
	op := "read"
	if f.Write {
		op = "write"
	}
	where := "out of range"
	if f.Guard {
		where = "null guard"
	}
	return fmt.Sprintf("[MemoryFault] %s of %d bytes at %s (%s)", op, f.Size, f.Addr, where)
}

func (f *Fault) Is(target error) bool {
	return target == ErrFault
}
