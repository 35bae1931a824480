package objc

import (
	"github.com/cockroachdb/errors"
	"github.com/wnxd/microhle/abi"
	"github.com/wnxd/microhle/memory"
	"go.uber.org/zap"
)

// Results of objc_sync_enter and objc_sync_exit.
const (
	OBJC_SYNC_SUCCESS                 int32 = 0
	OBJC_SYNC_NOT_OWNING_THREAD_ERROR int32 = -1
)

var ErrSyncContended = errors.New("@synchronized object is held by another thread")

// monitor is the recursive lock behind @synchronized for one object.
type monitor struct {
	owner int
	depth uint32
}

var copySelectors = map[int8]string{
	1: "copyWithZone:",
	2: "mutableCopyWithZone:",
}

func (rt *Runtime) ivar(self memory.Addr, offset int32) (memory.Addr, error) {
	// every ivar sits after the isa pointer
	if offset < 4 {
		return 0, errors.Newf("ivar offset %d of %s overlaps isa", offset, self)
	}
	return self + memory.Addr(offset), nil
}

// SetProperty stores value into the ivar at self+offset for a synthesized
// setter. The new value is retained or copied and the old one released.
func (rt *Runtime) SetProperty(self memory.Addr, offset int32, value memory.Addr, shouldCopy int8) error {
	slot, err := rt.ivar(self, offset)
	if err != nil {
		return err
	}
	old, err := rt.mem.ReadU32(slot)
	if err != nil {
		return err
	}
	if !value.IsNil() {
		if shouldCopy == 0 {
			rt.Retain(value)
		} else {
			name, ok := copySelectors[shouldCopy]
			if !ok {
				return errors.Newf("unknown copy mode %d", shouldCopy)
			}
			sel, err := rt.Selector(name)
			if err != nil {
				return err
			}
			ret, err := rt.Send(value, sel, abi.Shape{Args: []abi.Type{abi.Ptr}, Ret: abi.Ptr}, abi.Pointer(0))
			if err != nil {
				return err
			}
			value = ret.Addr()
		}
	}
	if err := rt.mem.WriteU32(slot, uint32(value)); err != nil {
		return err
	}
	if old != 0 {
		return rt.Release(memory.Addr(old))
	}
	return nil
}

// GetProperty loads the ivar at self+offset for a synthesized getter.
func (rt *Runtime) GetProperty(self memory.Addr, offset int32) (memory.Addr, error) {
	slot, err := rt.ivar(self, offset)
	if err != nil {
		return 0, err
	}
	v, err := rt.mem.ReadU32(slot)
	return memory.Addr(v), err
}

// SyncEnter takes the @synchronized lock of obj for the current thread.
// The lock is recursive; threads are cooperative so a lock held by another
// thread cannot be waited on and is reported as ErrSyncContended.
func (rt *Runtime) SyncEnter(obj memory.Addr) (int32, error) {
	if obj.IsNil() {
		return OBJC_SYNC_SUCCESS, nil
	}
	tid := rt.thread()
	m, ok := rt.monitors[obj]
	switch {
	case !ok:
		rt.monitors[obj] = &monitor{owner: tid, depth: 1}
	case m.owner == tid:
		m.depth++
	default:
		return 0, errors.Wrapf(ErrSyncContended, "%s owned by thread %d", obj, m.owner)
	}
	rt.logger.Debug("synchronized enter", zap.Stringer("object", obj), zap.Int("thread", tid))
	return OBJC_SYNC_SUCCESS, nil
}

// SyncExit releases one level of the @synchronized lock of obj.
func (rt *Runtime) SyncExit(obj memory.Addr) int32 {
	if obj.IsNil() {
		return OBJC_SYNC_SUCCESS
	}
	m, ok := rt.monitors[obj]
	if !ok || m.owner != rt.thread() {
		return OBJC_SYNC_NOT_OWNING_THREAD_ERROR
	}
	if m.depth--; m.depth == 0 {
		delete(rt.monitors, obj)
	}
	return OBJC_SYNC_SUCCESS
}

// SyncDepth is how many times obj's @synchronized lock is held.
func (rt *Runtime) SyncDepth(obj memory.Addr) uint32 {
	if m, ok := rt.monitors[obj]; ok {
		return m.depth
	}
	return 0
}
