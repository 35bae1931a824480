package memory

// Access is an exclusive view of a Space obtained through Borrow. Its
// accessors are bounds and guard checked but do not lock.
type Access struct {
	s *Space
}

func (a *Access) Release() {
	if a.s != nil {
		s := a.s
		a.s = nil
		s.mu.Unlock()
	}
}

func (a *Access) GuardSize() uint32 {
	return a.s.guard
}

// Backing exposes the whole buffer for the CPU fast path.
func (a *Access) Backing() []byte {
	return a.s.buf
}

func (a *Access) DirectAccess(addr Addr, size uint32) ([]byte, bool) {
	b, err := a.s.slice(addr, size, false)
	return b, err == nil
}

func (a *Access) ReadU8(addr Addr) (uint8, error) {
	b, err := a.s.slice(addr, 1, false)
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

func (a *Access) ReadU16(addr Addr) (uint16, error) {
	b, err := a.s.slice(addr, 2, false)
	if err != nil {
		return 0, err
	}
	return le.Uint16(b), nil
}

func (a *Access) ReadU32(addr Addr) (uint32, error) {
	b, err := a.s.slice(addr, 4, false)
	if err != nil {
		return 0, err
	}
	return le.Uint32(b), nil
}

func (a *Access) ReadU64(addr Addr) (uint64, error) {
	b, err := a.s.slice(addr, 8, false)
	if err != nil {
		return 0, err
	}
	return le.Uint64(b), nil
}

func (a *Access) WriteU8(addr Addr, v uint8) error {
	b, err := a.s.slice(addr, 1, true)
	if err != nil {
		return err
	}
	b[0] = v
	return nil
}

func (a *Access) WriteU16(addr Addr, v uint16) error {
	b, err := a.s.slice(addr, 2, true)
	if err != nil {
		return err
	}
	le.PutUint16(b, v)
	return nil
}

func (a *Access) WriteU32(addr Addr, v uint32) error {
	b, err := a.s.slice(addr, 4, true)
	if err != nil {
		return err
	}
	le.PutUint32(b, v)
	return nil
}

func (a *Access) WriteU64(addr Addr, v uint64) error {
	b, err := a.s.slice(addr, 8, true)
	if err != nil {
		return err
	}
	le.PutUint64(b, v)
	return nil
}
