package loader

import (
	"github.com/cockroachdb/errors"
	"github.com/wnxd/microhle/memory"
)

type Prot uint8

const (
	PROT_READ Prot = 1 << iota
	PROT_WRITE
	PROT_EXEC
)

// Segment is a contiguous range of the image. Bytes past len(Data) up to
// Size are zero filled.
type Segment struct {
	Name string
	Addr memory.Addr
	Size uint32
	Prot Prot
	Data []byte
}

func (seg *Segment) Contains(addr memory.Addr) bool {
	return addr >= seg.Addr && uint64(addr) < uint64(seg.Addr)+uint64(seg.Size)
}

// Map copies every segment of img into space.
func Map(space *memory.Space, img *Image) error {
	for i := range img.Segments {
		seg := &img.Segments[i]
		if uint32(len(seg.Data)) > seg.Size {
			return errors.Wrapf(ErrSegmentInvalid, "%s.%s: %d bytes of data for %#x byte segment", img.Name, seg.Name, len(seg.Data), seg.Size)
		}
		if seg.Addr < memory.Addr(space.GuardSize()) || uint64(seg.Addr)+uint64(seg.Size) > memory.Size {
			return errors.Wrapf(ErrSegmentInvalid, "%s.%s at %s overlaps the guard or the end of memory", img.Name, seg.Name, seg.Addr)
		}
		if err := space.Write(seg.Addr, seg.Data); err != nil {
			return err
		}
		if rest := seg.Size - uint32(len(seg.Data)); rest > 0 {
			if err := space.Fill(seg.Addr.Add(uint32(len(seg.Data))), rest, 0); err != nil {
				return err
			}
		}
	}
	return nil
}
