package arm

const (
	cachePageShift = 12
	cachePageSlots = 1 << (cachePageShift - 2)
	cacheMaxPages  = 4096
)

type decoded struct {
	insn uint32
	exec execFunc
}

type codePage [cachePageSlots]decoded

// codeCache keeps decoded instructions per 4 KiB page. Pages are dropped
// wholesale on invalidation; the whole cache is flushed once it grows past
// cacheMaxPages.
type codeCache struct {
	pages map[uint32]*codePage
}

func (c *codeCache) init() {
	c.pages = make(map[uint32]*codePage)
}

func (c *codeCache) clear() {
	clear(c.pages)
}

func (c *codeCache) lookup(pc uint32) (decoded, bool) {
	page, ok := c.pages[pc>>cachePageShift]
	if !ok {
		return decoded{}, false
	}
	d := page[(pc>>2)&(cachePageSlots-1)]
	return d, d.exec != nil
}

func (c *codeCache) store(pc, insn uint32, exec execFunc) {
	key := pc >> cachePageShift
	page, ok := c.pages[key]
	if !ok {
		if len(c.pages) >= cacheMaxPages {
			clear(c.pages)
		}
		page = new(codePage)
		c.pages[key] = page
	}
	page[(pc>>2)&(cachePageSlots-1)] = decoded{insn, exec}
}

func (c *codeCache) invalidate(addr, size uint32) {
	if size == 0 {
		return
	}
	first := addr >> cachePageShift
	last := uint32((uint64(addr) + uint64(size) - 1) >> cachePageShift)
	if uint64(last-first) >= uint64(len(c.pages)) {
		for key := range c.pages {
			if key >= first && key <= last {
				delete(c.pages, key)
			}
		}
		return
	}
	for key := first; ; key++ {
		delete(c.pages, key)
		if key == last {
			break
		}
	}
}
