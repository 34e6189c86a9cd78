package virtio

// DescriptorChain lazily walks a chain of descriptors starting at a head
// index, following the Next link. A chain carrying DescFIndirect on its
// head descriptor is transparently re-seeded from entry 0 of the nested
// table it names; nesting is exactly one level deep, so an indirect
// descriptor encountered while already inside an indirect table ends
// the chain rather than recursing further.
type DescriptorChain struct {
	mem   GuestMemory
	table DescriptorTable

	headIndex uint16
	indirect  bool
	next      uint16
	ttl       uint32
	done      bool

	cur Descriptor
}

// checkedNewChain builds a chain for the descriptor list starting at
// head in table. It reads the head descriptor eagerly (so a malformed
// head is reported immediately rather than on first Next), entering a
// nested indirect table if the head requests it.
func checkedNewChain(mem GuestMemory, table DescriptorTable, head uint16) (*DescriptorChain, error) {
	desc, err := table.read(head)
	if err != nil {
		return nil, err
	}

	c := &DescriptorChain{mem: mem, headIndex: head}

	if desc.IsIndirect() {
		indirectTable, err := newIndirectTable(mem, desc)
		if err != nil {
			return nil, err
		}
		desc, err = indirectTable.read(0)
		if err != nil {
			return nil, err
		}
		c.table = indirectTable
		c.indirect = true
		c.ttl = indirectTable.Len()
	} else {
		c.table = table
		c.ttl = uint32(table.Len())
	}

	c.cur = desc
	c.next = desc.Next
	return c, nil
}

// Head returns the first descriptor of the chain. Callers that only need
// the head (e.g. to determine a request type) can avoid iterating.
func (c *DescriptorChain) Head() Descriptor { return c.cur }

// HeadIndex returns the descriptor-table index the chain started at —
// the value read from the available ring, which must be echoed back as
// the id in Queue.AddUsed once the chain is processed.
func (c *DescriptorChain) HeadIndex() uint16 { return c.headIndex }

// IsIndirect reports whether this chain was entered through an
// INDIRECT descriptor.
func (c *DescriptorChain) IsIndirect() bool { return c.indirect }

// Next advances the chain and returns the next descriptor. It reports
// ok=false once the chain is exhausted (no NEXT flag, or the TTL bound
// was reached), with err set only on a genuine read failure — a normal
// end of chain is not an error.
func (c *DescriptorChain) Next() (desc Descriptor, ok bool, err error) {
	if c.done {
		return Descriptor{}, false, nil
	}
	desc = c.cur
	c.done = true // overwritten below if another descriptor follows

	if !desc.HasNext() || c.ttl <= 1 {
		return desc, true, nil
	}
	if c.indirect && desc.IsIndirect() {
		// Nesting is one level deep (see the type doc comment): a second
		// INDIRECT descriptor found while already inside an indirect
		// table is yielded as-is and ends the chain here rather than
		// being recursed into or having its NEXT link followed.
		return desc, true, nil
	}

	nextDesc, err := c.table.read(c.next)
	if err != nil {
		return Descriptor{}, false, err
	}
	c.cur = nextDesc
	c.next = nextDesc.Next
	c.ttl--
	c.done = false
	return desc, true, nil
}

// All walks the whole chain and returns it as a slice, in order. It
// exists for callers (like the block request parser) that need to
// inspect the full chain rather than stream it.
func (c *DescriptorChain) All() ([]Descriptor, error) {
	var out []Descriptor
	for {
		desc, ok, err := c.Next()
		if err != nil {
			return nil, err
		}
		if !ok {
			return out, nil
		}
		out = append(out, desc)
	}
}

// Readable filters a descriptor slice down to read-only entries,
// preserving order. It is a view over an already-collected walk, not a
// second read of guest memory.
func Readable(chain []Descriptor) []Descriptor {
	return filterByWrite(chain, false)
}

// Writable filters a descriptor slice down to write-only entries,
// preserving order.
func Writable(chain []Descriptor) []Descriptor {
	return filterByWrite(chain, true)
}

func filterByWrite(chain []Descriptor, write bool) []Descriptor {
	out := make([]Descriptor, 0, len(chain))
	for _, d := range chain {
		if d.IsWriteOnly() == write {
			out = append(out, d)
		}
	}
	return out
}
