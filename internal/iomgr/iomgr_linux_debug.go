//go:build linux

package iomgr

import (
	"fmt"
	"strings"
)

func (c OpCode) String() string {
	switch c {
	case OpNop:		return "NOP"
	case OpWrite:	return "WRITE"
	case OpRead:	return "READ"
	case OpSync:	return "FSYNC"
	}
	return fmt.Sprintf("OpCode(%d)", uint16(c))
}

func (o *Op) String() string {
	if o == nil {
		return "<nil>"
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Op | Opcode: %v, Fd: %d, Count: %d, Seen: %d/%d, Res: %d\n",
		o.Opcode, o.Fd, o.Count, o.seen, o.sqes, o.Res)

	switch o.Opcode {
	case OpWrite, OpRead:
		for i := range min(OP_MAX_OPS, o.Count) {
			d := "|"
			if i + 1 == o.seen {
				d = ">"
			}
			fmt.Fprintf(&b, "   %s [%02d] %-9v [ Buf: @0x%x | Len: 0x%08x | Off: 0x%08x]\n",
				d, i, o.Opcode, o.Bufs[i], o.Lens[i], o.Offs[i])
		}
		if o.Opcode == OpWrite && o.Sync {
			fmt.Fprintf(&b, "   | [%02d] FSYNC     [ ]\n", min(OP_MAX_OPS, o.Count))
		}
	case OpSync:
		fmt.Fprintf(&b, "   > [%02d] FSYNC     [ ]\n", 0)
	}

	return b.String()
}
