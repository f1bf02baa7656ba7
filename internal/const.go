// Constants
package internal

import (
	"encoding/binary"
)

const LEN_U16 	= 0x02
const LEN_U32 	= 0x04
const LEN_U64 	= 0x08
const LEN_U128 	= 0x10

const PAGE_SIZE 	= 0x1000
const PAGE_MASK 	= PAGE_SIZE - 1

// The null page can never be reserved, mapped or returned. Every search starts above this.
const NULL_PAGE_END	= 0xfff

// Number of pages needed to hold n bytes.
func PagesFor(n uint64) uint64 {
	return (n + PAGE_MASK) / PAGE_SIZE
}

// This is an alias for endianness effectively, so we only define endianness in one place (here).
// Blobs handed across the kernel boundary (directory listings) use the native order of every host
// we support, which is little endian.
var Bin = binary.LittleEndian
