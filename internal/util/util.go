package util

import (
	"fmt"
	"strings"
)

// Hex dump in rows of 32 bytes, u16 chunks in the order they sit in memory. Used to eyeball
// shared pages and listing blobs in debug logs.
func HexDump(data []byte, limit int) string {
	if limit > len(data) || limit < 0 {
		limit = len(data)
	}

	const bytesPerRow = 32
	var s strings.Builder
	s.WriteString("┏━━━━━━━━┳━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━┓\n")
	fmt.Fprintf(&s, "┃ Offset ┃ u16 Chunks - %5d bytes (0x%04x)                                                   ┃\n",
		limit, limit)
	s.WriteString("┣━━━━━━━━╋━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━┫\n")

	for i := 0; i < limit; i += bytesPerRow {
		fmt.Fprintf(&s, "┃ 0x%04x ┃ ", i)

		for j := 0; j < bytesPerRow; j += 2 {
			if i+j+1 < limit {
				fmt.Fprintf(&s, "%02x%02x ", data[i+j], data[i+j+1])
			} else if i+j < limit {
				fmt.Fprintf(&s, "%02x   ", data[i+j])
			} else {
				s.WriteString("     ")
			}
			// Space every 8 bytes to keep your eyes from crossing
			if (j+2)%8 == 0 {
				s.WriteString(" ")
			}
		}
		s.WriteString("┃\n")
	}
	s.WriteString("┗━━━━━━━━┻━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━┛\n")

	return s.String()
}
