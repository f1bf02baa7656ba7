package kernel

import (
	c "dux/internal"

	"encoding/binary"

	"github.com/google/uuid"
)

// 128-bit identifier of a kernel object (file, directory, task). Same layout as the kernel's
// two-word struct.
type UUID struct {
	X	uint64
	Y	uint64
}

func (u UUID) IsZero() bool { return u.X == 0 && u.Y == 0 }

// RFC 4122 byte order: X is the high word, big endian.
func (u UUID) UUID() uuid.UUID {
	var out uuid.UUID
	b := out[:]
	binary.BigEndian.PutUint64(b[:c.LEN_U64], u.X)
	binary.BigEndian.PutUint64(b[c.LEN_U64:], u.Y)
	return out
}

func UUIDFrom(id uuid.UUID) UUID {
	return UUID{
		X: binary.BigEndian.Uint64(id[:c.LEN_U64]),
		Y: binary.BigEndian.Uint64(id[c.LEN_U64:]),
	}
}

func ParseUUID(s string) (UUID, error) {
	id, err := uuid.Parse(s)
	if err != nil {
		return UUID{}, err
	}
	return UUIDFrom(id), nil
}

func (u UUID) String() string { return u.UUID().String() }
