//go:build linux

package simkernel

import (
	"dux/internal/kernel"

	"errors"
	"io/fs"
	"path/filepath"
	"strings"

	"github.com/cespare/xxhash"
)

var (
	errInvalid		= errors.New("simkernel: invalid request")
	errUnavailable	= errors.New("simkernel: no donated range large enough")
	errNoPermission	= errors.New("simkernel: mapping protection forbids access")
)

// Objects are named by their path relative to the root ("." is the root itself). The id is a
// pair of xxhash digests of that path, so it is stable across kernel restarts.
func objectID(rel string) kernel.UUID {
	b := []byte(rel)
	x := xxhash.Sum64(b)
	return kernel.UUID{X: x, Y: xxhash.Sum64(append(b, 0xff))}
}

func (k *Kernel) register(rel string) kernel.UUID {
	id := objectID(rel)
	k.objMu.Lock()
	k.objects[id] = rel
	k.objMu.Unlock()
	return id
}

// Relative path of a known object.
func (k *Kernel) lookup(id kernel.UUID) (string, bool) {
	k.objMu.Lock()
	defer k.objMu.Unlock()
	rel, ok := k.objects[id]
	return rel, ok
}

// Object a request addresses: by path if it carries a name, else by uuid. The zero uuid is the
// root directory. Paths are always relative to the root and may not leave it.
func (k *Kernel) resolve(req *kernel.Packet) (rel string, id kernel.UUID, err error) {
	switch {
	case req.NameLen > 0:
		name, err := k.View(req.Name, uint64(req.NameLen))
		if err != nil {
			return "", kernel.UUID{}, err
		}
		rel = filepath.Clean(strings.TrimLeft(string(name), "/"))
		if !filepath.IsLocal(rel) && rel != "." {
			return "", kernel.UUID{}, errInvalid
		}
	case req.UUID.IsZero():
		rel = "."
	default:
		var ok bool
		if rel, ok = k.lookup(req.UUID); !ok {
			return "", kernel.UUID{}, fs.ErrNotExist
		}
	}
	return rel, k.register(rel), nil
}

func (k *Kernel) hostPath(rel string) string { return filepath.Join(k.root, rel) }

func statusOf(err error) kernel.Status {
	switch {
	case err == nil:
		return kernel.STATUS_OK
	case errors.Is(err, fs.ErrNotExist):
		return kernel.STATUS_NOT_FOUND
	case errors.Is(err, fs.ErrPermission), errors.Is(err, errNoPermission):
		return kernel.STATUS_NO_PERMISSION
	case errors.Is(err, fs.ErrExist):
		return kernel.STATUS_EXISTS
	case errors.Is(err, errUnavailable):
		return kernel.STATUS_UNAVAILABLE
	}
	return kernel.STATUS_INVALID
}
