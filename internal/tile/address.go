// Package tile defines quadtree tile addresses and the per-tile error kinds.
package tile

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/cockroachdb/errors"
)

// Address identifies a quadtree cell at zoom level Z.
type Address struct {
	X int
	Y int
	Z int
}

// ID returns the manifest form "{z}/{x}_{y}".
func (a Address) ID() string {
	return fmt.Sprintf("%d/%d_%d", a.Z, a.X, a.Y)
}

// Key returns the tile-index form "x,y,z".
func (a Address) Key() string {
	return fmt.Sprintf("%d,%d,%d", a.X, a.Y, a.Z)
}

func (a Address) String() string {
	return a.ID()
}

// Children returns the four child cells in the order the tile producer writes them.
func (a Address) Children() [4]Address {
	z := a.Z + 1
	return [4]Address{
		{X: 2 * a.X, Y: 2 * a.Y, Z: z},
		{X: 2 * a.X, Y: 2*a.Y + 1, Z: z},
		{X: 2*a.X + 1, Y: 2 * a.Y, Z: z},
		{X: 2*a.X + 1, Y: 2*a.Y + 1, Z: z},
	}
}

// Less orders addresses by zoom, then x, then y.
func (a Address) Less(b Address) bool {
	if a.Z != b.Z {
		return a.Z < b.Z
	}
	if a.X != b.X {
		return a.X < b.X
	}
	return a.Y < b.Y
}

// ParseID parses a manifest tile id of the form "{z}/{x}_{y}".
func ParseID(id string) (Address, error) {
	zs, coords, ok := strings.Cut(id, "/")
	if !ok {
		return Address{}, errors.Newf("invalid tile id %q: missing '/'", id)
	}
	xs, ys, ok := strings.Cut(coords, "_")
	if !ok {
		return Address{}, errors.Newf("invalid tile id %q: missing '_'", id)
	}
	z, err := strconv.Atoi(zs)
	if err != nil {
		return Address{}, errors.Wrapf(err, "invalid tile id %q", id)
	}
	x, err := strconv.Atoi(xs)
	if err != nil {
		return Address{}, errors.Wrapf(err, "invalid tile id %q", id)
	}
	y, err := strconv.Atoi(ys)
	if err != nil {
		return Address{}, errors.Wrapf(err, "invalid tile id %q", id)
	}
	if x < 0 || y < 0 || z < 0 {
		return Address{}, errors.Newf("invalid tile id %q: negative component", id)
	}
	return Address{X: x, Y: y, Z: z}, nil
}

// IDSet is the flattened manifest used for O(1) membership tests.
type IDSet map[Address]struct{}

// NewIDSet builds a set from addresses.
func NewIDSet(addrs ...Address) IDSet {
	s := make(IDSet, len(addrs))
	for _, a := range addrs {
		s[a] = struct{}{}
	}
	return s
}

// Has reports whether the address exists in the manifest.
func (s IDSet) Has(a Address) bool {
	_, ok := s[a]
	return ok
}

// MaxZoom returns the deepest zoom level in the set, or -1 when empty.
func (s IDSet) MaxZoom() int {
	maxZ := -1
	for a := range s {
		if a.Z > maxZ {
			maxZ = a.Z
		}
	}
	return maxZ
}

// Sorted returns the set's addresses in (z, x, y) order.
func (s IDSet) Sorted() []Address {
	out := make([]Address, 0, len(s))
	for a := range s {
		out = append(out, a)
	}
	Sort(out)
	return out
}

// Sort orders addresses in place by (z, x, y).
func Sort(addrs []Address) {
	sort.Slice(addrs, func(i, j int) bool { return addrs[i].Less(addrs[j]) })
}
