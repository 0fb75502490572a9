// Package query turns live filter queries into sets of key hashes that can
// be matched against tile rows.
package query

import (
	"github.com/RoaringBitmap/roaring/v2"
	"github.com/cockroachdb/errors"
)

// HashSet is an immutable set of 32-bit key hashes.
type HashSet struct {
	bm *roaring.Bitmap
}

// NewHashSet returns a set holding hs.
func NewHashSet(hs ...uint32) *HashSet {
	return &HashSet{bm: roaring.BitmapOf(hs...)}
}

// FromSigned builds a set from hashes a database returned as signed 32-bit
// integers, reinterpreting each as unsigned.
func FromSigned(hs []int32) *HashSet {
	bm := roaring.New()
	for _, h := range hs {
		bm.Add(uint32(h))
	}
	return &HashSet{bm: bm}
}

// Len returns the number of hashes.
func (s *HashSet) Len() int {
	if s == nil {
		return 0
	}
	return int(s.bm.GetCardinality())
}

// Contains reports whether h is in the set.
func (s *HashSet) Contains(h uint32) bool {
	return s != nil && s.bm.Contains(h)
}

// Values returns the hashes in ascending order.
func (s *HashSet) Values() []uint32 {
	if s == nil {
		return nil
	}
	return s.bm.ToArray()
}

// Bytes serialises the set.
func (s *HashSet) Bytes() ([]byte, error) {
	b, err := s.bm.ToBytes()
	if err != nil {
		return nil, errors.Wrap(err, "serialise hash set")
	}
	return b, nil
}

// Parse decodes a set written by Bytes.
func Parse(b []byte) (*HashSet, error) {
	bm := roaring.New()
	if err := bm.UnmarshalBinary(b); err != nil {
		return nil, errors.Wrap(err, "parse hash set")
	}
	return &HashSet{bm: bm}, nil
}
