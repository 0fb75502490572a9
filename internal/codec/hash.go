package codec

import (
	"crypto/md5"
	"encoding/binary"
)

// Hash32 returns the first four bytes of the MD5 digest of s as a big-endian
// unsigned integer. It is the join key between tile rows and query results,
// so it must stay byte-compatible with the database expression
// ('x' || substr(md5(col::text), 1, 8))::bit(32).
func Hash32(s string) uint32 {
	sum := md5.Sum([]byte(s))
	return binary.BigEndian.Uint32(sum[:4])
}
