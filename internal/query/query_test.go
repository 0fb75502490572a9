package query

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vecmap-tiles/server/internal/cache"
	"github.com/vecmap-tiles/server/internal/codec"
)

func TestHashSet(t *testing.T) {
	hs := NewHashSet(3, 1, 2, 2)
	assert.Equal(t, 3, hs.Len())
	assert.True(t, hs.Contains(2))
	assert.False(t, hs.Contains(4))
	assert.Equal(t, []uint32{1, 2, 3}, hs.Values())

	b, err := hs.Bytes()
	require.NoError(t, err)
	back, err := Parse(b)
	require.NoError(t, err)
	assert.Equal(t, hs.Values(), back.Values())

	var nilSet *HashSet
	assert.Equal(t, 0, nilSet.Len())
	assert.False(t, nilSet.Contains(1))
}

func TestFromSigned(t *testing.T) {
	hs := FromSigned([]int32{-736260903, -993377736, -1580153112, -1878962024})
	for _, key := range []string{"", "1", "42", "abc"} {
		assert.True(t, hs.Contains(codec.Hash32(key)), key)
	}
}

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", filepath.Join(t.TempDir(), "rows.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	_, err = db.Exec(`
		CREATE TABLE items (id INTEGER PRIMARY KEY, name TEXT, score REAL);
		INSERT INTO items VALUES (1, 'a', 1.0), (2, 'b', 7.5), (42, 'c', 9.0);
		CREATE TABLE docs (uuid TEXT, n INTEGER);
		INSERT INTO docs VALUES ('123e4567-e89b-12d3-a456-426614174000', 1), (NULL, 2);
	`)
	require.NoError(t, err)
	return db
}

func TestSQLSourceHashesKeys(t *testing.T) {
	src := NewSQLSource(openTestDB(t), SQLOptions{Name: "test"})
	ctx := context.Background()

	hs, err := src.Hashes(ctx, "SELECT id FROM items WHERE score > 5;")
	require.NoError(t, err)
	assert.Equal(t, 2, hs.Len())
	assert.True(t, hs.Contains(codec.Hash32("2")))
	assert.True(t, hs.Contains(2714814184))
	assert.False(t, hs.Contains(codec.Hash32("1")))

	hs, err = src.Hashes(ctx, "select uuid from docs")
	require.NoError(t, err)
	assert.Equal(t, 1, hs.Len())
	assert.True(t, hs.Contains(993178332))
}

func TestSQLSourcePrecomputedHashes(t *testing.T) {
	src := NewSQLSource(openTestDB(t), SQLOptions{Name: "test"})
	hs, err := src.Hashes(context.Background(), "SELECT -736260903 AS pk_hash UNION ALL SELECT -1580153112")
	require.NoError(t, err)
	assert.True(t, hs.Contains(codec.Hash32("")))
	assert.True(t, hs.Contains(codec.Hash32("42")))
}

func TestSQLSourceRejectsWrites(t *testing.T) {
	src := NewSQLSource(openTestDB(t), SQLOptions{Name: "test"})
	for _, q := range []string{
		"DELETE FROM items",
		"SELECT 1; DROP TABLE items",
		"",
	} {
		_, err := src.Hashes(context.Background(), q)
		assert.True(t, errors.Is(err, ErrNotReadOnly), q)
	}
}

func TestSQLSourceMaxRows(t *testing.T) {
	src := NewSQLSource(openTestDB(t), SQLOptions{Name: "test", MaxRows: 2})
	_, err := src.Hashes(context.Background(), "SELECT id FROM items")
	assert.True(t, errors.Is(err, ErrTooManyRows))
}

func TestSQLSourceCachesResults(t *testing.T) {
	db := openTestDB(t)
	m, err := cache.NewManager(cache.Config{TileCacheSizeMB: 1}, nil)
	require.NoError(t, err)
	defer m.Close()
	src := NewSQLSource(db, SQLOptions{Name: "test", Cache: m})
	ctx := context.Background()

	first, err := src.Hashes(ctx, "SELECT id FROM items")
	require.NoError(t, err)
	_, err = db.Exec("DELETE FROM items")
	require.NoError(t, err)

	second, err := src.Hashes(ctx, "SELECT id FROM items")
	require.NoError(t, err)
	assert.Equal(t, first.Values(), second.Values())
}

func TestKeyText(t *testing.T) {
	assert.Equal(t, "42", KeyText(int64(42)))
	assert.Equal(t, "1.5", KeyText(1.5))
	assert.Equal(t, "2", KeyText(2.0))
	assert.Equal(t, "abc", KeyText([]byte("abc")))
}
