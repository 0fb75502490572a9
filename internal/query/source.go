package query

import (
	"context"
	"database/sql"
	"strconv"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/vecmap-tiles/server/internal/cache"
	"github.com/vecmap-tiles/server/internal/codec"
)

// HashColumn names a result column that already holds signed 32-bit hashes,
// as produced by ('x' || substr(md5(pk::text), 1, 8))::bit(32)::int.
const HashColumn = "pk_hash"

// DefaultMaxRows bounds the rows read for one query.
const DefaultMaxRows = 1_000_000

var (
	// ErrNotReadOnly rejects statements other than SELECT or WITH queries.
	ErrNotReadOnly = errors.New("query must be a single SELECT statement")
	// ErrTooManyRows is returned when a query matches more than MaxRows rows.
	ErrTooManyRows = errors.New("query matched too many rows")
)

// Source produces the hash set matched by a query.
type Source interface {
	Hashes(ctx context.Context, query string) (*HashSet, error)
}

// SQLOptions configures a SQLSource.
type SQLOptions struct {
	// Name identifies the database in cache keys.
	Name    string
	MaxRows int
	Cache   *cache.Manager
	Logger  *zap.Logger
}

// SQLSource runs queries against a database/sql handle. The first result
// column is the primary key, hashed from its text form; a column named
// HashColumn is taken as precomputed signed hashes instead.
type SQLSource struct {
	db      *sql.DB
	name    string
	maxRows int
	cache   *cache.Manager
	logger  *zap.Logger
}

// OpenSQLite opens a SQLite database read-only.
func OpenSQLite(path string, opts SQLOptions) (*SQLSource, error) {
	db, err := sql.Open("sqlite", "file:"+path+"?mode=ro")
	if err != nil {
		return nil, errors.Wrap(err, "failed to open sqlite")
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, errors.Wrapf(err, "failed to open sqlite %s", path)
	}
	if opts.Name == "" {
		opts.Name = path
	}
	return NewSQLSource(db, opts), nil
}

// NewSQLSource wraps db.
func NewSQLSource(db *sql.DB, opts SQLOptions) *SQLSource {
	if opts.MaxRows <= 0 {
		opts.MaxRows = DefaultMaxRows
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &SQLSource{db: db, name: opts.Name, maxRows: opts.MaxRows, cache: opts.Cache, logger: opts.Logger}
}

// Close closes the database.
func (s *SQLSource) Close() error {
	return s.db.Close()
}

// Hashes runs query and returns the hashes of the matched keys. Results are
// cached by query text.
func (s *SQLSource) Hashes(ctx context.Context, query string) (*HashSet, error) {
	query = strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(query), ";"))
	if !readOnly(query) {
		return nil, ErrNotReadOnly
	}
	key := cache.QueryKey(s.name, query)
	if s.cache != nil {
		if b, ok := s.cache.GetQuery(key); ok {
			if hs, err := Parse(b); err == nil {
				return hs, nil
			}
		}
	}

	start := time.Now()
	hs, err := s.run(ctx, query)
	if err != nil {
		return nil, err
	}
	s.logger.Info("query executed",
		zap.Int("matched", hs.Len()),
		zap.Duration("elapsed", time.Since(start)))

	if s.cache != nil {
		if b, err := hs.Bytes(); err == nil {
			s.cache.SetQuery(key, b)
		}
	}
	return hs, nil
}

func (s *SQLSource) run(ctx context.Context, query string) (*HashSet, error) {
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, errors.Wrap(err, "run query")
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, errors.Wrap(err, "read columns")
	}
	if len(cols) == 0 {
		return nil, errors.New("query returned no columns")
	}
	precomputed := strings.EqualFold(cols[0], HashColumn)

	dest := make([]any, len(cols))
	for i := range dest {
		dest[i] = new(any)
	}
	var (
		hashes []uint32
		signed []int32
		n      int
	)
	for rows.Next() {
		if n++; n > s.maxRows {
			return nil, errors.Wrapf(ErrTooManyRows, "more than %d rows", s.maxRows)
		}
		if err := rows.Scan(dest...); err != nil {
			return nil, errors.Wrap(err, "scan row")
		}
		v := *(dest[0].(*any))
		if v == nil {
			continue
		}
		if precomputed {
			h, ok := v.(int64)
			if !ok {
				return nil, errors.Newf("%s column holds %T, expected an integer", HashColumn, v)
			}
			signed = append(signed, int32(h))
			continue
		}
		hashes = append(hashes, codec.Hash32(KeyText(v)))
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "read rows")
	}
	if precomputed {
		return FromSigned(signed), nil
	}
	return NewHashSet(hashes...), nil
}

// KeyText renders a primary-key value the way tile rows render theirs.
func KeyText(v any) string {
	switch x := v.(type) {
	case string:
		return x
	case []byte:
		return string(x)
	case int64:
		return strconv.FormatInt(x, 10)
	case float64:
		return codec.FormatNumber(x)
	case bool:
		if x {
			return "true"
		}
		return "false"
	case time.Time:
		return strconv.FormatInt(x.UnixMilli(), 10)
	}
	return ""
}

func readOnly(q string) bool {
	lower := strings.ToLower(q)
	if !strings.HasPrefix(lower, "select") && !strings.HasPrefix(lower, "with") {
		return false
	}
	return !strings.Contains(q, ";")
}
