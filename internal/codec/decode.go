package codec

import (
	"bytes"
	"io"
	"sync"

	"github.com/apache/arrow/go/v11/arrow"
	"github.com/apache/arrow/go/v11/arrow/array"
	"github.com/apache/arrow/go/v11/arrow/ipc"
	"github.com/apache/arrow/go/v11/arrow/memory"
	"github.com/cockroachdb/errors"
	"github.com/klauspost/compress/zstd"
)

// ErrDecompression marks payloads that are not valid zstd or whose
// decompressed length differs from the manifest.
var ErrDecompression = errors.New("tile decompression failed")

// arrowFileMagic opens an Arrow IPC file (Feather v2).
var arrowFileMagic = []byte("ARROW1")

var decoderPool sync.Pool

func getDecoder() (*zstd.Decoder, error) {
	if v := decoderPool.Get(); v != nil {
		return v.(*zstd.Decoder), nil
	}
	return zstd.NewReader(nil, zstd.WithDecoderConcurrency(1))
}

// Decompress inflates a zstd payload. When expectedSize is positive the
// output must be exactly that long.
func Decompress(compressed []byte, expectedSize int64) ([]byte, error) {
	dec, err := getDecoder()
	if err != nil {
		return nil, errors.Mark(errors.Wrap(err, "create zstd decoder"), ErrDecompression)
	}
	defer decoderPool.Put(dec)

	if err := dec.Reset(bytes.NewReader(compressed)); err != nil {
		return nil, errors.Mark(errors.Wrap(err, "zstd"), ErrDecompression)
	}
	var (
		buf bytes.Buffer
		src io.Reader = dec
	)
	if expectedSize > 0 {
		buf.Grow(int(expectedSize))
		// One byte past the expected size is enough to detect overruns.
		src = io.LimitReader(dec, expectedSize+1)
	}
	if _, err := buf.ReadFrom(src); err != nil {
		return nil, errors.Mark(errors.Wrap(err, "zstd"), ErrDecompression)
	}
	if expectedSize > 0 && int64(buf.Len()) != expectedSize {
		return nil, errors.Wrapf(ErrDecompression, "size mismatch: got %d bytes, expected %d", buf.Len(), expectedSize)
	}
	return buf.Bytes(), nil
}

// Decode decompresses and decodes a tile payload.
func Decode(compressed []byte, expectedSize int64) (*Tile, error) {
	raw, err := Decompress(compressed, expectedSize)
	if err != nil {
		return nil, err
	}
	return DecodeArrow(raw)
}

// DecodeArrow decodes an uncompressed Arrow IPC file or stream.
func DecodeArrow(raw []byte) (*Tile, error) {
	var (
		cols []*Column
		err  error
	)
	if bytes.HasPrefix(raw, arrowFileMagic) {
		cols, err = readFile(raw)
	} else {
		cols, err = readStream(raw)
	}
	if err != nil {
		return nil, err
	}
	for _, c := range cols {
		if c.Kind == KindTimestamp {
			TimestampColumns.Add(c.Name)
		}
	}
	return NewTile(cols)
}

func readFile(raw []byte) ([]*Column, error) {
	fr, err := ipc.NewFileReader(bytes.NewReader(raw), ipc.WithAllocator(memory.DefaultAllocator))
	if err != nil {
		return nil, errors.Wrap(err, "open arrow file")
	}
	defer fr.Close()

	cols, err := columnsFor(fr.Schema())
	if err != nil {
		return nil, err
	}
	for i := 0; i < fr.NumRecords(); i++ {
		rec, err := fr.Record(i)
		if err != nil {
			return nil, errors.Wrapf(err, "read record batch %d", i)
		}
		if err := appendRecord(cols, rec); err != nil {
			return nil, err
		}
	}
	return cols, nil
}

func readStream(raw []byte) ([]*Column, error) {
	r, err := ipc.NewReader(bytes.NewReader(raw), ipc.WithAllocator(memory.DefaultAllocator))
	if err != nil {
		return nil, errors.Wrap(err, "open arrow stream")
	}
	defer r.Release()

	cols, err := columnsFor(r.Schema())
	if err != nil {
		return nil, err
	}
	for r.Next() {
		if err := appendRecord(cols, r.Record()); err != nil {
			return nil, err
		}
	}
	if err := r.Err(); err != nil && !errors.Is(err, io.EOF) {
		return nil, errors.Wrap(err, "read arrow stream")
	}
	return cols, nil
}

func columnsFor(schema *arrow.Schema) ([]*Column, error) {
	fields := schema.Fields()
	cols := make([]*Column, len(fields))
	for i, f := range fields {
		kind, err := kindOf(f.Type)
		if err != nil {
			return nil, errors.Wrapf(err, "column %q", f.Name)
		}
		cols[i] = NewColumn(f.Name, kind)
	}
	return cols, nil
}

func kindOf(dt arrow.DataType) (Kind, error) {
	switch dt.ID() {
	case arrow.FLOAT32:
		return KindFloat32, nil
	case arrow.FLOAT64:
		return KindFloat64, nil
	case arrow.INT8, arrow.INT16, arrow.INT32, arrow.INT64:
		return KindInt, nil
	case arrow.UINT8, arrow.UINT16, arrow.UINT32, arrow.UINT64:
		return KindUint, nil
	case arrow.STRING, arrow.LARGE_STRING:
		return KindString, nil
	case arrow.BOOL:
		return KindBool, nil
	case arrow.TIMESTAMP, arrow.DATE32, arrow.DATE64:
		return KindTimestamp, nil
	case arrow.DICTIONARY:
		return kindOf(dt.(*arrow.DictionaryType).ValueType)
	}
	return 0, errors.Newf("unsupported arrow type %s", dt)
}

func appendRecord(cols []*Column, rec arrow.Record) error {
	if int(rec.NumCols()) != len(cols) {
		return errors.Newf("record batch has %d columns, schema has %d", rec.NumCols(), len(cols))
	}
	for i, c := range cols {
		if err := appendArrow(c, rec.Column(i)); err != nil {
			return errors.Wrapf(err, "column %q", c.Name)
		}
	}
	return nil
}

// appendArrow appends every value of arr to c.
func appendArrow(c *Column, arr arrow.Array) error {
	base := c.Len()
	n := arr.Len()
	switch a := arr.(type) {
	case *array.Float32:
		c.F32 = append(c.F32, a.Float32Values()...)
	case *array.Float64:
		c.F64 = append(c.F64, a.Float64Values()...)
	case *array.Int8:
		for i := 0; i < n; i++ {
			c.I64 = append(c.I64, int64(a.Value(i)))
		}
	case *array.Int16:
		for i := 0; i < n; i++ {
			c.I64 = append(c.I64, int64(a.Value(i)))
		}
	case *array.Int32:
		for i := 0; i < n; i++ {
			c.I64 = append(c.I64, int64(a.Value(i)))
		}
	case *array.Int64:
		c.I64 = append(c.I64, a.Int64Values()...)
	case *array.Uint8:
		for i := 0; i < n; i++ {
			c.U64 = append(c.U64, uint64(a.Value(i)))
		}
	case *array.Uint16:
		for i := 0; i < n; i++ {
			c.U64 = append(c.U64, uint64(a.Value(i)))
		}
	case *array.Uint32:
		for i := 0; i < n; i++ {
			c.U64 = append(c.U64, uint64(a.Value(i)))
		}
	case *array.Uint64:
		c.U64 = append(c.U64, a.Uint64Values()...)
	case *array.String:
		for i := 0; i < n; i++ {
			c.Str = append(c.Str, a.Value(i))
		}
	case *array.LargeString:
		for i := 0; i < n; i++ {
			c.Str = append(c.Str, a.Value(i))
		}
	case *array.Boolean:
		for i := 0; i < n; i++ {
			c.Bool = append(c.Bool, a.Value(i))
		}
	case *array.Timestamp:
		unit := a.DataType().(*arrow.TimestampType).Unit
		for i := 0; i < n; i++ {
			c.I64 = append(c.I64, toMillis(int64(a.Value(i)), unit))
		}
	case *array.Date32:
		for i := 0; i < n; i++ {
			c.I64 = append(c.I64, int64(a.Value(i))*86_400_000)
		}
	case *array.Date64:
		for i := 0; i < n; i++ {
			c.I64 = append(c.I64, int64(a.Value(i)))
		}
	case *array.Dictionary:
		dict := NewColumn(c.Name, c.Kind)
		if err := appendArrow(dict, a.Dictionary()); err != nil {
			return err
		}
		for i := 0; i < n; i++ {
			if a.IsNull(i) {
				c.appendNull()
				continue
			}
			if err := c.Append(dict, a.GetValueIndex(i)); err != nil {
				return err
			}
		}
		return nil
	default:
		return errors.Newf("unsupported arrow array %T", arr)
	}

	if arr.NullN() > 0 {
		c.ensureValid(base)
		for i := 0; i < n; i++ {
			c.Valid = append(c.Valid, arr.IsValid(i))
		}
	} else if c.Valid != nil {
		for i := 0; i < n; i++ {
			c.Valid = append(c.Valid, true)
		}
	}
	return nil
}

func toMillis(v int64, unit arrow.TimeUnit) int64 {
	switch unit {
	case arrow.Second:
		return v * 1000
	case arrow.Microsecond:
		return v / 1000
	case arrow.Nanosecond:
		return v / 1_000_000
	}
	return v
}

// ensureValid materialises the validity slice for the first n rows.
func (c *Column) ensureValid(n int) {
	if c.Valid != nil {
		return
	}
	c.Valid = make([]bool, n)
	for i := range c.Valid {
		c.Valid[i] = true
	}
}

func (c *Column) appendNull() {
	n := c.Len()
	switch c.Kind {
	case KindFloat32:
		c.F32 = append(c.F32, 0)
	case KindFloat64:
		c.F64 = append(c.F64, 0)
	case KindInt, KindTimestamp:
		c.I64 = append(c.I64, 0)
	case KindUint:
		c.U64 = append(c.U64, 0)
	case KindString:
		c.Str = append(c.Str, "")
	case KindBool:
		c.Bool = append(c.Bool, false)
	}
	c.ensureValid(n)
	c.Valid = append(c.Valid, false)
}
