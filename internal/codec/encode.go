package codec

import (
	"sync"

	"github.com/apache/arrow/go/v11/arrow"
	"github.com/apache/arrow/go/v11/arrow/array"
	"github.com/apache/arrow/go/v11/arrow/ipc"
	"github.com/apache/arrow/go/v11/arrow/memory"
	"github.com/cockroachdb/errors"
	"github.com/klauspost/compress/zstd"
)

var encoderPool sync.Pool

func getEncoder() (*zstd.Encoder, error) {
	if v := encoderPool.Get(); v != nil {
		return v.(*zstd.Encoder), nil
	}
	return zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
}

// Encode writes t as an Arrow IPC file and compresses it with zstd. It
// returns the compressed payload and the uncompressed size recorded in the
// manifest.
func Encode(t *Tile) ([]byte, int64, error) {
	raw, err := EncodeArrow(t.Columns())
	if err != nil {
		return nil, 0, err
	}
	enc, err := getEncoder()
	if err != nil {
		return nil, 0, errors.Wrap(err, "create zstd encoder")
	}
	defer encoderPool.Put(enc)
	return enc.EncodeAll(raw, nil), int64(len(raw)), nil
}

// EncodeArrow writes columns as a single-batch Arrow IPC file.
func EncodeArrow(cols []*Column) ([]byte, error) {
	fields := make([]arrow.Field, 0, len(cols))
	kept := make([]*Column, 0, len(cols))
	for _, c := range cols {
		if c.Name == ColumnPKHash {
			continue
		}
		fields = append(fields, arrow.Field{Name: c.Name, Type: arrowType(c.Kind), Nullable: c.Valid != nil})
		kept = append(kept, c)
	}
	schema := arrow.NewSchema(fields, nil)

	b := array.NewRecordBuilder(memory.DefaultAllocator, schema)
	defer b.Release()
	for i, c := range kept {
		if err := appendBuilder(b.Field(i), c); err != nil {
			return nil, errors.Wrapf(err, "column %q", c.Name)
		}
	}
	rec := b.NewRecord()
	defer rec.Release()

	var buf seekBuffer
	w, err := ipc.NewFileWriter(&buf, ipc.WithSchema(schema), ipc.WithAllocator(memory.DefaultAllocator))
	if err != nil {
		return nil, errors.Wrap(err, "create arrow writer")
	}
	if err := w.Write(rec); err != nil {
		return nil, errors.Wrap(err, "write record batch")
	}
	if err := w.Close(); err != nil {
		return nil, errors.Wrap(err, "close arrow writer")
	}
	return buf.Bytes(), nil
}

func arrowType(k Kind) arrow.DataType {
	switch k {
	case KindFloat32:
		return arrow.PrimitiveTypes.Float32
	case KindFloat64:
		return arrow.PrimitiveTypes.Float64
	case KindInt:
		return arrow.PrimitiveTypes.Int64
	case KindUint:
		return arrow.PrimitiveTypes.Uint64
	case KindBool:
		return arrow.FixedWidthTypes.Boolean
	case KindTimestamp:
		return &arrow.TimestampType{Unit: arrow.Millisecond, TimeZone: "UTC"}
	}
	return arrow.BinaryTypes.String
}

func appendBuilder(b array.Builder, c *Column) error {
	switch fb := b.(type) {
	case *array.Float32Builder:
		fb.AppendValues(c.F32, c.Valid)
	case *array.Float64Builder:
		fb.AppendValues(c.F64, c.Valid)
	case *array.Int64Builder:
		fb.AppendValues(c.I64, c.Valid)
	case *array.Uint64Builder:
		fb.AppendValues(c.U64, c.Valid)
	case *array.StringBuilder:
		fb.AppendValues(c.Str, c.Valid)
	case *array.BooleanBuilder:
		fb.AppendValues(c.Bool, c.Valid)
	case *array.TimestampBuilder:
		ts := make([]arrow.Timestamp, len(c.I64))
		for i, v := range c.I64 {
			ts[i] = arrow.Timestamp(v)
		}
		fb.AppendValues(ts, c.Valid)
	default:
		return errors.Newf("unsupported builder %T", b)
	}
	return nil
}
