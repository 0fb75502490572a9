package main

import (
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/dustin/go-humanize"
	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/vecmap-tiles/server/internal/codec"
	"github.com/vecmap-tiles/server/internal/metadata"
	"github.com/vecmap-tiles/server/internal/signer"
	"github.com/vecmap-tiles/server/internal/tile"
)

var (
	inspectRows     int
	inspectMetadata string
)

var inspectCmd = &cobra.Command{
	Use:   "inspect <tile.arrow.zst | metadata.json>",
	Short: "Print the schema and rows of a tile, or the tiles of a manifest",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path := args[0]
		if strings.HasSuffix(path, ".json") {
			return inspectManifest(cmd.OutOrStdout(), path)
		}
		return inspectTile(cmd.OutOrStdout(), path, inspectMetadata, inspectRows)
	},
}

func init() {
	inspectCmd.Flags().IntVar(&inspectRows, "rows", 10, "Number of rows to print")
	inspectCmd.Flags().StringVar(&inspectMetadata, "metadata", "",
		"Manifest to check the tile's uncompressed size against (default: the projection's metadata.json, if present)")
}

func inspectManifest(w io.Writer, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return errors.Wrapf(err, "read %s", path)
	}
	meta, err := metadata.Parse(data)
	if err != nil {
		return err
	}

	tbl := tablewriter.NewWriter(w)
	tbl.SetHeader([]string{"Tile", "Points", "Compressed", "Uncompressed", "Children"})
	var compressed, uncompressed int64
	for _, addr := range meta.Order() {
		e, _ := meta.Entry(addr)
		compressed += e.CompressedSize
		uncompressed += e.UncompressedSize
		tbl.Append([]string{
			addr.ID(),
			humanize.Comma(int64(e.NodeCount)),
			humanize.Bytes(uint64(e.CompressedSize)),
			humanize.Bytes(uint64(e.UncompressedSize)),
			strconv.Itoa(len(e.Children)),
		})
	}
	tbl.SetFooter([]string{
		strconv.Itoa(meta.Len()) + " tiles",
		humanize.Comma(int64(meta.TotalPoints())),
		humanize.Bytes(uint64(compressed)),
		humanize.Bytes(uint64(uncompressed)),
		"max zoom " + strconv.Itoa(meta.MaxZoom()),
	})
	tbl.Render()

	if cols := meta.ContinuousColumns(); len(cols) > 0 {
		stats := tablewriter.NewWriter(w)
		stats.SetHeader([]string{"Column", "Min", "Median", "Max"})
		for _, c := range cols {
			b, ok := meta.Buckets(c)
			if !ok {
				stats.Append([]string{c, "", "", ""})
				continue
			}
			stats.Append([]string{c, tick(c, b[0]), tick(c, b[len(b)/2]), tick(c, b[len(b)-1])})
		}
		stats.Render()
	}
	return nil
}

func tick(column string, v float64) string {
	if codec.TimestampColumns.Has(column) {
		return codec.FormatTimestamp(int64(v))
	}
	return codec.FormatNumber(v)
}

// expectedSize finds the tile's uncompressed size in manifestPath, or in
// the manifest two directories above a tile stored as
// {projection}/tiles/{z}/{x}_{y}.arrow.zst. Zero disables the size check.
func expectedSize(tilePath, manifestPath string) (int64, error) {
	id, ok := signer.TileIDFromPath(filepath.ToSlash(tilePath))
	if !ok {
		return 0, nil
	}
	if manifestPath == "" {
		dir := filepath.Dir(filepath.Dir(tilePath))
		if filepath.Base(dir) != "tiles" {
			return 0, nil
		}
		manifestPath = filepath.Join(filepath.Dir(dir), "metadata.json")
		if _, err := os.Stat(manifestPath); err != nil {
			return 0, nil
		}
	}
	data, err := os.ReadFile(manifestPath)
	if err != nil {
		return 0, errors.Wrapf(err, "read %s", manifestPath)
	}
	meta, err := metadata.Parse(data)
	if err != nil {
		return 0, err
	}
	addr, err := tile.ParseID(id)
	if err != nil {
		return 0, err
	}
	e, ok := meta.Entry(addr)
	if !ok {
		return 0, errors.Newf("tile %s is not in %s", id, manifestPath)
	}
	return e.UncompressedSize, nil
}

func inspectTile(w io.Writer, path, manifestPath string, rows int) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return errors.Wrapf(err, "read %s", path)
	}
	size, err := expectedSize(path, manifestPath)
	if err != nil {
		return err
	}
	t, err := codec.Decode(data, size)
	if err != nil {
		return err
	}

	schema := tablewriter.NewWriter(w)
	schema.SetHeader([]string{"Column", "Kind", "Nulls"})
	for _, c := range t.Columns() {
		nulls := 0
		for i := 0; i < c.Len(); i++ {
			if c.IsNull(i) {
				nulls++
			}
		}
		schema.Append([]string{c.Name, c.Kind.String(), humanize.Comma(int64(nulls))})
	}
	schema.SetFooter([]string{
		humanize.Comma(int64(t.Len())) + " rows",
		humanize.Bytes(uint64(len(data))) + " compressed",
		"",
	})
	schema.Render()

	if rows > t.Len() {
		rows = t.Len()
	}
	if rows <= 0 {
		return nil
	}
	header := []string{"pkHash"}
	for _, c := range t.Columns() {
		header = append(header, c.Name)
	}
	tbl := tablewriter.NewWriter(w)
	tbl.SetHeader(header)
	for i := 0; i < rows; i++ {
		row := []string{strconv.FormatUint(uint64(t.PKHash[i]), 10)}
		for _, c := range t.Columns() {
			row = append(row, c.Display(i))
		}
		tbl.Append(row)
	}
	tbl.Render()
	return nil
}
