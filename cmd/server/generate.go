package main

import (
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/vecmap-tiles/server/internal/fixture"
	"github.com/vecmap-tiles/server/internal/signer"
)

var (
	genOut        string
	genBucket     string
	genProjection string
	genPoints     int
	genClusters   int
	genSeed       int64
	genCapacity   int
)

var generateCmd = &cobra.Command{
	Use:   "generate",
	Short: "Write a synthetic projection in the local storage layout",
	RunE: func(cmd *cobra.Command, args []string) error {
		p, err := fixture.Build(
			fixture.Synthetic(genPoints, genClusters, genSeed),
			fixture.Options{MaxTilePoints: genCapacity},
		)
		if err != nil {
			return err
		}
		if err := p.WriteDir(genOut, genBucket, genProjection); err != nil {
			return err
		}
		var size int
		for _, payload := range p.Tiles {
			size += len(payload)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "wrote %s points in %s tiles (%s) to %s/%s/%s\n",
			humanize.Comma(int64(genPoints)), humanize.Comma(int64(len(p.Tiles))),
			humanize.Bytes(uint64(size)), genOut, genBucket, genProjection)
		return nil
	},
}

func init() {
	f := generateCmd.Flags()
	f.StringVar(&genOut, "out", "./data/tiles", "Local storage root")
	f.StringVar(&genBucket, "bucket", signer.DefaultBucket, "Bucket directory under the root")
	f.StringVar(&genProjection, "projection", "umap", "Projection id")
	f.IntVar(&genPoints, "points", 100000, "Number of points")
	f.IntVar(&genClusters, "clusters", 6, "Number of clusters")
	f.Int64Var(&genSeed, "seed", 1, "Random seed")
	f.IntVar(&genCapacity, "capacity", 4096, "Maximum points per tile")
}
