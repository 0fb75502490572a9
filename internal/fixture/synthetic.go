package fixture

import (
	"math"
	"math/rand"
	"strconv"
	"time"

	"github.com/vecmap-tiles/server/internal/codec"
)

var clusterNames = []string{"alpha", "beta", "gamma", "delta", "epsilon", "zeta", "eta", "theta"}

// Synthetic returns n points in Gaussian clusters with an integer primary
// key and a categorical, a continuous and a timestamp column.
func Synthetic(n int, clusters int, seed int64) Dataset {
	if clusters <= 0 {
		clusters = 4
	}
	rng := rand.New(rand.NewSource(seed))
	centers := make([][2]float64, clusters)
	for i := range centers {
		centers[i] = [2]float64{rng.Float64() * 10, rng.Float64() * 10}
	}

	d := Dataset{X: make([]float64, n), Y: make([]float64, n)}
	ix := codec.NewColumn(codec.ColumnIX, codec.KindInt)
	cluster := codec.NewColumn("user_cluster", codec.KindString)
	score := codec.NewColumn("user_score", codec.KindFloat64)
	created := codec.NewColumn("user_created_at", codec.KindTimestamp)

	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC).UnixMilli()
	for i := 0; i < n; i++ {
		k := rng.Intn(clusters)
		d.X[i] = centers[k][0] + rng.NormFloat64()
		d.Y[i] = centers[k][1] + rng.NormFloat64()
		ix.I64 = append(ix.I64, int64(i+1))
		cluster.Str = append(cluster.Str, clusterName(k))
		score.F64 = append(score.F64, math.Round(rng.Float64()*10000)/100)
		created.I64 = append(created.I64, start+rng.Int63n(365*24*3600*1000))
	}
	d.Columns = []*codec.Column{ix, cluster, score, created}
	return d
}

func clusterName(k int) string {
	if k < len(clusterNames) {
		return clusterNames[k]
	}
	return "cluster-" + strconv.Itoa(k)
}
