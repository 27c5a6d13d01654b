package mesh

import (
	"errors"
	"testing"

	"github.com/notargets/meshhalo/topology"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustCartesian(t *testing.T, dims [3]int, rank int) *topology.Cartesian {
	t.Helper()
	topo, err := topology.NewCartesian(dims, rank)
	if err != nil {
		t.Fatalf("topology: %v", err)
	}
	return topo
}

func TestGhostThickness(t *testing.T) {
	want := map[int]int{1: 1, 2: 1, 3: 2, 4: 2, 5: 3, 6: 3, 7: 4}
	for cao, g := range want {
		assert.Equal(t, g, GhostThickness(cao), "cao %d", cao)
	}
}

func TestNew_Geometry(t *testing.T) {
	topo := mustCartesian(t, [3]int{2, 1, 2}, 3) // coords {1, 0, 1}
	lm, err := New([3]int{8, 6, 4}, [6]int{1, 2, 0, 1, 2, 2}, topo)
	require.NoError(t, err)

	assert.Equal(t, [3]int{4, 6, 2}, lm.Interior())
	assert.Equal(t, [3]int{7, 7, 6}, lm.Dim)
	assert.Equal(t, [3]int{1, 0, 2}, lm.InLD)
	assert.Equal(t, [3]int{5, 6, 4}, lm.InUR)
	assert.Equal(t, [3]int{4, 0, 2}, lm.Start)
	assert.Equal(t, 7*7*6, lm.Len())
	assert.Equal(t, 4*6*2, lm.InteriorLen())

	for a := 0; a < 3; a++ {
		assert.Equal(t, lm.Interior()[a]+lm.Margin[2*a]+lm.Margin[2*a+1], lm.Dim[a])
	}
}

func TestSplit(t *testing.T) {
	// 10 points over 3 ranks, as calc_local_mesh splits them
	assert.Equal(t, []int{0, 4, 7, 10}, []int{
		SplitStart(10, 3, 0), SplitStart(10, 3, 1), SplitStart(10, 3, 2), SplitStart(10, 3, 3)})
	assert.Equal(t, 4, SplitLen(10, 3, 0))
	assert.Equal(t, 3, SplitLen(10, 3, 2))
	assert.Equal(t, 3, SplitLen(10, 3, -1), "wraps to the last part")
	assert.Equal(t, 4, SplitLen(10, 3, 3), "wraps to the first part")
	assert.Equal(t, 3, MinSplit(10, 3))

	for n := 1; n <= 20; n++ {
		for parts := 1; parts <= n; parts++ {
			total := 0
			for c := 0; c < parts; c++ {
				l := SplitLen(n, parts, c)
				if l < MinSplit(n, parts) || l > MinSplit(n, parts)+1 {
					t.Fatalf("%d points over %d parts: part %d has %d", n, parts, c, l)
				}
				total += l
			}
			assert.Equal(t, n, total)
		}
	}
}

func TestNew_InteriorsTileGlobalMesh(t *testing.T) {
	for _, tt := range []struct {
		dims, global [3]int
	}{
		{[3]int{2, 2, 2}, [3]int{8, 4, 6}},
		{[3]int{3, 1, 1}, [3]int{10, 8, 8}},
		{[3]int{3, 2, 2}, [3]int{11, 5, 7}},
	} {
		owners := make(map[[3]int]int)
		n := tt.dims[0] * tt.dims[1] * tt.dims[2]
		for rank := 0; rank < n; rank++ {
			lm, err := FromCAO(tt.global, 2, mustCartesian(t, tt.dims, rank))
			require.NoError(t, err)
			for x := lm.InLD[0]; x < lm.InUR[0]; x++ {
				for y := lm.InLD[1]; y < lm.InUR[1]; y++ {
					for z := lm.InLD[2]; z < lm.InUR[2]; z++ {
						g := lm.GlobalCoord([3]int{x, y, z})
						if prev, ok := owners[g]; ok {
							t.Fatalf("dims %v: global point %v owned by ranks %d and %d", tt.dims, g, prev, rank)
						}
						owners[g] = rank
					}
				}
			}
		}
		assert.Len(t, owners, tt.global[0]*tt.global[1]*tt.global[2], "dims %v", tt.dims)
	}
}

func TestNew_UnevenSplit(t *testing.T) {
	dims := [3]int{3, 1, 1}
	var starts, interiors []int
	for rank := 0; rank < 3; rank++ {
		lm, err := New([3]int{10, 8, 8}, [6]int{2, 2, 2, 2, 2, 2}, mustCartesian(t, dims, rank))
		require.NoError(t, err)
		starts = append(starts, lm.Start[0])
		interiors = append(interiors, lm.Interior()[0])
	}
	assert.Equal(t, []int{0, 4, 7}, starts)
	assert.Equal(t, []int{4, 3, 3}, interiors)

	// Rank 0 holds 4 points but its neighbours only 3
	_, err := New([3]int{10, 8, 8}, [6]int{1, 4, 1, 1, 1, 1}, mustCartesian(t, dims, 0))
	var cfg *ConfigError
	require.True(t, errors.As(err, &cfg), "got %v", err)
	assert.Equal(t, "margin.x-high", cfg.Param)

	_, err = New([3]int{10, 8, 8}, [6]int{3, 3, 1, 1, 1, 1}, mustCartesian(t, dims, 1))
	assert.NoError(t, err, "rank 1 reaches into rank 0 (4 points) and rank 2 (3 points)")
}

func TestLocalMesh_GhostsWrapIntoNeighbour(t *testing.T) {
	topo := mustCartesian(t, [3]int{2, 1, 1}, 0)
	lm, err := FromCAO([3]int{4, 2, 2}, 2, topo)
	require.NoError(t, err)

	// The low x ghost of rank 0 is the last interior plane of rank 1
	assert.Equal(t, [3]int{3, 1, 1}, lm.GlobalCoord([3]int{0, 0, 0}))
	// The high x ghost of rank 0 is the first interior plane of rank 1
	assert.Equal(t, [3]int{2, 0, 0}, lm.GlobalCoord([3]int{lm.InUR[0], 1, 1}))
	assert.False(t, lm.IsInterior([3]int{0, 1, 1}))
	assert.True(t, lm.IsInterior([3]int{1, 1, 1}))
}

func TestLocalMesh_IndexPoint(t *testing.T) {
	lm, err := FromCAO([3]int{4, 3, 5}, 1, mustCartesian(t, [3]int{1, 1, 1}, 0))
	require.NoError(t, err)
	for idx := 0; idx < lm.Len(); idx++ {
		if got := lm.Index(lm.Point(idx)); got != idx {
			t.Fatalf("Index(Point(%d)) = %d", idx, got)
		}
	}
	assert.Equal(t, 1, lm.Index([3]int{0, 0, 1}))
	assert.Equal(t, lm.Dim[2], lm.Index([3]int{0, 1, 0}))
}

func TestNew_ZeroMargins(t *testing.T) {
	lm, err := New([3]int{4, 4, 4}, [6]int{}, mustCartesian(t, [3]int{1, 1, 1}, 0))
	require.NoError(t, err)
	assert.Equal(t, [3]int{4, 4, 4}, lm.Dim)
	assert.Equal(t, lm.Len(), lm.InteriorLen())
}

func TestNew_ConfigErrors(t *testing.T) {
	two := mustCartesian(t, [3]int{2, 1, 1}, 0)
	tests := []struct {
		name   string
		global [3]int
		margin [6]int
		param  string
	}{
		{"FewerPointsThanRanks", [3]int{1, 4, 4}, [6]int{0, 0, 1, 1, 1, 1}, "global.x"},
		{"EmptyAxis", [3]int{4, 0, 4}, [6]int{1, 1, 1, 1, 1, 1}, "global.y"},
		{"NegativeMargin", [3]int{4, 4, 4}, [6]int{1, 1, 1, 1, -1, 1}, "margin.z-low"},
		{"MarginWiderThanInterior", [3]int{4, 4, 4}, [6]int{1, 3, 1, 1, 1, 1}, "margin.x-high"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(tt.global, tt.margin, two)
			require.Error(t, err)
			var cfg *ConfigError
			require.True(t, errors.As(err, &cfg))
			assert.Equal(t, tt.param, cfg.Param)
		})
	}

	t.Run("BadCAO", func(t *testing.T) {
		for _, cao := range []int{0, MaxCAO + 1} {
			_, err := FromCAO([3]int{4, 4, 4}, cao, two)
			var cfg *ConfigError
			assert.True(t, errors.As(err, &cfg), "cao %d", cao)
		}
	})
}
