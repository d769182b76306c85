package stamp

import (
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	olerrors "github.com/arkilian/orderlake/internal/errors"
	"github.com/arkilian/orderlake/pkg/types"
)

func schema() *types.Schema {
	return types.NewSchema("t",
		types.Column{Name: "order_id", Type: types.TypeString, Nullable: true},
		types.Column{Name: FileColumn, Type: types.TypeString, Nullable: true},
		types.Column{Name: TimeColumn, Type: types.TypeTimestamp, Nullable: true},
	)
}

// tickingClock advances one nanosecond per call, so re-reading it per row
// would be visible.
func tickingClock() func() time.Time {
	var n int64
	base := time.Date(2021, 3, 1, 0, 0, 0, 0, time.UTC)
	return func() time.Time {
		return base.Add(time.Duration(atomic.AddInt64(&n, 1)))
	}
}

func TestStamp_SingleCapturePerBatch(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 50
	properties := gopter.NewProperties(parameters)

	properties.Property("every row carries the batch instant", prop.ForAll(
		func(n int) bool {
			s := New(WithClock(tickingClock()))
			rows := make([]types.Row, n)
			for i := range rows {
				rows[i] = types.Row{"o", nil, nil}
			}
			b, err := s.NewBatch("f.json", schema(), rows)
			if err != nil {
				return false
			}
			for _, r := range b.Rows {
				if r[2] != b.IngestedAt || r[1] != "f.json" {
					return false
				}
			}
			return true
		},
		gen.IntRange(0, 500),
	))

	properties.TestingRun(t)
}

func TestStamp_DistinctBatchesDistinctInstants(t *testing.T) {
	s := New(WithClock(tickingClock()))
	a, err := s.NewBatch("a", schema(), []types.Row{{"1", nil, nil}})
	require.NoError(t, err)
	b, err := s.NewBatch("b", schema(), []types.Row{{"2", nil, nil}})
	require.NoError(t, err)
	assert.True(t, b.IngestedAt.After(a.IngestedAt))
}

func TestStamp_SchemaWithoutProvenance(t *testing.T) {
	s := New()
	bad := types.NewSchema("t", types.Column{Name: "order_id", Type: types.TypeString})
	_, err := s.NewBatch("x", bad, nil)
	assert.True(t, errors.Is(err, olerrors.ErrSchemaMismatch))

	_, err = s.NewBatch("x", schema(), []types.Row{{"short"}})
	assert.True(t, errors.Is(err, olerrors.ErrSchemaMismatch))
}

func TestStamp_CustomColumns(t *testing.T) {
	sch := types.NewSchema("t",
		types.Column{Name: "src", Type: types.TypeString},
		types.Column{Name: "at", Type: types.TypeTimestamp},
	)
	s := New(WithColumns("src", "at"))
	b, err := s.NewBatch("x", sch, []types.Row{{nil, nil}})
	require.NoError(t, err)
	assert.Equal(t, "x", b.Rows[0][0])
	assert.Equal(t, []string{"src", "at"}, s.Columns())
}
