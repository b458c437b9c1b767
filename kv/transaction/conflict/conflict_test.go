package conflict

import (
	"fmt"
	"math/rand"
	"sync"
	"testing"

	"github.com/pingcap-incubator/tinyledger/kv/evaluator"
	"github.com/pingcap-incubator/tinyledger/kv/transaction/analyzer"
	"github.com/pingcap-incubator/tinyledger/kv/transaction/txn"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newDetector() *Detector {
	return NewDetector(analyzer.New(evaluator.New()))
}

func writer(t *testing.T, id string, reads []string, writes ...string) *txn.Transaction {
	s := txn.Spec{ID: id, ReadSet: map[string]uint64{}, WriteSet: map[string]decimal.Decimal{}}
	for _, r := range reads {
		s.ReadSet[r] = 0
	}
	for _, w := range writes {
		s.WriteSet[w] = decimal.Zero
	}
	tx, err := txn.New(s)
	require.NoError(t, err)
	return tx
}

func TestFromEdgesNormalizes(t *testing.T) {
	conflicts := FromEdges([]txn.DependencyEdge{
		{From: "t2", To: "t1", Kind: txn.RAW, Resource: "A"},
		{From: "t1", To: "t2", Kind: txn.RAW, Resource: "A"},
		{From: "t0", To: "t3", Kind: txn.WAR, Resource: "B"},
	})
	assert.Equal(t, []txn.Conflict{
		{TxA: "t0", TxB: "t3", Kind: txn.WAR, Resource: "B"},
		{TxA: "t1", TxB: "t2", Kind: txn.RAW, Resource: "A"},
	}, conflicts)
}

func TestDisjointPlanIsOneSet(t *testing.T) {
	p, err := newDetector().Plan([]*txn.Transaction{
		writer(t, "t2", nil, "C", "D"),
		writer(t, "t1", nil, "A", "B"),
	})
	require.NoError(t, err)
	assert.Empty(t, p.Conflicts)
	assert.Equal(t, [][]string{{"t1", "t2"}}, p.Sets)
	assert.False(t, p.Order.Serial)
	assert.Equal(t, []string{"t1", "t2"}, p.Order.Order)
	assert.Equal(t, 2.0, p.Parallelism())
}

func TestWriteWritePlanIsOrdered(t *testing.T) {
	p, err := newDetector().Plan([]*txn.Transaction{
		writer(t, "tx_b", nil, "A"),
		writer(t, "tx_a", nil, "A"),
	})
	require.NoError(t, err)
	assert.Equal(t, []txn.Conflict{{TxA: "tx_a", TxB: "tx_b", Kind: txn.WAW, Resource: "A"}}, p.Conflicts)
	assert.Equal(t, [][]string{{"tx_a"}, {"tx_b"}}, p.Sets)
	assert.False(t, p.Order.Serial)
	assert.Len(t, p.OrderingEdges, 1)
}

func TestCyclicPlanIsSerial(t *testing.T) {
	p, err := newDetector().Plan([]*txn.Transaction{
		writer(t, "t3", nil, "Z"),
		writer(t, "t2", []string{"A"}, "A"),
		writer(t, "t1", []string{"A"}, "A"),
	})
	require.NoError(t, err)
	assert.True(t, p.Order.Serial)
	assert.Equal(t, []string{"t1", "t2", "t1"}, p.Cycle)
	assert.Equal(t, [][]string{{"t1"}, {"t2"}, {"t3"}}, p.Sets)
	for _, e := range p.OrderingEdges {
		assert.Less(t, e.From, e.To)
	}
	assert.Equal(t, 1.0, p.Parallelism())
}

func TestSerialCopy(t *testing.T) {
	p, err := newDetector().Plan([]*txn.Transaction{
		writer(t, "t1", nil, "A"),
		writer(t, "t2", nil, "B"),
	})
	require.NoError(t, err)
	s := p.Serial()
	assert.True(t, s.Order.Serial)
	assert.Equal(t, [][]string{{"t1"}, {"t2"}}, s.Sets)
	assert.Equal(t, [][]string{{"t1", "t2"}}, p.Sets)
}

func TestResolveIsDeterministic(t *testing.T) {
	var conflicts []txn.Conflict
	var ids []string
	for i := 0; i < 40; i++ {
		ids = append(ids, fmt.Sprintf("tx%02d", i))
	}
	for i := 0; i+1 < len(ids); i += 2 {
		conflicts = append(conflicts, txn.Conflict{TxA: ids[i], TxB: ids[i+1], Kind: txn.WAW, Resource: "A"})
	}
	want := Resolver{}.Resolve(conflicts, ids...)

	var wg sync.WaitGroup
	results := make([]txn.ResolutionOrder, 16)
	for g := range results {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			r := rand.New(rand.NewSource(int64(g)))
			cs := append([]txn.Conflict(nil), conflicts...)
			is := append([]string(nil), ids...)
			r.Shuffle(len(cs), func(i, j int) { cs[i], cs[j] = cs[j], cs[i] })
			r.Shuffle(len(is), func(i, j int) { is[i], is[j] = is[j], is[i] })
			var resolver Resolver
			results[g] = resolver.Resolve(cs, is...)
		}(g)
	}
	wg.Wait()
	for _, got := range results {
		assert.Equal(t, want, got)
	}
	assert.Equal(t, ids, want.Order)
}
