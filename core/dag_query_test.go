package core

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func buildQueryFixture(t *testing.T) (*DAGEngine, DID, []CID) {
	t.Helper()
	eng, svc := newTestDAGEngine(t)
	issuer, _, err := svc.GenerateDID()
	require.NoError(t, err)

	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	var ids []CID
	var parent []CID
	for i := 0; i < 3; i++ {
		seq := uint64(i)
		n := Node{
			Issuer:  issuer,
			Parents: append([]CID(nil), parent...),
			Body:    map[string]Payload{"kind": "record", "priority": int64(i)},
			Metadata: NodeMetadata{
				Timestamp: base.Add(time.Duration(i) * time.Hour),
				Sequence:  &seq,
			},
		}
		signed, err := n.Sign(svc)
		require.NoError(t, err)
		id, err := eng.StoreNode(issuer, signed)
		require.NoError(t, err)
		ids = append(ids, id)
		parent = []CID{id}
	}
	return eng, issuer, ids
}

func TestQueryFilterByPayloadPath(t *testing.T) {
	eng, issuer, ids := buildQueryFixture(t)

	rows, err := Query(eng, issuer, ids, FilterStage{Expr: NumericCompare{Path: "payload.priority", Op: ">=", Value: 1}})
	require.NoError(t, err)
	require.Len(t, rows, 2)
}

func TestQueryOrderAndLimit(t *testing.T) {
	eng, issuer, ids := buildQueryFixture(t)

	rows, err := Query(eng, issuer, ids, OrderStage{Path: "sequence", Desc: true}, LimitStage{N: 1})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.Equal(t, ids[2], rows[0].CID)
}

func TestQueryParentsStageWalksAncestors(t *testing.T) {
	eng, issuer, ids := buildQueryFixture(t)

	rows, err := Query(eng, issuer, []CID{ids[2]}, ParentsStage{Depth: -1, IncludeSelf: true})
	require.NoError(t, err)
	require.Len(t, rows, 3)
}

func TestQueryProjectStage(t *testing.T) {
	eng, issuer, ids := buildQueryFixture(t)

	rows, err := Query(eng, issuer, []CID{ids[0]}, ProjectStage{Paths: []string{"payload.kind", "sequence"}})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	proj, ok := rows[0].Projected.(map[string]Payload)
	require.True(t, ok)
	require.Equal(t, "record", proj["payload.kind"])
}

func TestQuerySkipStage(t *testing.T) {
	eng, issuer, ids := buildQueryFixture(t)

	rows, err := Query(eng, issuer, ids, OrderStage{Path: "sequence"}, SkipStage{N: 2})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.Equal(t, ids[2], rows[0].CID)
}
