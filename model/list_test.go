package model

import (
	"fmt"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"
)

func newRandomViewList(rnd *rand.Rand, pool, n int) ViewList {
	ids := rnd.Perm(pool)[:n]
	list := make(ViewList, 0, n)
	for _, id := range ids {
		list = append(list, ListItem{
			Id:       fmt.Sprintf("id-%d", id),
			Revision: uint64(rnd.Intn(3)),
		})
	}

	return list
}

// Test diffs random list pairs and checks the operations rebuild the target list.
func Test_DiffLists_ApplyListOperations(t *testing.T) {
	rnd := rand.New(rand.NewSource(1))

	for i := 0; i < 500; i++ {
		prev := newRandomViewList(rnd, 20, rnd.Intn(15))
		next := newRandomViewList(rnd, 20, rnd.Intn(15))

		ops := DiffLists(prev, next)
		result, err := ApplyListOperations(append(ViewList{}, prev...), ops...)
		require.NoError(t, err, "case %d", i)
		require.Equal(t, len(next), len(result), "case %d", i)
		for j := range next {
			require.Equal(t, next[j], result[j], "case %d: item[%d]", i, j)
		}
	}
}

// Test checks that surviving items are never deleted and re-inserted.
func Test_DiffLists_NoFlicker(t *testing.T) {
	prev := ViewList{{Id: "a", Revision: 1}, {Id: "b", Revision: 1}, {Id: "c", Revision: 1}}
	next := ViewList{{Id: "c", Revision: 2}, {Id: "a", Revision: 1}, {Id: "d", Revision: 1}}

	ops := DiffLists(prev, next)
	for _, op := range ops {
		switch op.Id {
		case "a", "c":
			require.Equal(t, UpdateOperationType, op.Type, "op %s", op.Id)
		case "b":
			require.Equal(t, DeleteOperationType, op.Type)
		case "d":
			require.Equal(t, InsertOperationType, op.Type)
		}
	}

	require.Empty(t, DiffLists(next, next))
}

func Test_ApplyListOperations_Invalid(t *testing.T) {
	list := ViewList{{Id: "a"}}

	_, err := ApplyListOperations(list, ListOperation{Type: InsertOperationType, Index: 2, Id: "b"})
	require.Error(t, err)

	_, err = ApplyListOperations(list, ListOperation{Type: UpdateOperationType, Index: 1, Id: "a"})
	require.Error(t, err)

	_, err = ApplyListOperations(list, ListOperation{Type: DeleteOperationType, Index: -1})
	require.Error(t, err)

	_, err = ApplyListOperations(list, ListOperation{Type: "bogus"})
	require.Error(t, err)
}
