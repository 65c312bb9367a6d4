package model

import (
	"fmt"
	"strings"
)

type (
	// ViewList is a light representation of the projected view used by renderers.
	ViewList []ListItem

	ListItem struct {
		Id       string
		Revision uint64
	}

	// ListOperation is an operation performed on ViewList on the renderer side.
	// Update with Index != NewIndex moves the item.
	ListOperation struct {
		Type     OperationType
		Index    int
		NewIndex int
		Id       string
		Revision uint64
	}
)

// String implements the stringer interface.
func (l ViewList) String() string {
	str := strings.Builder{}
	for i, item := range l {
		str.WriteString(fmt.Sprintf("- [%d] %s (r%d)\n", i, item.Id, item.Revision))
	}

	return str.String()
}

// ApplyListOperations upgrades the input ViewList to a new version using ListOperation objects.
func ApplyListOperations(l ViewList, ops ...ListOperation) (ViewList, error) {
	for i, op := range ops {
		switch op.Type {

		case InsertOperationType:
			if op.Index < 0 {
				return nil, fmt.Errorf("op[%d] (%s): index: must be GTE 0", i, op.Type)
			}
			if op.Index > len(l) {
				return nil, fmt.Errorf("op[%d] (%s): index: must be LTE than ViewList length", i, op.Type)
			}

			// Insert
			l = append(l, ListItem{})
			copy(l[op.Index+1:], l[op.Index:])
			l[op.Index] = ListItem{
				Id:       op.Id,
				Revision: op.Revision,
			}

		case UpdateOperationType:
			if op.Index < 0 {
				return nil, fmt.Errorf("op[%d] (%s): index: must be GTE 0", i, op.Type)
			}
			if op.Index >= len(l) {
				return nil, fmt.Errorf("op[%d] (%s): index: must be LT than ViewList length", i, op.Type)
			}

			if op.NewIndex < 0 {
				return nil, fmt.Errorf("op[%d] (%s): newIndex: must be GTE 0", i, op.Type)
			}
			if op.NewIndex >= len(l) {
				return nil, fmt.Errorf("op[%d] (%s): newIndex: must be LT than ViewList length", i, op.Type)
			}

			// Cut and insert
			id := l[op.Index].Id
			l = append(l[:op.Index], l[op.Index+1:]...)
			l = append(l, ListItem{})
			copy(l[op.NewIndex+1:], l[op.NewIndex:])
			l[op.NewIndex] = ListItem{
				Id:       id,
				Revision: op.Revision,
			}

		case DeleteOperationType:
			if op.Index < 0 {
				return nil, fmt.Errorf("op[%d] (%s): index: must be GTE 0", i, op.Type)
			}
			if op.Index >= len(l) {
				return nil, fmt.Errorf("op[%d] (%s): index: must be LT than ViewList length", i, op.Type)
			}

			// Cut
			l = append(l[:op.Index], l[op.Index+1:]...)

		default:
			return nil, fmt.Errorf("op[%d] (%s): unknown type", i, op.Type)

		}
	}

	return l, nil
}

// DiffLists builds ListOperation objects that upgrade prev to next when applied with ApplyListOperations.
// Items present in both lists are moved/updated in place, never deleted and re-inserted.
// Ids must be unique within each list.
func DiffLists(prev, next ViewList) []ListOperation {
	cur := make(ViewList, len(prev))
	copy(cur, prev)

	nextIds := make(map[string]struct{}, len(next))
	for _, item := range next {
		nextIds[item.Id] = struct{}{}
	}

	ops := make([]ListOperation, 0)

	// Deletes go from the tail so the remaining indices stay valid
	for i := len(cur) - 1; i >= 0; i-- {
		if _, found := nextIds[cur[i].Id]; found {
			continue
		}

		ops = append(ops, ListOperation{
			Type:  DeleteOperationType,
			Index: i,
			Id:    cur[i].Id,
		})
		cur = append(cur[:i], cur[i+1:]...)
	}

	// cur[:i] matches next[:i] on every iteration
	for i, item := range next {
		if i < len(cur) && cur[i].Id == item.Id {
			if cur[i].Revision != item.Revision {
				ops = append(ops, ListOperation{
					Type:     UpdateOperationType,
					Index:    i,
					NewIndex: i,
					Id:       item.Id,
					Revision: item.Revision,
				})
				cur[i].Revision = item.Revision
			}
			continue
		}

		curIdx := -1
		for j := i + 1; j < len(cur); j++ {
			if cur[j].Id == item.Id {
				curIdx = j
				break
			}
		}

		if curIdx >= 0 {
			ops = append(ops, ListOperation{
				Type:     UpdateOperationType,
				Index:    curIdx,
				NewIndex: i,
				Id:       item.Id,
				Revision: item.Revision,
			})
			cur = append(cur[:curIdx], cur[curIdx+1:]...)
		} else {
			ops = append(ops, ListOperation{
				Type:     InsertOperationType,
				Index:    i,
				Id:       item.Id,
				Revision: item.Revision,
			})
		}

		cur = append(cur, ListItem{})
		copy(cur[i+1:], cur[i:])
		cur[i] = item
	}

	return ops
}
