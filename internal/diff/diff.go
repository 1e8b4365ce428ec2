// Package diff computes and applies the rune-indexed edit batches that
// back every file object's append-only version log. Diff uses
// Ratcliff/Obershelp matching-block recursion: find the longest common
// run between two rune slices, recurse on the unmatched halves either
// side of it, and emit a replace/delete/insert per gap. Apply is the
// inverse: given a base content and a batch of operations, it
// reproduces the edited text.
package diff

import (
	"sort"

	vfsdberrors "github.com/kartikbazzad/vfsdb/internal/errors"
	"github.com/kartikbazzad/vfsdb/internal/types"
)

// match is one maximal equal run: a[i:i+size] == b[j:j+size].
type match struct {
	i, j, size int
}

// findLongestMatch finds the longest run of runes common to a[alo:ahi]
// and b[blo:bhi], preferring the earliest such run in a and, among ties,
// the earliest in b - the same tie-break difflib uses.
func findLongestMatch(a, b []rune, alo, ahi, blo, bhi int) match {
	b2j := make(map[rune][]int, bhi-blo)
	for j := blo; j < bhi; j++ {
		b2j[b[j]] = append(b2j[b[j]], j)
	}

	besti, bestj, bestsize := alo, blo, 0
	j2len := make(map[int]int)
	for i := alo; i < ahi; i++ {
		newj2len := make(map[int]int)
		for _, j := range b2j[a[i]] {
			if j < blo || j >= bhi {
				continue
			}
			k := j2len[j-1] + 1
			newj2len[j] = k
			if k > bestsize {
				besti, bestj, bestsize = i-k+1, j-k+1, k
			}
		}
		j2len = newj2len
	}

	return match{i: besti, j: bestj, size: bestsize}
}

func matchingBlocks(a, b []rune) []match {
	var out []match
	var recurse func(alo, ahi, blo, bhi int)
	recurse = func(alo, ahi, blo, bhi int) {
		m := findLongestMatch(a, b, alo, ahi, blo, bhi)
		if m.size == 0 {
			return
		}
		if alo < m.i && blo < m.j {
			recurse(alo, m.i, blo, m.j)
		}
		out = append(out, m)
		if m.i+m.size < ahi && m.j+m.size < bhi {
			recurse(m.i+m.size, ahi, m.j+m.size, bhi)
		}
	}
	recurse(0, len(a), 0, len(b))
	out = append(out, match{i: len(a), j: len(b), size: 0})
	return out
}

// Diff returns the batch of operations that, applied to old, produce
// new. Indices are rune offsets into old, so multi-byte characters
// count as one position each.
func Diff(old, new string) types.DiffBatch {
	a := []rune(old)
	b := []rune(new)

	var batch types.DiffBatch
	i, j := 0, 0
	for _, m := range matchingBlocks(a, b) {
		switch {
		case i < m.i && j < m.j:
			batch = append(batch, types.DiffOp{
				Kind:  types.OpReplace,
				Start: i,
				End:   m.i,
				Data:  string(b[j:m.j]),
			})
		case i < m.i:
			batch = append(batch, types.DiffOp{
				Kind:  types.OpDelete,
				Start: i,
				End:   m.i,
			})
		case j < m.j:
			batch = append(batch, types.DiffOp{
				Kind:  types.OpInsert,
				Start: i,
				Data:  string(b[j:m.j]),
			})
		}
		i = m.i + m.size
		j = m.j + m.size
	}
	return batch
}

// Apply materializes batch against content. Every operation's bounds
// are validated against content's original rune length before anything
// mutates, since all operations in a batch are indexed against the
// pre-batch string. Operations are then applied in descending Start
// order so that an earlier operation's indices, still expressed in the
// original content's coordinate space, remain valid when it is finally
// applied.
func Apply(content string, batch types.DiffBatch) (string, error) {
	runes := []rune(content)
	n := len(runes)

	for _, op := range batch {
		end := op.End
		if op.Kind == types.OpInsert {
			end = op.Start
		}
		if op.Start < 0 || op.Start > n || end < op.Start || end > n {
			return "", vfsdberrors.New(vfsdberrors.InvalidIndex, "diff.Apply", vfsdberrors.ErrIndexOutOfRange)
		}
	}

	ordered := make(types.DiffBatch, len(batch))
	copy(ordered, batch)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].Start > ordered[j].Start
	})

	result := runes
	for _, op := range ordered {
		switch op.Kind {
		case types.OpReplace:
			merged := make([]rune, 0, len(result)-(op.End-op.Start)+len([]rune(op.Data)))
			merged = append(merged, result[:op.Start]...)
			merged = append(merged, []rune(op.Data)...)
			merged = append(merged, result[op.End:]...)
			result = merged
		case types.OpInsert:
			merged := make([]rune, 0, len(result)+len([]rune(op.Data)))
			merged = append(merged, result[:op.Start]...)
			merged = append(merged, []rune(op.Data)...)
			merged = append(merged, result[op.Start:]...)
			result = merged
		case types.OpDelete:
			merged := make([]rune, 0, len(result)-(op.End-op.Start))
			merged = append(merged, result[:op.Start]...)
			merged = append(merged, result[op.End:]...)
			result = merged
		}
	}
	return string(result), nil
}
