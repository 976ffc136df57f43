// Package diff turns two text snapshots into an ordered sequence of insert
// and delete operations.
//
// The algorithm is a greedy nearest-common-continuation scan, not an LCS:
// it walks both strings while they match, and at the first mismatch probes
// forward for the closest point where the strings agree on a character
// again. Three probes run per mismatch: the old character reappearing later
// in the new text (a span was inserted), the new character appearing later
// in the old text (a span was deleted), and both strings agreeing again
// after skipping the same distance in each (a span was replaced). Worst
// case is quadratic in the divergence length and the edit script can be
// larger than optimal on pathological inputs; in exchange the common cases
// (typing, pasting, deleting a span, overtyping a word) resolve in linear
// time with exactly the operations a user would expect.
//
// Style and line operations are never produced here. They come from
// explicit user actions, not from text comparison.
package diff

import (
	"cowrite/pkg/op"
)

// Diff computes the operations that transform oldText into newText when
// applied in order. Positions are rune offsets into the evolving document,
// so the sequence can be applied left to right without adjustment. Spans
// are emitted whole, already coalesced. The returned operations carry
// SourceVersion 0; the sender stamps the real version before transmission.
func Diff(oldText, newText string) []op.Operation {
	a := []rune(oldText)
	b := []rune(newText)

	var ops []op.Operation
	i, j := 0, 0
scan:
	for i < len(a) && j < len(b) {
		if a[i] == b[j] {
			i++
			j++
			continue
		}
		// Nearest common continuation. The probe with the shortest skip
		// wins; ties prefer the insertion, then the deletion, pinning the
		// output when probes land at the same distance.
		dj := runeIndex(b, j+1, a[i])
		di := runeIndex(a, i+1, b[j])
		dd := diagIndex(a, b, i+1, j+1)
		switch {
		case dj < 0 && di < 0 && dd < 0:
			break scan
		case dj >= 0 && (di < 0 || dj <= di) && (dd < 0 || dj <= dd):
			ops = append(ops, op.Operation{Kind: op.Insert, Position: j, Content: string(b[j : j+dj])})
			j += dj
		case di >= 0 && (dd < 0 || di <= dd):
			ops = append(ops, op.Operation{Kind: op.Delete, Position: j, Length: di})
			i += di
		default:
			ops = append(ops,
				op.Operation{Kind: op.Delete, Position: j, Length: dd},
				op.Operation{Kind: op.Insert, Position: j, Content: string(b[j : j+dd])})
			i += dd
			j += dd
		}
	}
	if i < len(a) {
		ops = append(ops, op.Operation{Kind: op.Delete, Position: j, Length: len(a) - i})
	}
	if j < len(b) {
		ops = append(ops, op.Operation{Kind: op.Insert, Position: j, Content: string(b[j:])})
	}
	return ops
}

// runeIndex returns how far past from-1 the rune r next occurs in s, or -1
// when it does not occur again. A return of n means s[from-1+n] == r.
func runeIndex(s []rune, from int, r rune) int {
	for k := from; k < len(s); k++ {
		if s[k] == r {
			return k - from + 1
		}
	}
	return -1
}

// diagIndex returns the smallest d such that a[ai-1+d] == b[bi-1+d], the
// resync point for a same-length replacement, or -1 when the strings never
// agree at matching skip distances.
func diagIndex(a, b []rune, ai, bi int) int {
	for d := 0; ai+d < len(a) && bi+d < len(b); d++ {
		if a[ai+d] == b[bi+d] {
			return d + 1
		}
	}
	return -1
}
