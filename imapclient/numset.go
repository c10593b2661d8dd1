package imapclient

import (
	"fmt"
	"strconv"
	"strings"

	"golang.org/x/exp/slices"
)

// NumSet is a sequence set or UID set, as used in commands and response codes.
type NumSet struct {
	SearchResult bool // True if "$", in which case Ranges is irrelevant.
	Ranges       []NumRange
}

func (ns NumSet) IsZero() bool {
	return !ns.SearchResult && ns.Ranges == nil
}

func (ns NumSet) String() string {
	if ns.SearchResult {
		return "$"
	}
	l := make([]string, len(ns.Ranges))
	for i, x := range ns.Ranges {
		l[i] = x.String()
	}
	return strings.Join(l, ",")
}

// Expand returns all numbers in the set, in order of the ranges, with each
// range ascending. Sets with "*" or "$" cannot be expanded.
func (ns NumSet) Expand() ([]uint32, error) {
	if ns.SearchResult {
		return nil, fmt.Errorf("cannot expand search result reference")
	}
	var l []uint32
	for _, r := range ns.Ranges {
		if r.First == 0 || r.Last != nil && *r.Last == 0 {
			return nil, fmt.Errorf("cannot expand range with star")
		}
		first, last := r.First, r.First
		if r.Last != nil {
			last = *r.Last
		}
		if first > last {
			first, last = last, first
		}
		for v := first; ; v++ {
			l = append(l, v)
			if v == last {
				break
			}
		}
	}
	return l, nil
}

// ParseNumSet parses a sequence set, e.g. "1,3:5,10:*".
func ParseNumSet(s string) (ns NumSet, rerr error) {
	p := parser{s: s}
	defer p.recover(&rerr)
	ns = p.xnumSet()
	if !p.empty() {
		p.xerrorf("leftover data %q", p.s[p.o:])
	}
	return
}

// NumRange is a single number or range.
type NumRange struct {
	First uint32  // 0 for "*".
	Last  *uint32 // Nil if absent, 0 for "*".
}

func (nr NumRange) String() string {
	var r string
	if nr.First == 0 {
		r += "*"
	} else {
		r += strconv.FormatUint(uint64(nr.First), 10)
	}
	if nr.Last == nil {
		return r
	}
	r += ":"
	v := *nr.Last
	if v == 0 {
		r += "*"
	} else {
		r += strconv.FormatUint(uint64(v), 10)
	}
	return r
}

// compactTokens sorts and deduplicates uids and folds consecutive runs into
// "a:b" tokens.
func compactTokens(uids []uint32) []string {
	l := slices.Clone(uids)
	slices.Sort(l)
	l = slices.Compact(l)

	var tokens []string
	for i := 0; i < len(l); {
		j := i
		for j+1 < len(l) && l[j+1] == l[j]+1 {
			j++
		}
		if j > i {
			tokens = append(tokens, fmt.Sprintf("%d:%d", l[i], l[j]))
		} else {
			tokens = append(tokens, strconv.FormatUint(uint64(l[i]), 10))
		}
		i = j + 1
	}
	return tokens
}

// CompactSet returns a UID set for uids, e.g. "3,5,7:9,12" for
// {12,3,7,5,8,9}. Duplicates are ignored. An empty list returns an empty
// string, which is not a valid set.
func CompactSet(uids []uint32) string {
	return strings.Join(compactTokens(uids), ",")
}

// ExpandSet parses a set as returned by CompactSet back into its numbers.
func ExpandSet(s string) ([]uint32, error) {
	ns, err := ParseNumSet(s)
	if err != nil {
		return nil, err
	}
	return ns.Expand()
}

// SplitSet compacts uids like CompactSet, but returns multiple sets if the
// compacted form would be longer than ceiling characters. Each returned set
// holds at least one range, even if that range alone exceeds the ceiling.
func SplitSet(uids []uint32, ceiling int) []string {
	var sets []string
	var cur strings.Builder
	for _, t := range compactTokens(uids) {
		if cur.Len() > 0 && cur.Len()+1+len(t) > ceiling {
			sets = append(sets, cur.String())
			cur.Reset()
		}
		if cur.Len() > 0 {
			cur.WriteString(",")
		}
		cur.WriteString(t)
	}
	if cur.Len() > 0 {
		sets = append(sets, cur.String())
	}
	return sets
}
