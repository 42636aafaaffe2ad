package remote

import (
	"fmt"
	"time"
)

// MaxSigningWindow is the most part signatures one request may ask for.
const MaxSigningWindow = 100

// PartRange is an inclusive range of part numbers.
type PartRange struct {
	First int
	Last  int
}

func (r PartRange) String() string {
	return fmt.Sprintf("%d-%d", r.First, r.Last)
}

// Len is the number of parts in r. Part numbers start at 1, so the zero
// value is empty.
func (r PartRange) Len() int {
	if r.First < 1 || r.Last < r.First {
		return 0
	}
	return r.Last - r.First + 1
}

func (r PartRange) Contains(n int) bool {
	return n >= r.First && n <= r.Last
}

// WindowFor returns the signing range starting at part from, capped by size
// and the total part count.
func WindowFor(from, total, size int) PartRange {
	if size <= 0 || size > MaxSigningWindow {
		size = MaxSigningWindow
	}
	last := from + size - 1
	if last > total {
		last = total
	}
	return PartRange{First: from, Last: last}
}

type SignedPart struct {
	PartNumber int
	URL        string
	Headers    map[string]string
	Expires    time.Time
}

// SigningWindow is the set of part signatures granted so far.
type SigningWindow struct {
	Range PartRange
	Parts map[int]SignedPart
}

// Lookup returns the signature for part n.
func (w *SigningWindow) Lookup(n int) (SignedPart, bool) {
	p, ok := w.Parts[n]
	return p, ok
}

// Merge adds the signatures of other, replacing overlapping part numbers and
// keeping the rest. Range grows to cover both.
func (w *SigningWindow) Merge(other SigningWindow) {
	if w.Parts == nil {
		w.Parts = make(map[int]SignedPart, len(other.Parts))
	}
	for n, p := range other.Parts {
		w.Parts[n] = p
	}

	switch {
	case w.Range.Len() == 0:
		w.Range = other.Range
	case other.Range.Len() > 0:
		w.Range.First = min(w.Range.First, other.Range.First)
		w.Range.Last = max(w.Range.Last, other.Range.Last)
	}
}
