package crdt

// Position identifiers give every atom a total order that is the same on
// every replica, so atoms can be integrated in any arrival order. A position
// is a path of (digit, site) segments compared lexicographically; a shorter
// position sorts before any extension of itself.

const (
	maxDigit = uint32(1) << 31
	// New digits are allocated close to the left neighbor so sequential
	// typing stays shallow.
	boundary = uint32(32)
	// Site id used for atoms seeded from a durable snapshot. Sorts before
	// any uuid site, and is identical across replicas seeded from the same
	// content.
	seedSite = ""
	seedGap  = uint32(1) << 10
)

type Segment struct {
	Digit uint32 `json:"d"`
	Site  string `json:"s"`
}

type Position []Segment

func (p Position) Compare(q Position) int {
	for i := 0; i < len(p) && i < len(q); i++ {
		if p[i].Digit != q[i].Digit {
			if p[i].Digit < q[i].Digit {
				return -1
			}
			return 1
		}
		if p[i].Site != q[i].Site {
			if p[i].Site < q[i].Site {
				return -1
			}
			return 1
		}
	}
	switch {
	case len(p) < len(q):
		return -1
	case len(p) > len(q):
		return 1
	default:
		return 0
	}
}

// posBetween allocates a fresh position strictly between left and right.
// A nil left means the start of the document, a nil right means the end.
// Invariant relied on throughout: a stored position never ends in a
// zero-digit segment, so a zero digit in right always has a successor.
func posBetween(left, right Position, site string) Position {
	pos := make(Position, 0, len(left)+1)
	rightBinding := true
	for depth := 0; ; depth++ {
		lo := uint32(0)
		hi := maxDigit
		if depth < len(left) {
			lo = left[depth].Digit
		}
		if rightBinding && depth < len(right) {
			hi = right[depth].Digit
		}

		if hi > lo+1 {
			step := hi - lo - 1
			if step > boundary {
				step = boundary
			}
			return append(pos, Segment{Digit: lo + step, Site: site})
		}

		// No room at this depth; descend.
		switch {
		case depth < len(left):
			pos = append(pos, left[depth])
			if rightBinding && (depth >= len(right) || left[depth] != right[depth]) {
				rightBinding = false
			}
		case hi == 1:
			// Anything starting with a zero digit sorts below right here.
			pos = append(pos, Segment{Digit: 0, Site: site})
			rightBinding = false
		default: // hi == 0: follow right down to its next segment
			pos = append(pos, right[depth])
		}
	}
}
