package collab

import "strings"

type bufferKind int

const (
	bufOriginal bufferKind = iota
	bufAdd
)

// piece references a run of runes in either the original or the add buffer.
type piece struct {
	buf    bufferKind
	offset int
	length int
}

// PieceTable keeps the field text as an immutable original buffer plus an
// append-only add buffer, with an ordered piece list describing the logical
// document. Edits only split and splice pieces; buffers are never rewritten.
type PieceTable struct {
	original []rune
	add      []rune
	pieces   []piece
}

func NewPieceTable(initial string) *PieceTable {
	r := []rune(initial)
	pt := &PieceTable{original: r}
	if len(r) > 0 {
		pt.pieces = []piece{{buf: bufOriginal, offset: 0, length: len(r)}}
	}
	return pt
}

func (pt *PieceTable) Len() int {
	n := 0
	for _, p := range pt.pieces {
		n += p.length
	}
	return n
}

func (pt *PieceTable) String() string {
	var sb strings.Builder
	for _, p := range pt.pieces {
		switch p.buf {
		case bufOriginal:
			sb.WriteString(string(pt.original[p.offset : p.offset+p.length]))
		case bufAdd:
			sb.WriteString(string(pt.add[p.offset : p.offset+p.length]))
		}
	}
	return sb.String()
}

// Insert places text at rune position pos. pos must be within [0, Len()].
func (pt *PieceTable) Insert(pos int, text string) error {
	if pos < 0 || pos > pt.Len() {
		return ErrMalformedOperation
	}
	runes := []rune(text)
	if len(runes) == 0 {
		return nil
	}
	start := len(pt.add)
	pt.add = append(pt.add, runes...)
	fresh := piece{buf: bufAdd, offset: start, length: len(runes)}

	idx, offset := pt.locate(pos)
	if idx >= len(pt.pieces) {
		pt.pieces = append(pt.pieces, fresh)
		return nil
	}

	// Split the target piece around the insertion point.
	cur := pt.pieces[idx]
	left := piece{buf: cur.buf, offset: cur.offset, length: offset}
	right := piece{buf: cur.buf, offset: cur.offset + offset, length: cur.length - offset}

	next := make([]piece, 0, len(pt.pieces)+2)
	next = append(next, pt.pieces[:idx]...)
	if left.length > 0 {
		next = append(next, left)
	}
	next = append(next, fresh)
	if right.length > 0 {
		next = append(next, right)
	}
	next = append(next, pt.pieces[idx+1:]...)
	pt.pieces = next
	return nil
}

// Delete removes n runes starting at pos. The whole range must exist.
func (pt *PieceTable) Delete(pos, n int) error {
	if pos < 0 || n < 0 || pos+n > pt.Len() {
		return ErrMalformedOperation
	}
	remain := n
	idx, offset := pt.locate(pos)

	for remain > 0 && idx < len(pt.pieces) {
		cur := &pt.pieces[idx]
		avail := cur.length - offset
		if avail <= 0 {
			idx++
			offset = 0
			continue
		}
		take := remain
		if take > avail {
			take = avail
		}

		if offset == 0 && take == cur.length {
			// Whole piece goes away; idx now points at the next piece.
			pt.pieces = append(pt.pieces[:idx], pt.pieces[idx+1:]...)
		} else {
			leftLen := offset
			rightLen := cur.length - offset - take

			next := make([]piece, 0, len(pt.pieces)+1)
			next = append(next, pt.pieces[:idx]...)
			if leftLen > 0 {
				next = append(next, piece{buf: cur.buf, offset: cur.offset, length: leftLen})
			}
			if rightLen > 0 {
				next = append(next, piece{buf: cur.buf, offset: cur.offset + offset + take, length: rightLen})
			}
			rest := idx + 1
			next = append(next, pt.pieces[rest:]...)
			pt.pieces = next
			if leftLen > 0 {
				idx++
			}
			offset = 0
		}
		remain -= take
	}
	return nil
}

// Replace swaps the entire field content. Used for update operations, which
// are whole-value by contract.
func (pt *PieceTable) Replace(text string) {
	r := []rune(text)
	pt.original = r
	pt.add = nil
	pt.pieces = nil
	if len(r) > 0 {
		pt.pieces = []piece{{buf: bufOriginal, offset: 0, length: len(r)}}
	}
}

// locate maps a logical rune position to a piece index plus the offset
// inside that piece.
func (pt *PieceTable) locate(pos int) (idx int, offset int) {
	cur := 0
	for i, p := range pt.pieces {
		if pos < cur+p.length {
			return i, pos - cur
		}
		cur += p.length
	}
	return len(pt.pieces), 0
}
