package collab

// Buffer is the mutable text behind one document field. Positions are rune
// offsets, not byte offsets.
type Buffer interface {
	Len() int
	Insert(pos int, text string) error
	Delete(pos, n int) error
	Replace(text string)
	String() string
}
