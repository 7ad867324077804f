package detector

// Buffer is the caller-owned scratch region shared by calibration, prepare
// and process calls. Each mutating call advances the generation counter;
// views handed out by process are pinned to the generation they were
// produced in and refuse access once it moves on. That makes the
// valid-until-the-next-call aliasing contract checkable instead of a
// documentation footnote.
type Buffer struct {
	data []byte
	gen  uint64
}

// NewBuffer wraps a caller-allocated byte slice. The slice must be at least
// Sizes.Buffer bytes for the bound configuration; undersized buffers are
// rejected at every call site, not here.
func NewBuffer(data []byte) *Buffer {
	return &Buffer{data: data}
}

// Len returns the usable size of the buffer in bytes.
func (b *Buffer) Len() int { return len(b.data) }

// Generation returns the current mutation generation.
func (b *Buffer) Generation() uint64 { return b.gen }

// advance marks the start of a mutating call and returns the new generation.
func (b *Buffer) advance() uint64 {
	b.gen++
	return b.gen
}

// bytes exposes the raw storage to the owning call.
func (b *Buffer) bytes() []byte { return b.data }

// view is embedded in results that point into the buffer. Access checks the
// pinned generation first.
type view struct {
	buf *Buffer
	gen uint64
}

// Valid reports whether the underlying buffer is still in the generation the
// view was produced in.
func (v view) Valid() bool {
	return v.buf != nil && v.buf.gen == v.gen
}

func (v view) check() error {
	if !v.Valid() {
		return ErrStaleResult
	}
	return nil
}
