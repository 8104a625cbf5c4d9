// Package arena implements the bump allocator backing the synthesized
// dynamic-link section buffers dynlink.New allocates (every one except
// .interp's), whose lifetime equals the link itself. Individual frees are
// never permitted;
// the whole arena is released at once when the link session ends.
//
// Grounded on the teacher's bump-pointer arena concept (arena.go), adapted
// from a register-emitting code generator to a plain host-memory allocator.
package arena

// Arena is a bump allocator over a growable set of fixed-size chunks.
// It is not safe for concurrent use; a link session is single-threaded
// per spec.
type Arena struct {
	chunkSize int
	chunks    [][]byte
	used      int // bytes used in the last chunk
}

// New creates an arena that grows in chunks of at least chunkSize bytes;
// a chunkSize below 4096 is raised to 4096.
func New(chunkSize int) *Arena {
	if chunkSize < 4096 {
		chunkSize = 4096
	}
	return &Arena{chunkSize: chunkSize}
}

// Alloc returns a zeroed buffer of n bytes owned by the arena. The
// returned slice stays valid for the arena's lifetime; it is never
// individually freed.
func (a *Arena) Alloc(n int) []byte {
	if n == 0 {
		return nil
	}
	if len(a.chunks) == 0 || a.used+n > len(a.chunks[len(a.chunks)-1]) {
		size := a.chunkSize
		if n > size {
			size = n
		}
		a.chunks = append(a.chunks, make([]byte, size))
		a.used = 0
	}
	last := a.chunks[len(a.chunks)-1]
	buf := last[a.used : a.used+n : a.used+n]
	a.used += n
	return buf
}

// AllocString copies s into arena-owned memory and returns it as a string
// backed by that memory, so that symbol/section names outlive their input
// object's buffer.
func (a *Arena) AllocString(s string) string {
	buf := a.Alloc(len(s))
	copy(buf, s)
	return string(buf)
}

// Reset releases every chunk. Equivalent to destroying and recreating the
// arena; used between independent link sessions in the same process (the
// session-isolation concern spec.md §5 calls out).
func (a *Arena) Reset() {
	a.chunks = nil
	a.used = 0
}
