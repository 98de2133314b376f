package launcher

import (
	"bytes"
	"io"
	"sync"
)

// lockedWriter serialises writes from concurrent step goroutines.
type lockedWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (l *lockedWriter) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.w.Write(p)
}

// prefixWriter prepends a tag to every complete line. A trailing partial
// line is held until its newline arrives or Flush is called.
type prefixWriter struct {
	prefix []byte
	w      io.Writer
	buf    []byte
}

func newPrefixWriter(w io.Writer, prefix string) *prefixWriter {
	return &prefixWriter{prefix: []byte(prefix), w: w}
}

func (p *prefixWriter) Write(b []byte) (int, error) {
	p.buf = append(p.buf, b...)
	for {
		i := bytes.IndexByte(p.buf, '\n')
		if i < 0 {
			break
		}
		line := make([]byte, 0, len(p.prefix)+i+1)
		line = append(line, p.prefix...)
		line = append(line, p.buf[:i+1]...)
		if _, err := p.w.Write(line); err != nil {
			return len(b), err
		}
		p.buf = p.buf[i+1:]
	}
	return len(b), nil
}

func (p *prefixWriter) Flush() error {
	if len(p.buf) == 0 {
		return nil
	}
	line := append(append([]byte(nil), p.prefix...), p.buf...)
	line = append(line, '\n')
	p.buf = nil
	_, err := p.w.Write(line)
	return err
}
