package upload

import "io"

// Reader wraps an io.Reader and reports the running byte count.
type Reader struct {
	r        io.Reader
	read     int64
	callback func(int64)
}

func NewReader(r io.Reader, cb func(int64)) *Reader {
	return &Reader{r: r, callback: cb}
}

func (pr *Reader) Read(p []byte) (int, error) {
	n, err := pr.r.Read(p)
	if n > 0 {
		pr.read += int64(n)
		if pr.callback != nil {
			pr.callback(pr.read)
		}
	}
	return n, err
}

func (pr *Reader) BytesRead() int64 {
	return pr.read
}
