package progress

import "io"

// Reader wraps an io.Reader and reports cumulative bytes through a callback
// every interval bytes, and once more when the first 5% has been read.
type Reader struct {
	Reader     io.Reader
	Total      int64
	OnProgress func(read int64, total int64)

	read     int64
	sinceCb  int64
	interval int64
}

func NewReader(r io.Reader, total int64, interval int64, cb func(read int64, total int64)) *Reader {
	return &Reader{
		Reader:     r,
		Total:      total,
		OnProgress: cb,
		interval:   interval,
	}
}

func (pr *Reader) Read(p []byte) (int, error) {
	n, err := pr.Reader.Read(p)
	if n > 0 {
		prev := pr.read
		pr.read += int64(n)
		pr.sinceCb += int64(n)

		crossedFirstStep := pr.Total > 0 && pr.read*100/pr.Total >= 5 && prev*100/pr.Total < 5
		if pr.OnProgress != nil && (pr.sinceCb >= pr.interval || crossedFirstStep) {
			pr.OnProgress(pr.read, pr.Total)
			pr.sinceCb = 0
		}
	}

	return n, err
}

// BytesRead returns the number of bytes consumed so far.
func (pr *Reader) BytesRead() int64 {
	return pr.read
}
