package progress

import (
	"bytes"
	"math"
	"regexp"
	"strconv"
	"sync"
)

// SteamCMD reports transfer progress as lines like
//
//	Update state (0x61) downloading, progress: 45.23 (1234 / 5678)
var steamProgressRe = regexp.MustCompile(`progress:\s*([0-9]+(?:\.[0-9]+)?)`)

// ParsePercent extracts a 0-100 percentage from one SteamCMD output line.
func ParsePercent(line string) (int, bool) {
	m := steamProgressRe.FindStringSubmatch(line)
	if m == nil {
		return 0, false
	}

	v, err := strconv.ParseFloat(m[1], 64)
	if err != nil {
		return 0, false
	}

	return int(math.Max(0, math.Min(100, math.Floor(v)))), true
}

// LineWriter is an io.Writer that splits its input on newlines (and the
// carriage returns SteamCMD uses for in-place updates), reporting every
// percentage it finds to OnPercent.
type LineWriter struct {
	OnPercent func(percent int)

	mu  sync.Mutex
	buf []byte
}

func NewLineWriter(onPercent func(percent int)) *LineWriter {
	return &LineWriter{OnPercent: onPercent}
}

func (w *LineWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.buf = append(w.buf, p...)

	for {
		i := bytes.IndexAny(w.buf, "\r\n")
		if i < 0 {
			break
		}

		w.emit(w.buf[:i])
		w.buf = w.buf[i+1:]
	}

	return len(p), nil
}

// Flush reports a trailing line that was not newline-terminated.
func (w *LineWriter) Flush() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if len(w.buf) > 0 {
		w.emit(w.buf)
		w.buf = nil
	}
}

func (w *LineWriter) emit(line []byte) {
	if w.OnPercent == nil || len(line) == 0 {
		return
	}

	if pct, ok := ParsePercent(string(line)); ok {
		w.OnPercent(pct)
	}
}
