package eventloop

import (
	"bytes"
	"runtime"
	"strconv"
)

// goroutineID parses the current goroutine's id out of its stack header
// ("goroutine 42 [running]:").
func goroutineID() int64 {
	var buf [64]byte
	n := runtime.Stack(buf[:], false)
	b := bytes.TrimPrefix(buf[:n], []byte("goroutine "))
	if i := bytes.IndexByte(b, ' '); i > 0 {
		b = b[:i]
	}
	id, err := strconv.ParseInt(string(b), 10, 64)
	if err != nil {
		return 0
	}
	return id
}

// goroutineStack returns the stack of goroutine id, or "" if it is gone.
func goroutineStack(id int64) string {
	if id == 0 {
		return ""
	}
	buf := make([]byte, 64<<10)
	for {
		n := runtime.Stack(buf, true)
		if n < len(buf) {
			buf = buf[:n]
			break
		}
		if len(buf) >= 16<<20 {
			break
		}
		buf = make([]byte, len(buf)*2)
	}

	header := []byte("goroutine " + strconv.FormatInt(id, 10) + " [")
	for _, block := range bytes.Split(buf, []byte("\n\n")) {
		if bytes.HasPrefix(block, header) {
			return string(block)
		}
	}
	return ""
}
