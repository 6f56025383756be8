// Package eventstream reads the data lines of a server-sent event stream as
// emitted by LLM providers.
package eventstream

import (
	"bufio"
	"io"
	"strings"
)

// Done is the sentinel payload that ends OpenAI style streams.
const Done = "[DONE]"

const maxLineBytes = 1 << 20

// ReadData calls fn with the payload of every "data:" line in r until the
// stream ends, fn returns stop, or fn returns an error. Comment lines, event
// names and blank lines are skipped. A Done payload ends the stream without
// being passed to fn.
func ReadData(r io.Reader, fn func(data string) (stop bool, err error)) error {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if data == "" {
			continue
		}
		if data == Done {
			return nil
		}
		stop, err := fn(data)
		if err != nil {
			return err
		}
		if stop {
			return nil
		}
	}
	return sc.Err()
}
