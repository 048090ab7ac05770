package observ

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"
	"time"
)

var (
	outMu sync.Mutex
	out   io.Writer = os.Stdout
)

// SetOutput redirects event lines, returning the previous writer.
func SetOutput(w io.Writer) io.Writer {
	outMu.Lock()
	defer outMu.Unlock()
	prev := out
	out = w
	return prev
}

// Log writes one JSON object per line with ts and event fields.
func Log(event string, kv map[string]any) {
	write("info", event, kv)
}

// Warn is Log at warn level; used for degraded-but-handled conditions.
func Warn(event string, kv map[string]any) {
	write("warn", event, kv)
}

func write(level, event string, kv map[string]any) {
	line := make(map[string]any, len(kv)+3)
	for k, v := range kv {
		if err, ok := v.(error); ok {
			v = err.Error()
		}
		line[k] = v
	}
	line["ts"] = time.Now().UTC().Format(time.RFC3339Nano)
	line["event"] = event
	line["level"] = level
	b, _ := json.Marshal(line)

	outMu.Lock()
	defer outMu.Unlock()
	fmt.Fprintln(out, string(b))
}
