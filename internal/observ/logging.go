package observ

import (
	"encoding/json"
	"io"
	"os"
	"sync"
	"time"
)

// One JSON object per line on stdout. Events are named in snake_case past
// tense ("breaker_tripped", "collector_skipped") so log search stays cheap.

var logMu sync.Mutex
var logOut io.Writer = os.Stdout

// SetLogOutput redirects log lines, mainly so tests can capture them.
func SetLogOutput(w io.Writer) {
	logMu.Lock()
	defer logMu.Unlock()
	logOut = w
}

// Log emits a single structured line. The caller's map is not mutated;
// "ts" and "event" are reserved and always overwrite caller values.
func Log(event string, kv map[string]any) {
	line := make(map[string]any, len(kv)+2)
	for k, v := range kv {
		line[k] = v
	}
	line["ts"] = time.Now().UTC().Format(time.RFC3339Nano)
	line["event"] = event

	b, err := json.Marshal(line)
	if err != nil {
		// A field that can't marshal (channels, cycles) shouldn't take
		// the whole line down with it.
		b, _ = json.Marshal(map[string]any{
			"ts":    line["ts"],
			"event": event,
			"error": "unmarshalable log fields",
		})
	}

	logMu.Lock()
	defer logMu.Unlock()
	_, _ = logOut.Write(append(b, '\n'))
}
