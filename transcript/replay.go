package transcript

import (
	"bufio"
	"encoding/json"
	"os"
)

// Replay reads every well-formed event from a journal file in order. A
// truncated final line (a partial write observed mid-append) is silently
// ignored rather than surfaced as an error.
func Replay(path string) ([]Event, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 8*1024*1024)
	var events []Event
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var ev Event
		if err := json.Unmarshal(line, &ev); err != nil {
			// Partial/corrupt tail: stop here rather than erroring, since a
			// crash mid-append can only ever truncate the last line.
			break
		}
		events = append(events, ev)
	}
	return events, scanner.Err()
}
