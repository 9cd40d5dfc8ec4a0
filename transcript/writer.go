package transcript

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Writer is the Transcript Writer contract: write(thread_id, event_type,
// payload) -> seq.
type Writer interface {
	// Write appends an event and returns its sequence number. Critical
	// events block until the append is durable; droppable events may be
	// silently dropped under load (oldest-dropped on overflow) and always
	// return a provisional sequence number even when dropped.
	Write(ctx context.Context, threadID, directive string, typ Type, origin string, payload map[string]any) (int64, error)

	// Close closes the journal. Droppable events still queued or waiting on
	// the throttle when Close is called are discarded, not flushed.
	Close() error
}

// FileWriter appends newline-delimited JSON events to a per-thread journal
// file and mirrors a human-readable markdown rendering alongside it
// (`transcript.jsonl` / `transcript.md`).
// Droppable events are throttled to at most one per second using the
// teacher's rate-limiter idiom (golang.org/x/time/rate), with the oldest
// pending droppable event in the queue discarded on overflow.
type FileWriter struct {
	mu     sync.Mutex
	seq    int64
	jsonlF *os.File
	mdF    *os.File
	jsonlW *bufio.Writer
	mdW    *bufio.Writer

	limiter   *rate.Limiter
	pending   chan Event
	done      chan struct{}
	closeOnce sync.Once
}

// NewFileWriter opens (creating parent directories as needed) the journal at
// dir/transcript.jsonl and the rendered view at dir/transcript.md, appending
// to both if they already exist.
func NewFileWriter(dir string) (*FileWriter, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	jsonlF, err := os.OpenFile(filepath.Join(dir, "transcript.jsonl"), os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o644)
	if err != nil {
		return nil, err
	}
	mdF, err := os.OpenFile(filepath.Join(dir, "transcript.md"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		jsonlF.Close()
		return nil, err
	}
	seq, err := lastSeq(jsonlF)
	if err != nil {
		jsonlF.Close()
		mdF.Close()
		return nil, err
	}
	w := &FileWriter{
		seq:     seq,
		jsonlF:  jsonlF,
		mdF:     mdF,
		jsonlW:  bufio.NewWriter(jsonlF),
		mdW:     bufio.NewWriter(mdF),
		limiter: rate.NewLimiter(rate.Limit(1), 1),
		pending: make(chan Event, 256),
		done:    make(chan struct{}),
	}
	go w.drainDroppable()
	return w, nil
}

// lastSeq scans an existing journal for its highest sequence number,
// ignoring a truncated final line ("on partial-line detection
// during replay, the truncated tail is ignored").
func lastSeq(f *os.File) (int64, error) {
	if _, err := f.Seek(0, 0); err != nil {
		return 0, err
	}
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 8*1024*1024)
	var maxSeq int64
	for scanner.Scan() {
		var ev Event
		if err := json.Unmarshal(scanner.Bytes(), &ev); err != nil {
			continue
		}
		if ev.Seq > maxSeq {
			maxSeq = ev.Seq
		}
	}
	if _, err := f.Seek(0, 2); err != nil {
		return 0, err
	}
	return maxSeq, nil
}

// Write implements Writer.
func (w *FileWriter) Write(_ context.Context, threadID, directive string, typ Type, origin string, payload map[string]any) (int64, error) {
	w.mu.Lock()
	w.seq++
	ev := Event{
		Seq: w.seq, Timestamp: time.Now(), ThreadID: threadID, Directive: directive,
		Type: typ, Origin: origin, Payload: payload,
	}
	w.mu.Unlock()

	if Classify(typ) == Droppable {
		select {
		case w.pending <- ev:
		default:
			// Queue full: drop the oldest pending entry to make room, then
			// enqueue the new one, per "bounded queue, oldest-dropped on
			// overflow".
			select {
			case <-w.pending:
			default:
			}
			select {
			case w.pending <- ev:
			default:
			}
		}
		return ev.Seq, nil
	}
	return ev.Seq, w.appendNow(ev)
}

func (w *FileWriter) drainDroppable() {
	for {
		select {
		case ev := <-w.pending:
			_ = w.limiter.Wait(context.Background())
			_ = w.appendNow(ev)
		case <-w.done:
			return
		}
	}
}

func (w *FileWriter) appendNow(ev Event) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	if _, err := w.jsonlW.Write(data); err != nil {
		return err
	}
	if _, err := w.jsonlW.WriteString("\n"); err != nil {
		return err
	}
	if err := w.jsonlW.Flush(); err != nil {
		return err
	}
	if err := w.jsonlF.Sync(); err != nil {
		return err
	}
	if _, err := w.mdW.WriteString(renderMarkdownLine(ev)); err != nil {
		return err
	}
	return w.mdW.Flush()
}

func renderMarkdownLine(ev Event) string {
	switch ev.Type {
	case TypeCognitionIn:
		return fmt.Sprintf("\n**user** (%s): %v\n", ev.Timestamp.Format(time.RFC3339), ev.Payload["text"])
	case TypeCognitionOut:
		return fmt.Sprintf("\n**%v**: %v\n", ev.Payload["model"], ev.Payload["text"])
	case TypeToolCallStart:
		return fmt.Sprintf("\n> tool `%v` called with `%v`\n", ev.Payload["tool"], ev.Payload["input"])
	case TypeToolCallResult:
		if errMsg, ok := ev.Payload["error"]; ok && errMsg != "" {
			return fmt.Sprintf("> tool call %v failed: %v\n", ev.Payload["call_id"], errMsg)
		}
		return fmt.Sprintf("> tool call %v -> %v\n", ev.Payload["call_id"], ev.Payload["output"])
	default:
		return fmt.Sprintf("_%s_\n", ev.Type)
	}
}

// Close implements Writer.
func (w *FileWriter) Close() error {
	var err error
	w.closeOnce.Do(func() {
		close(w.done)
		w.mu.Lock()
		defer w.mu.Unlock()
		if ferr := w.jsonlW.Flush(); ferr != nil {
			err = ferr
		}
		if ferr := w.mdW.Flush(); ferr != nil && err == nil {
			err = ferr
		}
		if ferr := w.jsonlF.Close(); ferr != nil && err == nil {
			err = ferr
		}
		if ferr := w.mdF.Close(); ferr != nil && err == nil {
			err = ferr
		}
	})
	return err
}

var _ Writer = (*FileWriter)(nil)
