package corert

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/joeycumines/logiface"
)

// shardEvent is the logiface.Event implementation backing every logger used
// by this package. It is intentionally unstructured beyond a field map: the
// shard itself has no opinion on log sinks, only on what gets logged.
type shardEvent struct {
	logiface.UnimplementedEvent
	level  logiface.Level
	msg    string
	err    error
	fields []eventField
}

type eventField struct {
	key string
	val any
}

func (e *shardEvent) Level() logiface.Level { return e.level }

func (e *shardEvent) AddField(key string, val any) {
	e.fields = append(e.fields, eventField{key: key, val: val})
}

func (e *shardEvent) AddMessage(msg string) bool {
	e.msg = msg
	return true
}

func (e *shardEvent) AddError(err error) bool {
	e.err = err
	return true
}

func (e *shardEvent) reset() {
	e.level = logiface.LevelDisabled
	e.msg = ""
	e.err = nil
	e.fields = e.fields[:0]
}

var shardEventPool = sync.Pool{New: func() any { return new(shardEvent) }}

type shardEventFactory struct{}

func (shardEventFactory) NewEvent(level logiface.Level) *shardEvent {
	e := shardEventPool.Get().(*shardEvent)
	e.level = level
	return e
}

type shardEventReleaser struct{}

func (shardEventReleaser) ReleaseEvent(e *shardEvent) {
	e.reset()
	shardEventPool.Put(e)
}

// textWriter renders a shardEvent as a single line of "key=value" pairs,
// mirroring the teacher's plain-text DefaultLogger output, but routed through
// logiface instead of the teacher's bespoke Logger/LogEntry surface.
type textWriter struct {
	out io.Writer
	mu  sync.Mutex
}

func (w *textWriter) Write(e *shardEvent) error {
	var b strings.Builder
	b.WriteString(time.Now().UTC().Format(time.RFC3339Nano))
	b.WriteByte(' ')
	b.WriteString(levelName(e.level))
	if e.msg != "" {
		b.WriteString(" msg=")
		b.WriteString(strconvQuote(e.msg))
	}
	if e.err != nil {
		b.WriteString(" err=")
		b.WriteString(strconvQuote(e.err.Error()))
	}
	for _, f := range e.fields {
		b.WriteByte(' ')
		b.WriteString(f.key)
		b.WriteByte('=')
		fmt.Fprintf(&b, "%v", f.val)
	}
	b.WriteByte('\n')

	w.mu.Lock()
	defer w.mu.Unlock()
	_, err := io.WriteString(w.out, b.String())
	return err
}

func strconvQuote(s string) string {
	if !strings.ContainsAny(s, " \t\n\"") {
		return s
	}
	return fmt.Sprintf("%q", s)
}

func levelName(l logiface.Level) string {
	switch l {
	case logiface.LevelEmergency:
		return "EMERG"
	case logiface.LevelAlert:
		return "ALERT"
	case logiface.LevelCritical:
		return "CRIT"
	case logiface.LevelError:
		return "ERROR"
	case logiface.LevelWarning:
		return "WARN"
	case logiface.LevelNotice:
		return "NOTICE"
	case logiface.LevelInformational:
		return "INFO"
	case logiface.LevelDebug:
		return "DEBUG"
	case logiface.LevelTrace:
		return "TRACE"
	default:
		return "DISABLED"
	}
}

// NewLogger builds a logiface.Logger writing text lines to w at or above
// minLevel. Passing a nil w defaults to os.Stderr.
func NewLogger(w io.Writer, minLevel logiface.Level) *logiface.Logger[*shardEvent] {
	if w == nil {
		w = os.Stderr
	}
	return logiface.New[*shardEvent](
		logiface.WithEventFactory[*shardEvent](shardEventFactory{}),
		logiface.WithEventReleaser[*shardEvent](shardEventReleaser{}),
		logiface.WithWriter[*shardEvent](&textWriter{out: w}),
		logiface.WithLevel[*shardEvent](minLevel),
	)
}

// noopLogger is used by Shard instances constructed without WithLogger,
// mirroring the teacher's getGlobalLogger/NewNoOpLogger fallback.
var noopLogger = logiface.New[*shardEvent](
	logiface.WithEventFactory[*shardEvent](shardEventFactory{}),
	logiface.WithLevel[*shardEvent](logiface.LevelDisabled),
)

// reportUnhandledException implements the report_unhandled_exception hook
// (§6): an exception propagated out of a task's top-level run, with no
// remaining continuation to observe it.
func reportUnhandledException(logger *logiface.Logger[*shardEvent], err error) {
	if logger == nil {
		logger = noopLogger
	}
	logger.Crit().Err(err).Log("unhandled exception escaped task")
}

// reportBrokenPromise implements the report_broken_promise hook (§6): a
// promise's backing state became unreachable without ever being resolved.
// originContext is the optional debug-mode creation-stack annotation.
func reportBrokenPromise(logger *logiface.Logger[*shardEvent], err error, originContext string) {
	if logger == nil {
		logger = noopLogger
	}
	b := logger.Warning().Err(err)
	if originContext != "" {
		b = b.Str("origin", originContext)
	}
	b.Log("broken promise: dropped without being settled")
}
