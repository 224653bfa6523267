package logger

import (
	"bytes"
	"fmt"
	"io"
	"log"
	"strings"

	"github.com/hashicorp/go-retryablehttp"
)

type adapterLevel int

const (
	adapterLevelDebug adapterLevel = iota
	adapterLevelInfo
	adapterLevelWarn
)

// writerAdapter implements io.Writer and forwards each write as one log line.
type writerAdapter struct {
	l     Interface
	level adapterLevel
}

func (w writerAdapter) Write(p []byte) (n int, err error) {
	msg := string(bytes.TrimRight(p, "\r\n"))

	switch w.level {
	case adapterLevelDebug:
		w.l.Debug("%s", msg)
	case adapterLevelInfo:
		w.l.Info("%s", msg)
	default:
		w.l.Warn("%s", msg)
	}

	return len(p), nil
}

// RedirectStdLog routes the standard library log output through l.
func RedirectStdLog(l Interface) {
	log.SetFlags(0)
	log.SetOutput(writerAdapter{l: l, level: adapterLevelWarn})
}

// DebugWriter returns a writer logging every line at debug level.
// Console transcripts are teed through it.
func DebugWriter(l Interface) io.WriteCloser {
	return writerAdapter{l: l, level: adapterLevelDebug}
}

// Close lets DebugWriter satisfy io.WriteCloser.
func (w writerAdapter) Close() error { return nil }

type leveled struct {
	l Interface
}

var _ retryablehttp.LeveledLogger = leveled{}

// RetryableHTTP adapts l to the retryablehttp leveled logger.
func RetryableHTTP(l Interface) retryablehttp.LeveledLogger {
	return leveled{l: l}
}

func (a leveled) Error(msg string, kv ...interface{}) { a.l.Error("%s%s", msg, pairs(kv)) }
func (a leveled) Info(msg string, kv ...interface{})  { a.l.Info("%s%s", msg, pairs(kv)) }
func (a leveled) Debug(msg string, kv ...interface{}) { a.l.Debug("%s%s", msg, pairs(kv)) }
func (a leveled) Warn(msg string, kv ...interface{})  { a.l.Warn("%s%s", msg, pairs(kv)) }

func pairs(kv []interface{}) string {
	if len(kv) == 0 {
		return ""
	}
	var b strings.Builder
	for i := 0; i < len(kv); i += 2 {
		b.WriteByte(' ')
		if i+1 < len(kv) {
			fmt.Fprintf(&b, "%v=%v", kv[i], kv[i+1])
		} else {
			fmt.Fprintf(&b, "%v", kv[i])
		}
	}
	return b.String()
}
