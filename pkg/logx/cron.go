package logx

import (
	"fmt"

	"github.com/robfig/cron/v3"
)

// CronLogger adapts l to robfig/cron's Logger interface.
//
// cron reports routine scheduling at Info; those are demoted to Debug so a
// millisecond-period schedule does not flood the console.
func CronLogger(l Logger) cron.Logger {
	if l.IsZero() {
		l = Nop()
	}
	return cronLogger{l: l}
}

type cronLogger struct{ l Logger }

func (c cronLogger) Info(msg string, keysAndValues ...interface{}) {
	if !c.l.Enabled(LevelDebug) {
		return
	}
	c.l.Debug("cron: "+msg, kvFields(keysAndValues)...)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	fields := append([]Field{Err(err)}, kvFields(keysAndValues)...)
	c.l.Error("cron: "+msg, fields...)
}

func kvFields(kv []interface{}) []Field {
	out := make([]Field, 0, (len(kv)+1)/2)
	for i := 0; i < len(kv); i += 2 {
		key := fmt.Sprint(kv[i])
		if i+1 >= len(kv) {
			out = append(out, String(key, "<missing>"))
			break
		}
		out = append(out, Any(key, kv[i+1]))
	}
	return out
}
