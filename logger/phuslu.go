package logger

import (
	"fmt"
	"time"

	phlog "github.com/oarkflow/log"
)

// PhusluLogger writes through the phuslu-style oarkflow/log package. It is
// the default logger.
type PhusluLogger struct {
	fields []any
}

func NewPhusluLogger() *PhusluLogger { return &PhusluLogger{} }

func (p *PhusluLogger) Debug(msg string, keyvals ...any) {
	p.write(phlog.Debug(), msg, keyvals)
}

func (p *PhusluLogger) Info(msg string, keyvals ...any) {
	p.write(phlog.Info(), msg, keyvals)
}

func (p *PhusluLogger) Warn(msg string, keyvals ...any) {
	p.write(phlog.Warn(), msg, keyvals)
}

func (p *PhusluLogger) Error(msg string, keyvals ...any) {
	p.write(phlog.Error(), msg, keyvals)
}

func (p *PhusluLogger) With(keyvals ...any) Logger {
	return &PhusluLogger{fields: merge(p.fields, keyvals)}
}

func (p *PhusluLogger) write(b *phlog.Entry, msg string, keyvals []any) {
	kv := merge(p.fields, keyvals)
	for i := 0; i < len(kv)-1; i += 2 {
		ks := fmt.Sprint(kv[i])
		switch vv := kv[i+1].(type) {
		case string:
			b = b.Str(ks, vv)
		case bool:
			b = b.Bool(ks, vv)
		case int:
			b = b.Int(ks, vv)
		case int64:
			b = b.Int64(ks, vv)
		case float64:
			b = b.Float64(ks, vv)
		case time.Duration:
			b = b.Dur(ks, vv)
		case error:
			b = b.Str(ks, vv.Error())
		default:
			b = b.Any(ks, vv)
		}
	}
	b.Msg(msg)
}
