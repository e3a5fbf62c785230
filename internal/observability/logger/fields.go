package logger

import (
	"time"

	"go.uber.org/zap"
)

func Component(v string) zap.Field { return zap.String("component", v) }

func Op(v string) zap.Field { return zap.String("op", v) }

func Err(err error) zap.Field { return zap.Error(err) }

func String(k, v string) zap.Field { return zap.String(k, v) }

func Int(k string, v int) zap.Field { return zap.Int(k, v) }

// HTTP

func Method(v string) zap.Field { return zap.String("method", v) }

func Path(v string) zap.Field { return zap.String("path", v) }

func Status(v int) zap.Field { return zap.Int("status", v) }

func Duration(v time.Duration) zap.Field { return zap.Duration("duration", v) }

// Domain

// FormToken logs only a prefix of the token; the full value grants access to the form.
func FormToken(v string) zap.Field {
	if len(v) > 8 {
		v = v[:8] + "..."
	}
	return zap.String("form_token", v)
}

func TemplateID(v string) zap.Field { return zap.String("template_id", v) }

func CaseID(v string) zap.Field { return zap.String("case_id", v) }

func Actor(v string) zap.Field { return zap.String("actor", v) }

func Provider(v string) zap.Field { return zap.String("provider", v) }

func Mailbox(v string) zap.Field { return zap.String("mailbox", v) }

func MessageID(v string) zap.Field { return zap.String("message_id", v) }
