package httpapi

import (
	"bytes"
	"net/http"
	"os"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
)

// zlog is the structured logger of the HTTP layer. It discards everything
// until SetLogger is called.
var zlog = zerolog.Nop()

// SetLogger installs a structured logger used by the HTTP layer.
func SetLogger(l zerolog.Logger) { zlog = l }

// parseRequestLevel maps a level name onto zerolog. "" and "off" disable
// request logging, "1" is shorthand for debug and unknown names mean info.
func parseRequestLevel(s string) zerolog.Level {
	switch s {
	case "", "off":
		return zerolog.Disabled
	case "1":
		return zerolog.DebugLevel
	}
	l, err := zerolog.ParseLevel(s)
	if err != nil || l == zerolog.NoLevel {
		return zerolog.InfoLevel
	}
	return l
}

var defaultRequestLevel = parseRequestLevel(os.Getenv("CHATBRIDGE_HTTP_LOG_LEVEL"))

// SetDefaultLogLevel sets the request log level used when neither the "log"
// query parameter nor the X-Log-Level header is present.
func SetDefaultLogLevel(s string) { defaultRequestLevel = parseRequestLevel(s) }

func requestLogLevel(r *http.Request) zerolog.Level {
	if v := r.URL.Query().Get("log"); v != "" {
		return parseRequestLevel(v)
	}
	if v := r.Header.Get("X-Log-Level"); v != "" {
		return parseRequestLevel(v)
	}
	return defaultRequestLevel
}

func levelAllows(lvl, at zerolog.Level) bool { return lvl != zerolog.Disabled && lvl <= at }

// logEnd writes the closing line of a request at info level, or error level
// when err is set.
func logEnd(r *http.Request, lvl zerolog.Level, id string, status int, start time.Time, err error) {
	if (err != nil && !levelAllows(lvl, zerolog.ErrorLevel)) || (err == nil && !levelAllows(lvl, zerolog.InfoLevel)) {
		return
	}
	ev := zlog.Info()
	if err != nil {
		ev = zlog.Error().Err(err)
	}
	if rid := middleware.GetReqID(r.Context()); rid != "" {
		ev = ev.Str("http_request_id", rid)
	}
	ev.Str("request_id", id).Int("status", status).Dur("dur", time.Since(start)).Msg("chat end")
}

// loggingLineWriter logs every complete line written through it at debug level.
type loggingLineWriter struct {
	id  string
	buf []byte
}

func (lw *loggingLineWriter) Write(p []byte) (int, error) {
	lw.buf = append(lw.buf, p...)
	for {
		idx := bytes.IndexByte(lw.buf, '\n')
		if idx < 0 {
			break
		}
		if line := lw.buf[:idx]; len(line) > 0 {
			zlog.Debug().Str("request_id", lw.id).Bytes("line", line).Msg("stream")
		}
		lw.buf = lw.buf[idx+1:]
	}
	return len(p), nil
}
