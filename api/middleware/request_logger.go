package middleware

import (
	"bytes"
	"fmt"
	"strings"
	"time"

	"github.com/vova616/xxhash"
)

// path prefixes whose next segment identifies a sample
var samplePrefixes = map[string]bool{
	"results": true,
}

type requestLogger struct {
	buf *bytes.Buffer
}

func newRequestLogger() *requestLogger {
	return &requestLogger{
		buf: &bytes.Buffer{},
	}
}

func (r *requestLogger) write(format string, args ...interface{}) {
	fmt.Fprintf(r.buf, format, args...)
}

func (r *requestLogger) requestID(id string) *requestLogger {
	if id != "" {
		r.write("[%s] ", id)
	}
	return r
}

func (r *requestLogger) requestType(reqType string) *requestLogger {
	r.write("%s ", reqType)
	return r
}

// request writes the path with sample identifiers replaced by their hash.
func (r *requestLogger) request(request string) *requestLogger {
	url := strings.Split(request, "?")[0]
	cs := strings.Split(url, "/")
	if len(cs) == 2 && cs[0] == "" && cs[1] == "" {
		r.write("/")
		return r
	}
	hashNext := false
	for _, c := range cs {
		if c == "" {
			continue
		}
		if hashNext {
			r.write("/%#x", xxhash.Checksum32([]byte(c)))
		} else {
			r.write("/%s", c)
		}
		hashNext = samplePrefixes[c]
	}
	return r
}

func (r *requestLogger) params(request string) *requestLogger {
	urlsplit := strings.Split(request, "?")
	if len(urlsplit) > 1 {
		// hash query params
		r.write("?")
		hash := xxhash.Checksum32([]byte(urlsplit[1]))
		r.write("%#x ", hash)
	} else {
		r.buf.WriteString(" ")
	}
	return r
}

func (r *requestLogger) status(status int) *requestLogger {
	r.write("%03d", status)
	return r
}

func (r *requestLogger) duration(duration time.Duration) *requestLogger {
	r.buf.WriteString(" in ")
	r.write("%.2fms", duration.Seconds()*1000)
	return r
}

func (r *requestLogger) render() string {
	return r.buf.String()
}
