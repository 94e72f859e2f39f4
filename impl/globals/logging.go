package globals

import (
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/aceeric/ocisync/impl/helpers"
	log "github.com/sirupsen/logrus"
)

const msg = "registry %s %s status=%d latency=%s"

// ConfigureLogging sets the logger level and, if 'logFile' is not the empty
// string, directs the log to the file.
func ConfigureLogging(level string, logFile string) {
	log.SetLevel(xlatLogLevel(level))
	//log.SetFormatter(&log.JSONFormatter{})
	log.SetFormatter(&log.TextFormatter{})
	if logFile != "" {
		f, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			log.Errorf("unable to open log file %s, logging to the console: %s", logFile, err)
			return
		}
		log.SetOutput(f)
	}
}

// xlatLogLevel translates the passed 'level' string to a logger const
func xlatLogLevel(level string) log.Level {
	switch strings.ToUpper(level) {
	case "DEBUG":
		return log.DebugLevel
	case "INFO":
		return log.InfoLevel
	case "WARN":
		return log.WarnLevel
	case "ERROR":
		return log.ErrorLevel
	case "TRACE":
		return log.TraceLevel
	}
	return log.FatalLevel
}

// loggingTransport logs each registry request at debug level
type loggingTransport struct {
	next http.RoundTripper
}

// NewLoggingTransport wraps the passed round tripper with one that logs every
// request and response status. If 'next' is nil the default transport is wrapped.
func NewLoggingTransport(next http.RoundTripper) http.RoundTripper {
	if next == nil {
		next = http.DefaultTransport
	}
	return &loggingTransport{next: next}
}

func (t *loggingTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	start := time.Now()
	resp, err := t.next.RoundTrip(req)
	if !log.IsLevelEnabled(log.DebugLevel) {
		return resp, err
	}
	// digests clutter the logs so shorten them
	uri := helpers.ShortenDigests(req.URL.Redacted())
	if err != nil {
		log.Debugf("registry %s %s error=%s latency=%s", req.Method, uri, err, time.Since(start))
		return resp, err
	}
	log.Debugf(msg, req.Method, uri, resp.StatusCode, time.Since(start))
	return resp, err
}
