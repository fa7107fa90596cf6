package conn

import (
	"net"
	"strings"

	"github.com/sirupsen/logrus"
)

// VerboseLogs makes condLog emit a debug line for the errors it treats
// as expected at shutdown, which are otherwise not logged at all. Off
// by default. It does not add per-frame or per-event logging.
var VerboseLogs = false

// condLog logs err against log at warning level, except for the
// handful of errors Close/beginClosingLocked provoke on purpose
// (a deadline forced onto a blocked read or write), which are only
// worth a debug line.
func condLog(log logrus.FieldLogger, err error, msg string) {
	if err == nil {
		return
	}
	if isExpectedCloseError(err) {
		if VerboseLogs {
			log.WithError(err).Debug(msg)
		}
		return
	}
	log.WithError(err).Warn(msg)
}

func isExpectedCloseError(err error) bool {
	if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
		return true
	}
	return strings.Contains(err.Error(), "use of closed network connection")
}
