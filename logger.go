package axproxy

import (
	"io"
	"os"

	"github.com/sirupsen/logrus"
)

// Log is the package-level logger used throughout axproxy. It
// defaults to a discarding, silent logger; SetVerbose installs a
// formatter that prefixes every line with "[axpr]" and writes to
// stdout at debug level.
var Log = logrus.New()

func init() {
	Log.SetOutput(io.Discard)
}

// SetVerbose switches Log between silent and verbose operation. It is
// called once at startup from the CLI's -v/--verbose flag and is not
// safe to call concurrently with logging from the running proxy.
func SetVerbose(verbose bool) {
	if !verbose {
		Log.SetOutput(io.Discard)
		Log.SetLevel(logrus.PanicLevel)
		return
	}
	Log.SetOutput(os.Stdout)
	Log.SetLevel(logrus.DebugLevel)
	Log.SetFormatter(&prefixFormatter{next: &logrus.TextFormatter{FullTimestamp: true}})
}

// prefixFormatter wraps a logrus.Formatter to prepend the "[axpr]"
// literal tag to every message.
type prefixFormatter struct {
	next logrus.Formatter
}

func (f *prefixFormatter) Format(e *logrus.Entry) ([]byte, error) {
	cp := *e
	cp.Message = "[axpr] " + e.Message
	return f.next.Format(&cp)
}
