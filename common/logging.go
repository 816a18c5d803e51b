// Package common provides the shared logging infrastructure for the WEAVE
// sync engine. It implements output routing that directs error messages to
// stderr while all other levels go to stdout, so containerized deployments
// and shell pipelines can treat the two streams differently.
//
// The logging system is built on logrus for structured logging. Every
// component of the engine logs through the global Logger (usually via a
// component-tagged entry obtained from Component), which keeps field names
// and formatting uniform across the orchestrator, the ACL pipeline, the
// destinations and the CLI.
//
// Key Features:
//   - Automatic output stream routing based on log level
//   - Structured logging with JSON and text format support
//   - Container-friendly stream separation for log aggregation
//   - Global logger instance plus per-component child entries
//
// Output Routing Strategy:
//
//	Error-level messages are directed to stderr (for immediate attention
//	and alerting) while info, debug, and warning messages go to stdout
//	(for general log processing).
package common

import (
	"bytes"
	"os"

	"github.com/sirupsen/logrus"
)

// OutputSplitter routes formatted log lines to stdout or stderr based on
// their severity. It examines the final logrus output for the literal
// "level=error" marker, which is stable across the formatter
// configurations used by the engine.
//
// Routing Logic:
//   - Error messages (containing "level=error") → stderr
//   - All other messages (info, debug, warn) → stdout
//
// The check is a plain byte scan with no allocation, so the splitter is
// suitable for the per-entity logging volume a large sync produces. It is
// safe for concurrent use; the underlying OS streams serialize writes.
type OutputSplitter struct{}

// Write implements io.Writer for the OutputSplitter, sending error-level
// lines to stderr and everything else to stdout. Write errors from the
// underlying stream are returned unchanged, preserving the io.Writer
// contract for logrus.
func (splitter *OutputSplitter) Write(p []byte) (n int, err error) {
	if bytes.Contains(p, []byte("level=error")) {
		return os.Stderr.Write(p)
	}
	return os.Stdout.Write(p)
}

// Logger is the global logger for the WEAVE sync engine. It is
// pre-configured with the OutputSplitter; deployments customize format and
// level after import:
//
//	common.Logger.SetFormatter(&logrus.JSONFormatter{})
//	common.Logger.SetLevel(logrus.InfoLevel)
//
// Components should prefer Component(name) over using Logger directly so
// that every line carries its origin:
//
//	log := common.Component("orchestrator")
//	log.WithField("sync_job_id", jobID).Info("job started")
var Logger = logrus.New()

// Component returns a child entry tagged with the given component name.
// All engine subsystems (orchestrator, acl, pubsub, destinations, queue,
// api) log through such an entry.
func Component(name string) *logrus.Entry {
	return Logger.WithField("component", name)
}

func init() {
	Logger.SetOutput(&OutputSplitter{})
}
