// Package logctx configures the process-wide logrus logger and hands
// out per-component entries, grounded on
// _examples/WhoSoup-factom-p2p/network.go's packageLogger /
// WithField("subpack", ...) convention: every subsystem logs through an
// entry carrying a field that names it ("pkg" in the internal packages,
// "component" for entries from For) rather than through the bare
// package-level logger.
package logctx

import (
	"os"

	"github.com/sirupsen/logrus"
)

// Setup configures the standard logrus logger's level and output
// format. Pass verbose=true for debug-level logging, matching the CLI's
// -v flag.
func Setup(verbose bool) {
	logrus.SetOutput(os.Stdout)
	logrus.SetFormatter(&logrus.TextFormatter{
		FullTimestamp: true,
	})
	if verbose {
		logrus.SetLevel(logrus.DebugLevel)
	} else {
		logrus.SetLevel(logrus.InfoLevel)
	}
}

// For returns a logger entry scoped to component, for packages (like
// cmd/dnsseeder) that don't own a package-level logger of their own.
func For(component string) *logrus.Entry {
	return logrus.WithField("component", component)
}
