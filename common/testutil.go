package common

import (
	"go.uber.org/goleak"
)

// IgnoreRoutines goroutines to ignore in tests
func IgnoreRoutines() []goleak.Option {
	// goleak reports every goroutine still running once a test ends; these are
	// long-lived library daemons that are not owned by the code under test.
	funcs2ignore := []string{
		"github.com/golang/glog.(*fileSink).flushDaemon",
		"github.com/golang/glog.(*loggingT).flushDaemon",
		"go.opencensus.io/stats/view.(*worker).start",
		"github.com/patrickmn/go-cache.(*janitor).Run",
		"internal/poll.runtime_pollWait",
	}

	res := make([]goleak.Option, 0, len(funcs2ignore))
	for _, f := range funcs2ignore {
		res = append(res, goleak.IgnoreTopFunction(f))
	}
	return res
}
