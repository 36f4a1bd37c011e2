package common

import (
	"context"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/golang/glog"
	lperrors "github.com/livepeer/swarm-ingest/errors"
)

// Defaults for network calls towards the storage node.
var (
	DefaultRetries    = 3
	DefaultRetryDelay = 250 * time.Millisecond
)

// RetryResult tells how a bounded retry loop ended.
type RetryResult struct {
	Attempts  int
	Exhausted bool
	Err       error
}

func (r RetryResult) OK() bool {
	return r.Err == nil
}

// Retry runs op until it succeeds, up to 1+retries attempts spaced by a fixed
// delay. An op returning errors.Permanent stops the loop right away.
func Retry(ctx context.Context, desc string, retries int, delay time.Duration, op func() error) RetryResult {
	if retries < 0 {
		retries = 0
	}
	res := RetryResult{}
	permanent := false
	// WithMaxRetries treats 0 as unlimited
	var b backoff.BackOff = &backoff.StopBackOff{}
	if retries > 0 {
		b = backoff.WithMaxRetries(backoff.NewConstantBackOff(delay), uint64(retries))
	}
	boff := backoff.WithContext(b, ctx)
	wrapped := func() error {
		res.Attempts++
		err := op()
		var pe *lperrors.PermanentError
		if lperrors.As(err, &pe) {
			permanent = true
			return backoff.Permanent(pe.Err)
		}
		return err
	}
	notify := func(err error, next time.Duration) {
		glog.Warningf("Retrying %s attempt=%d left=%d next=%s err=%q", desc, res.Attempts, retries+1-res.Attempts, next, err)
	}
	res.Err = backoff.RetryNotify(wrapped, boff, notify)
	if res.Err != nil && !permanent && ctx.Err() == nil {
		res.Exhausted = true
	}
	return res
}

// RetryDefault is Retry with DefaultRetries and DefaultRetryDelay.
func RetryDefault(ctx context.Context, desc string, op func() error) RetryResult {
	return Retry(ctx, desc, DefaultRetries, DefaultRetryDelay, op)
}
