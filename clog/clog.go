/*
Package clog provides Context with logging information.
*/
package clog

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/golang/glog"
)

// unique type to prevent assignment.
type clogContextKeyT struct{}

var clogContextKey = clogContextKeyT{}

const (
	// standard keys
	streamPath = "streamPath"
	sessionID  = "sessionID"
	mediaType  = "mediatype"
	segment    = "segment"
	feedIndex  = "feedIndex"
)

// Verbose is a boolean type that implements Infof (like Printf) etc.
// See the documentation of V for more information.
type Verbose bool

var stdKeys map[string]bool
var stdKeysOrder = []string{streamPath, sessionID, mediaType, segment, feedIndex}

func init() {
	stdKeys = make(map[string]bool)
	for _, key := range stdKeysOrder {
		stdKeys[key] = true
	}
}

func V(level glog.Level) Verbose {
	return Verbose(bool(glog.V(level)))
}

type values struct {
	mu    sync.RWMutex
	vals  map[string]string
	order []string
}

func newValues() *values {
	return &values{
		vals: make(map[string]string),
	}
}

func (v *values) set(key, val string) {
	if _, ok := v.vals[key]; !ok && !stdKeys[key] {
		v.order = append(v.order, key)
	}
	v.vals[key] = val
}

// Clone creates new context with parentCtx as parent and
// logging details from logCtx
func Clone(parentCtx, logCtx context.Context) context.Context {
	cmap, _ := logCtx.Value(clogContextKey).(*values)
	newCmap := newValues()
	if cmap != nil {
		cmap.mu.RLock()
		for _, k := range stdKeysOrder {
			if v, ok := cmap.vals[k]; ok {
				newCmap.set(k, v)
			}
		}
		for _, k := range cmap.order {
			newCmap.set(k, cmap.vals[k])
		}
		cmap.mu.RUnlock()
	}
	return context.WithValue(parentCtx, clogContextKey, newCmap)
}

func AddStreamPath(ctx context.Context, val string) context.Context {
	return AddVal(ctx, streamPath, val)
}

func AddSessionID(ctx context.Context, val string) context.Context {
	return AddVal(ctx, sessionID, val)
}

func AddMediaType(ctx context.Context, val string) context.Context {
	return AddVal(ctx, mediaType, val)
}

func AddSegment(ctx context.Context, val string) context.Context {
	return AddVal(ctx, segment, val)
}

func AddFeedIndex(ctx context.Context, val uint64) context.Context {
	return AddVal(ctx, feedIndex, strconv.FormatUint(val, 10))
}

// AddVal stores the value on the context, creating a fresh value map when the
// context has none. The map is shared with contexts derived from ctx, use Clone
// to fork it.
func AddVal(ctx context.Context, key, val string) context.Context {
	cmap, _ := ctx.Value(clogContextKey).(*values)
	if cmap == nil {
		cmap = newValues()
		ctx = context.WithValue(ctx, clogContextKey, cmap)
	}
	cmap.mu.Lock()
	cmap.set(key, val)
	cmap.mu.Unlock()
	return ctx
}

func GetVal(ctx context.Context, key string) string {
	cmap, _ := ctx.Value(clogContextKey).(*values)
	if cmap == nil {
		return ""
	}
	cmap.mu.RLock()
	defer cmap.mu.RUnlock()
	return cmap.vals[key]
}

func Warningf(ctx context.Context, format string, args ...interface{}) {
	msg, _ := formatMessage(ctx, false, format, args...)
	glog.WarningDepth(1, msg)
}

func Errorf(ctx context.Context, format string, args ...interface{}) {
	msg, _ := formatMessage(ctx, false, format, args...)
	glog.ErrorDepth(1, msg)
}

func Fatalf(ctx context.Context, format string, args ...interface{}) {
	msg, _ := formatMessage(ctx, false, format, args...)
	glog.FatalDepth(1, msg)
}

func Infof(ctx context.Context, format string, args ...interface{}) {
	infof(ctx, false, format, args...)
}

// InfofErr treats the last argument as an error. A nil error logs at info
// level, a non-nil one at error level with err="..." appended.
func InfofErr(ctx context.Context, format string, args ...interface{}) {
	infof(ctx, true, format, args...)
}

func infof(ctx context.Context, lastErr bool, format string, args ...interface{}) {
	msg, isErr := formatMessage(ctx, lastErr, format, args...)
	if isErr {
		glog.ErrorDepth(2, msg)
		return
	}
	glog.InfoDepth(2, msg)
}

// Infof is equivalent to the global Infof function, guarded by the value of v.
// See the documentation of V for usage.
func (v Verbose) Infof(ctx context.Context, format string, args ...interface{}) {
	if v {
		infof(ctx, false, format, args...)
	}
}

func messageFromContext(ctx context.Context, sb *strings.Builder) {
	if ctx == nil {
		return
	}
	cmap, _ := ctx.Value(clogContextKey).(*values)
	if cmap == nil {
		return
	}
	cmap.mu.RLock()
	for _, key := range stdKeysOrder {
		if val, ok := cmap.vals[key]; ok {
			sb.WriteString(key)
			sb.WriteString("=")
			sb.WriteString(val)
			sb.WriteString(" ")
		}
	}
	for _, key := range cmap.order {
		sb.WriteString(key)
		sb.WriteString("=")
		sb.WriteString(cmap.vals[key])
		sb.WriteString(" ")
	}
	cmap.mu.RUnlock()
}

func formatMessage(ctx context.Context, lastErr bool, format string, args ...interface{}) (string, bool) {
	var err error
	if lastErr && len(args) > 0 {
		if e, ok := args[len(args)-1].(error); ok {
			err = e
		}
		args = args[:len(args)-1]
	}
	var sb strings.Builder
	messageFromContext(ctx, &sb)
	sb.WriteString(fmt.Sprintf(format, args...))
	if err != nil {
		sb.WriteString(fmt.Sprintf(" err=%q", err.Error()))
	}
	return sb.String(), err != nil
}
