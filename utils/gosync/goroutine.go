package gosync

import (
	"context"
	"runtime/debug"

	"github.com/sirupsen/logrus"
)

// Go 封装的go协程工具，会兜住panic，但是目前只能传递ctx
func Go(ctx context.Context, task func(ctx context.Context)) {
	go func(ctx context.Context, f func(ctx context.Context)) {
		defer func() {
			if err := recover(); err != nil {
				logrus.Errorf("[gosync] goroutine panic, err = %v\n%s", err, debug.Stack())
			}
		}()
		f(ctx)
	}(ctx, task)
}

// Try 在当前协程执行f，兜住panic，发生panic时返回false
func Try(name string, f func()) (ok bool) {
	defer func() {
		if err := recover(); err != nil {
			logrus.Warnf("[gosync] %s panic, err = %v", name, err)
			ok = false
		}
	}()
	f()
	return true
}
