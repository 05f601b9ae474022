package process

import (
	"context"
	"sync"
	"time"
)

// FakeRunner 测试用的内存 Runner。Handler 决定每次调用的结果，可以写文件模拟工具，
// Handler 为 nil 时返回成功
type FakeRunner struct {
	Handler func(ctx context.Context, cmd Command) *Result
	Delay   time.Duration

	mu          sync.Mutex
	calls       []Command
	inFlight    int
	maxInFlight int
}

func (f *FakeRunner) Run(ctx context.Context, cmd Command) *Result {
	f.mu.Lock()
	f.calls = append(f.calls, cmd)
	f.inFlight++
	if f.inFlight > f.maxInFlight {
		f.maxInFlight = f.inFlight
	}
	f.mu.Unlock()

	defer func() {
		f.mu.Lock()
		f.inFlight--
		f.mu.Unlock()
	}()

	if f.Delay > 0 {
		select {
		case <-time.After(f.Delay):
		case <-ctx.Done():
			return &Result{Command: cmd, Outcome: Canceled, ExitCode: -1, Err: ctx.Err()}
		}
	}

	if f.Handler == nil {
		return &Result{Command: cmd, Outcome: Success}
	}
	res := f.Handler(ctx, cmd)
	if res == nil {
		res = &Result{Outcome: Success}
	}
	res.Command = cmd
	return res
}

// Calls 统计某个工具的调用次数，"" 统计全部
func (f *FakeRunner) Calls(tool string) int {
	f.mu.Lock()
	defer f.mu.Unlock()

	n := 0
	for _, c := range f.calls {
		if tool == "" || c.Tool() == tool {
			n++
		}
	}
	return n
}

// Commands 返回所有记录的命令副本
func (f *FakeRunner) Commands() []Command {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Command(nil), f.calls...)
}

// MaxInFlight 观察到的最大并发 Run 数
func (f *FakeRunner) MaxInFlight() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.maxInFlight
}
