package process

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"tubefm/logger"
	"tubefm/metrics"
	"tubefm/model"

	"golang.org/x/sync/semaphore"
)

// Outcome 外部进程调用的分类结果
type Outcome string

const (
	Success      Outcome = "success"
	Timeout      Outcome = "timeout"
	NonZeroExit  Outcome = "non_zero_exit"
	SpawnFailure Outcome = "spawn_failure"
	Canceled     Outcome = "canceled"
)

// Command 描述一次外部调用
type Command struct {
	Path    string
	Args    []string
	Dir     string
	Env     []string // 追加到当前环境变量之后
	Timeout time.Duration
}

// Tool 返回可执行文件名，用于日志和指标
func (c Command) Tool() string {
	return filepath.Base(c.Path)
}

func (c Command) String() string {
	return c.Path + " " + strings.Join(c.Args, " ")
}

// Result 一次调用的结构化结果，输出已截断到上限
type Result struct {
	Command   Command
	Outcome   Outcome
	ExitCode  int
	Stdout    []byte
	Stderr    []byte
	Truncated bool
	Elapsed   time.Duration
	Err       error
}

// OK 进程是否正常运行并以 0 退出
func (r *Result) OK() bool {
	return r != nil && r.Outcome == Success
}

// Excerpt 返回可以安全展示给调用方的 stderr 片段
func (r *Result) Excerpt() string {
	if r == nil {
		return ""
	}
	text := string(r.Stderr)
	if strings.TrimSpace(text) == "" {
		text = string(r.Stdout)
	}
	// 工具的报错一般在最后几行
	if len(text) > 4*model.MaxExcerptLen {
		text = text[len(text)-4*model.MaxExcerptLen:]
	}
	return model.Sanitize(text, model.MaxExcerptLen)
}

// Kind 把结果映射到统一的错误分类
func (r *Result) Kind() model.ErrorKind {
	switch r.Outcome {
	case Timeout:
		return model.KindTimeout
	case NonZeroExit:
		return model.KindNonZeroExit
	case SpawnFailure:
		return model.KindSpawnFailure
	case Canceled:
		return model.KindCanceled
	case Success:
		return ""
	default:
		return model.KindUnknown
	}
}

// AsError 把失败结果转换为 *model.Error，成功时返回 nil
func (r *Result) AsError(op string) *model.Error {
	if r.OK() {
		return nil
	}
	err := r.Err
	if err == nil {
		err = errors.New(string(r.Outcome))
	}
	return model.NewError(r.Kind(), op, err, r.Excerpt())
}

// Runner 执行外部进程的能力接口，测试中用 FakeRunner 替换
type Runner interface {
	Run(ctx context.Context, cmd Command) *Result
}

// Options 配置 ExecRunner
type Options struct {
	MaxConcurrent  int64         // 同时运行的外部进程上限
	MaxOutputBytes int           // 每个输出流保留的字节数
	KillGrace      time.Duration // SIGTERM 到 SIGKILL 之间的等待
	Metrics        *metrics.Metrics
}

// ExecRunner 基于 os/exec 的真实实现
type ExecRunner struct {
	sem       *semaphore.Weighted
	maxOutput int
	killGrace time.Duration
	metrics   *metrics.Metrics
}

// NewExecRunner 创建一个新的 ExecRunner
func NewExecRunner(opts Options) *ExecRunner {
	if opts.MaxConcurrent <= 0 {
		opts.MaxConcurrent = 4
	}
	if opts.MaxOutputBytes <= 0 {
		opts.MaxOutputBytes = 64 * 1024
	}
	if opts.KillGrace <= 0 {
		opts.KillGrace = 5 * time.Second
	}
	return &ExecRunner{
		sem:       semaphore.NewWeighted(opts.MaxConcurrent),
		maxOutput: opts.MaxOutputBytes,
		killGrace: opts.KillGrace,
		metrics:   opts.Metrics,
	}
}

// Run 启动进程并等待结束。超时或 ctx 取消时终止整个进程组，保证不会留下孤儿进程。
func (r *ExecRunner) Run(ctx context.Context, c Command) *Result {
	res := &Result{Command: c, ExitCode: -1}

	// 全局并发上限，等待期间也响应取消
	if err := r.sem.Acquire(ctx, 1); err != nil {
		res.Outcome = Canceled
		res.Err = err
		return res
	}
	r.metrics.ProcessSlotAcquired()
	defer func() {
		r.sem.Release(1)
		r.metrics.ProcessSlotReleased()
	}()

	stdout := newTailBuffer(r.maxOutput)
	stderr := newTailBuffer(r.maxOutput)

	cmd := exec.Command(c.Path, c.Args...)
	cmd.Dir = c.Dir
	if len(c.Env) > 0 {
		cmd.Env = append(os.Environ(), c.Env...)
	}
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	// 进程组被杀掉后，残留的管道写端不应让 Wait 永远阻塞
	cmd.WaitDelay = r.killGrace
	setProcessGroup(cmd)

	logger.Debug("执行外部命令",
		logger.String("tool", c.Tool()),
		logger.String("args", strings.Join(c.Args, " ")),
		logger.Duration("timeout", c.Timeout))

	start := time.Now()
	defer func() {
		res.Elapsed = time.Since(start)
		res.Stdout = stdout.Bytes()
		res.Stderr = stderr.Bytes()
		res.Truncated = stdout.Truncated() || stderr.Truncated()
		r.metrics.ObserveProcess(c.Tool(), string(res.Outcome), res.Elapsed)
		r.logResult(res)
	}()

	if err := cmd.Start(); err != nil {
		res.Outcome = SpawnFailure
		res.Err = err
		return res
	}

	done := make(chan error, 1)
	go func() {
		done <- cmd.Wait()
	}()

	var timeout <-chan time.Time
	if c.Timeout > 0 {
		timer := time.NewTimer(c.Timeout)
		defer timer.Stop()
		timeout = timer.C
	}

	select {
	case err := <-done:
		r.classifyExit(res, cmd, err)
	case <-timeout:
		r.terminate(cmd, done)
		res.Outcome = Timeout
		res.Err = errors.New("process exceeded timeout " + c.Timeout.String())
	case <-ctx.Done():
		r.terminate(cmd, done)
		res.Outcome = Canceled
		res.Err = ctx.Err()
	}
	return res
}

func (r *ExecRunner) classifyExit(res *Result, cmd *exec.Cmd, err error) {
	if cmd.ProcessState != nil {
		res.ExitCode = cmd.ProcessState.ExitCode()
	}
	if err == nil {
		res.Outcome = Success
		return
	}
	res.Outcome = NonZeroExit
	res.Err = err
}

// terminate 先 SIGTERM 整个进程组，宽限期后 SIGKILL，最后等待进程退出
func (r *ExecRunner) terminate(cmd *exec.Cmd, done <-chan error) {
	if err := terminateGroup(cmd); err != nil {
		logger.Debug("发送 SIGTERM 失败", logger.String("tool", filepath.Base(cmd.Path)), logger.ErrorField(err))
	}

	select {
	case <-done:
		return
	case <-time.After(r.killGrace):
	}

	logger.Warn("进程未在宽限期内退出，强制结束",
		logger.String("tool", filepath.Base(cmd.Path)),
		logger.Int("pid", cmd.Process.Pid))
	if err := killGroup(cmd); err != nil {
		logger.Error("强制结束进程组失败", logger.Int("pid", cmd.Process.Pid), logger.ErrorField(err))
	}
	<-done
}

func (r *ExecRunner) logResult(res *Result) {
	switch res.Outcome {
	case Success:
		logger.Debug("外部命令执行成功",
			logger.String("tool", res.Command.Tool()),
			logger.Duration("elapsed", res.Elapsed))
	case Canceled:
		logger.Info("外部命令被取消",
			logger.String("tool", res.Command.Tool()),
			logger.Duration("elapsed", res.Elapsed))
	default:
		logger.Warn("外部命令执行失败",
			logger.String("tool", res.Command.Tool()),
			logger.String("outcome", string(res.Outcome)),
			logger.Int("exitCode", res.ExitCode),
			logger.Duration("elapsed", res.Elapsed),
			logger.Bool("truncated", res.Truncated),
			logger.String("stderr", res.Excerpt()),
			logger.ErrorField(res.Err))
	}
}
