package model

import (
	"errors"
	"fmt"
	"strings"
	"unicode"
)

// ErrorKind 生产和播放流水线中失败的分类
type ErrorKind string

const (
	KindSpawnFailure        ErrorKind = "spawn_failure"
	KindTimeout             ErrorKind = "timeout"
	KindNonZeroExit         ErrorKind = "non_zero_exit"
	KindIncompleteOutput    ErrorKind = "incomplete_output"
	KindInvalidInput        ErrorKind = "invalid_input"
	KindToolFailure         ErrorKind = "tool_failure"
	KindStoreIO             ErrorKind = "store_io"
	KindRangeNotSatisfiable ErrorKind = "range_not_satisfiable"
	KindAlreadyPending      ErrorKind = "already_pending"
	KindInvalidSource       ErrorKind = "invalid_source"
	KindCanceled            ErrorKind = "canceled"
	KindUnknown             ErrorKind = "unknown"
)

// MaxExcerptLen Error 携带的诊断文本上限
const MaxExcerptLen = 200

// Error 在流水线各阶段之间传递的类型化错误
type Error struct {
	Kind    ErrorKind
	Op      string   // 失败的阶段，如 "retrieve"
	Key     CacheKey // 可以为空
	Excerpt string   // 截断并清洗过的工具输出
	Err     error
}

// NewError 创建 Error 并清洗摘录
func NewError(kind ErrorKind, op string, err error, excerpt string) *Error {
	return &Error{Kind: kind, Op: op, Err: err, Excerpt: Sanitize(excerpt, MaxExcerptLen)}
}

func (e *Error) Error() string {
	var b strings.Builder
	if e.Op != "" {
		b.WriteString(e.Op)
		b.WriteString(": ")
	}
	b.WriteString(string(e.Kind))
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// Is 按 kind 匹配另一个 *Error，errors.Is(err, &Error{Kind: KindTimeout}) 可以直接使用
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && (t.Op == "" || t.Op == e.Op)
}

// WithKey 返回带上 key 的副本
func (e *Error) WithKey(key CacheKey) *Error {
	c := *e
	c.Key = key
	return &c
}

// KindOf 取出 err 的 ErrorKind，无法识别时为 KindUnknown
func KindOf(err error) ErrorKind {
	if err == nil {
		return ""
	}
	var me *Error
	if errors.As(err, &me) {
		return me.Kind
	}
	return KindUnknown
}

// ExcerptOf 取出 err 携带的摘录
func ExcerptOf(err error) string {
	var me *Error
	if errors.As(err, &me) {
		return me.Excerpt
	}
	return ""
}

// Errorf 以格式化原因创建 Error
func Errorf(kind ErrorKind, op, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

// Sanitize 只保留可打印字符并合并空白，结果不超过 max 字节
func Sanitize(s string, max int) string {
	var b strings.Builder
	space := false
	for _, r := range s {
		if unicode.IsSpace(r) {
			space = true
			continue
		}
		if !unicode.IsPrint(r) {
			continue
		}
		if space && b.Len() > 0 {
			b.WriteByte(' ')
		}
		space = false
		b.WriteRune(r)
	}
	out := b.String()
	if len(out) <= max {
		return out
	}
	cut := max
	for cut > 0 && !utf8Start(out[cut]) {
		cut--
	}
	return out[:cut] + "..."
}

func utf8Start(b byte) bool { return b&0xC0 != 0x80 }
