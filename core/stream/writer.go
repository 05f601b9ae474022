package stream

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"tubefm/logger"
	"tubefm/model"
	"tubefm/storage"
)

// ErrInvalidRange 无法解析的 Range 头
var ErrInvalidRange = errors.New("invalid range header")

// ByteRange 闭区间字节窗口，后缀区间 bytes=-n 记为 Start = -n
type ByteRange struct {
	Start int64
	End   int64 // -1 表示到文件末尾
}

// ParseRange 解析单个 "bytes=" 区间。没有 Range 头或多区间请求返回 nil，按完整内容返回
func ParseRange(header string) (*ByteRange, error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return nil, nil
	}
	const prefix = "bytes="
	if !strings.HasPrefix(header, prefix) {
		return nil, ErrInvalidRange
	}
	spec := strings.TrimSpace(header[len(prefix):])
	if strings.Contains(spec, ",") {
		return nil, nil
	}

	startStr, endStr, ok := strings.Cut(spec, "-")
	if !ok {
		return nil, ErrInvalidRange
	}
	startStr = strings.TrimSpace(startStr)
	endStr = strings.TrimSpace(endStr)

	// bytes=-n 表示最后 n 个字节
	if startStr == "" {
		n, err := strconv.ParseInt(endStr, 10, 64)
		if err != nil || n <= 0 {
			return nil, ErrInvalidRange
		}
		return &ByteRange{Start: -n, End: -1}, nil
	}

	start, err := strconv.ParseInt(startStr, 10, 64)
	if err != nil || start < 0 {
		return nil, ErrInvalidRange
	}
	if endStr == "" {
		return &ByteRange{Start: start, End: -1}, nil
	}
	end, err := strconv.ParseInt(endStr, 10, 64)
	if err != nil || end < start {
		return nil, ErrInvalidRange
	}
	return &ByteRange{Start: start, End: end}, nil
}

// resolve 按 size 截断区间，起点不在文件内时无法满足
func (r *ByteRange) resolve(size int64) (start, end int64, err error) {
	if r.Start < 0 {
		n := -r.Start
		if size == 0 {
			return 0, 0, errUnsatisfiable(size)
		}
		if n > size {
			n = size
		}
		return size - n, size - 1, nil
	}
	if r.Start >= size {
		return 0, 0, errUnsatisfiable(size)
	}
	end = r.End
	if end < 0 || end >= size {
		end = size - 1
	}
	return r.Start, end, nil
}

// UnsatisfiableError 记录解析区间时文件的实际大小，416 响应的 Content-Range 使用它
type UnsatisfiableError struct {
	Size int64
}

func (e *UnsatisfiableError) Error() string {
	return fmt.Sprintf("range not satisfiable for %d bytes", e.Size)
}

func errUnsatisfiable(size int64) error {
	return model.NewError(model.KindRangeNotSatisfiable, "serve", &UnsatisfiableError{Size: size}, "")
}

// UnsatisfiedSize 从 Serve 或 Open 的错误中取出文件实际大小
func UnsatisfiedSize(err error) (int64, bool) {
	var ue *UnsatisfiableError
	if errors.As(err, &ue) {
		return ue.Size, true
	}
	return 0, false
}

// Lessor 在播放期间固定条目
type Lessor interface {
	Acquire(key model.CacheKey) (*storage.Lease, error)
	Forget(key model.CacheKey)
}

// Writer 在 Ready 条目上打开字节流
type Writer struct {
	store Lessor
}

// NewWriter 创建流写入器
func NewWriter(store Lessor) *Writer {
	return &Writer{store: store}
}

// Stream 单个产物上可 Seek 的窗口，Close 释放对条目的固定
type Stream struct {
	entry   *model.TrackEntry
	file    *os.File
	section *io.SectionReader
	lease   *storage.Lease
	start   int64
	end     int64
	total   int64
	partial bool
}

// Serve 固定 entry 并定位到 r，r 为 nil 时返回整个文件
func (w *Writer) Serve(entry *model.TrackEntry, r *ByteRange) (*Stream, error) {
	if !entry.IsReady() {
		return nil, model.Errorf(model.KindStoreIO, "serve", "entry %s is not ready", entry.Key).WithKey(entry.Key)
	}

	lease, err := w.store.Acquire(entry.Key)
	if err != nil {
		return nil, model.NewError(model.KindStoreIO, "serve", err, "").WithKey(entry.Key)
	}
	return w.Open(lease, r)
}

// Open 在已固定的条目上打开流并接管 lease：出错时释放，成功时由 Stream.Close 释放
func (w *Writer) Open(lease *storage.Lease, r *ByteRange) (*Stream, error) {
	entry := lease.Entry()

	f, err := os.Open(entry.Path)
	if err != nil {
		lease.Release()
		if errors.Is(err, os.ErrNotExist) {
			// 文件被外部删除，索引里的条目已经失效
			w.store.Forget(entry.Key)
		}
		return nil, model.NewError(model.KindStoreIO, "serve", err, "").WithKey(entry.Key)
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		lease.Release()
		return nil, model.NewError(model.KindStoreIO, "serve", err, "").WithKey(entry.Key)
	}
	size := info.Size()
	if size != entry.Size {
		logger.Warn("音频文件大小与索引不一致",
			logger.String("key", string(entry.Key)),
			logger.Int64("indexed", entry.Size),
			logger.Int64("actual", size))
	}

	s := &Stream{entry: entry, file: f, lease: lease, total: size, end: size - 1}
	if r != nil {
		start, end, err := r.resolve(size)
		if err != nil {
			f.Close()
			lease.Release()
			return nil, withKey(err, entry.Key)
		}
		s.start, s.end, s.partial = start, end, true
	}
	s.section = io.NewSectionReader(f, s.start, s.end-s.start+1)
	return s, nil
}

func withKey(err error, key model.CacheKey) error {
	var me *model.Error
	if errors.As(err, &me) {
		return me.WithKey(key)
	}
	return err
}

func (s *Stream) Read(p []byte) (int, error) { return s.section.Read(p) }

// Seek 相对窗口计算，偏移 0 即区间的第一个字节
func (s *Stream) Seek(offset int64, whence int) (int64, error) {
	return s.section.Seek(offset, whence)
}

// Close 关闭文件并释放租约，可重复调用
func (s *Stream) Close() error {
	s.lease.Release()
	err := s.file.Close()
	if errors.Is(err, os.ErrClosed) {
		return nil
	}
	return err
}

// Entry 返回正在播放的条目
func (s *Stream) Entry() *model.TrackEntry { return s.entry }

// Length 窗口长度
func (s *Stream) Length() int64 { return s.end - s.start + 1 }

// Total 文件总长度
func (s *Stream) Total() int64 { return s.total }

// Partial 是否应用了区间
func (s *Stream) Partial() bool { return s.partial }

// ContentRange 生成 Content-Range 头，例如 "bytes 0-99/1000"
func (s *Stream) ContentRange() string {
	return fmt.Sprintf("bytes %d-%d/%d", s.start, s.end, s.total)
}

// UnsatisfiedRange 生成 416 响应的 Content-Range 头
func UnsatisfiedRange(size int64) string {
	return fmt.Sprintf("bytes */%d", size)
}
