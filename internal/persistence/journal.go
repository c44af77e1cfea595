package persistence

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"conveyor-plc/internal/types"
)

// 日志记录类型
const (
	EntryCounts = "COUNTS" // 计数快照
	EntryLimit  = "LIMIT"  // 开始上报限位
	EntryAck    = "ACK"    // 限位上报完成，锁存已清除
)

// Snapshot 是某一时刻的计数状态
type Snapshot struct {
	Bins   [types.BinCount]uint32 `json:"bins"`
	Boxes  [types.BinCount]uint32 `json:"boxes"`
	Paused [types.BinCount]bool   `json:"paused"`
}

// LogEntry 代表日志文件中的一条记录
type LogEntry struct {
	Type   string    `json:"type"`
	Time   time.Time `json:"time"`
	Counts *Snapshot `json:"counts,omitempty"` // EntryCounts
	Bin    types.Bin `json:"bin"`              // EntryLimit / EntryAck
}

// Recovered 是从日志中恢复出的状态
type Recovered struct {
	Snapshot      Snapshot
	PendingLimits [types.BinCount]bool // 已开始上报但未确认的仓位
}

// compactThreshold 是触发压缩的行数
const compactThreshold = 4096

// Journal 是追加写入的计数日志
// 控制器重启后据此恢复计数，并重新上报未确认的限位事件。
// 行数超过阈值或启动恢复时会压缩为一条快照加未确认的限位
type Journal struct {
	path      string
	file      *os.File   // 日志文件句柄
	mu        sync.Mutex // 互斥锁，保证文件写入的原子性
	state     Recovered  // 已写入内容折叠后的状态
	lines     int        // 当前文件行数
	compactAt int
	recovered bool // 只有读过完整文件后才能按阈值压缩
}

// OpenJournal 创建或打开一个日志文件
func OpenJournal(path string) (*Journal, error) {
	file, err := openAppend(path)
	if err != nil {
		return nil, err
	}
	return &Journal{path: path, file: file, compactAt: compactThreshold}, nil
}

func openAppend(path string) (*os.File, error) {
	// O_APPEND: 追加写入, O_CREATE: 文件不存在则创建, O_RDWR: 读写模式
	return os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_RDWR, 0644)
}

func (j *Journal) write(entry LogEntry) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	entry.Time = time.Now().UTC()
	data, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	// 写入数据并在末尾添加换行符
	if _, err := j.file.Write(append(data, '\n')); err != nil {
		return err
	}
	// 确保数据被刷新到磁盘，防止断电丢失
	if err := j.file.Sync(); err != nil {
		return err
	}
	j.state.apply(entry)
	j.lines++
	if j.recovered && j.lines >= j.compactAt {
		return j.compactLocked()
	}
	return nil
}

// AppendCounts 写入计数快照
func (j *Journal) AppendCounts(s Snapshot) error {
	return j.write(LogEntry{Type: EntryCounts, Counts: &s})
}

// AppendLimit 标记某仓位的限位开始上报
func (j *Journal) AppendLimit(bin types.Bin) error {
	return j.write(LogEntry{Type: EntryLimit, Bin: bin})
}

// AppendAck 标记某仓位的限位上报完成
func (j *Journal) AppendAck(bin types.Bin) error {
	return j.write(LogEntry{Type: EntryAck, Bin: bin})
}

func (r *Recovered) apply(entry LogEntry) {
	switch entry.Type {
	case EntryCounts:
		if entry.Counts != nil {
			r.Snapshot = *entry.Counts
		}
	case EntryLimit:
		if entry.Bin.Valid() {
			r.PendingLimits[entry.Bin] = true
		}
	case EntryAck:
		if entry.Bin.Valid() {
			r.PendingLimits[entry.Bin] = false
		}
	}
}

// Recover 从日志文件中恢复最后一次计数快照和未确认的限位，然后压缩日志
// 在系统启动时调用
func (j *Journal) Recover() (*Recovered, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	// 将文件指针移动到开头以进行读取
	if _, err := j.file.Seek(0, io.SeekStart); err != nil {
		return nil, err
	}

	var rec Recovered
	scanner := bufio.NewScanner(j.file)
	for scanner.Scan() {
		var entry LogEntry
		if err := json.Unmarshal(scanner.Bytes(), &entry); err != nil {
			// 忽略损坏的行 (例如断电时写了一半)，压缩时一并丢弃
			continue
		}
		rec.apply(entry)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}

	j.state = rec
	j.recovered = true
	if err := j.compactLocked(); err != nil {
		return nil, err
	}
	return &rec, nil
}

// compactLocked 把当前状态写入临时文件并替换日志
// 调用方必须持有 j.mu
func (j *Journal) compactLocked() error {
	now := time.Now().UTC()
	snap := j.state.Snapshot
	entries := []LogEntry{{Type: EntryCounts, Time: now, Counts: &snap}}
	for i, pending := range j.state.PendingLimits {
		if pending {
			entries = append(entries, LogEntry{Type: EntryLimit, Time: now, Bin: types.Bin(i)})
		}
	}

	tmp := j.path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("创建压缩文件失败: %w", err)
	}
	w := bufio.NewWriter(f)
	for _, e := range entries {
		data, err := json.Marshal(e)
		if err != nil {
			f.Close()
			return err
		}
		w.Write(append(data, '\n'))
	}
	if err := w.Flush(); err != nil {
		f.Close()
		return fmt.Errorf("写入压缩文件失败: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, j.path); err != nil {
		return fmt.Errorf("替换日志文件失败: %w", err)
	}

	file, err := openAppend(j.path)
	if err != nil {
		return err
	}
	j.file.Close()
	j.file = file
	j.lines = len(entries)
	return nil
}

// Close 关闭日志文件
func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.file.Close()
}
