package camera

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
)

// FrameSource 提供 RGB565 帧
type FrameSource interface {
	Next(ctx context.Context) ([]byte, error)
}

// SyntheticSource 依次生成纯色帧，用于没有摄像头的环境
type SyntheticSource struct {
	mu     sync.Mutex
	frames [][]byte
	i      int
}

// NewSyntheticSource 生成红、绿、蓝和一个暗帧，按顺序循环
func NewSyntheticSource(width, height int) *SyntheticSource {
	palette := []uint16{
		0xF800, // 红
		0x07E0, // 绿
		0x001F, // 蓝
		0x2104, // 暗灰
	}
	s := &SyntheticSource{}
	for _, px := range palette {
		s.frames = append(s.frames, SolidFrame(width, height, px))
	}
	return s
}

// SolidFrame 生成一个所有像素相同的小端 RGB565 帧
func SolidFrame(width, height int, px uint16) []byte {
	buf := make([]byte, width*height*2)
	for i := 0; i+1 < len(buf); i += 2 {
		buf[i] = byte(px)
		buf[i+1] = byte(px >> 8)
	}
	return buf
}

// Next 返回下一帧
func (s *SyntheticSource) Next(ctx context.Context) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	f := s.frames[s.i%len(s.frames)]
	s.i++
	return f, nil
}

// DirSource 循环读取目录中的 *.rgb565 原始帧文件
type DirSource struct {
	files []string
	i     int
}

// NewDirSource 扫描目录，目录中没有帧文件时返回错误
func NewDirSource(dir string) (*DirSource, error) {
	files, err := filepath.Glob(filepath.Join(dir, "*.rgb565"))
	if err != nil {
		return nil, fmt.Errorf("scan frame dir: %w", err)
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("no *.rgb565 frames in %s", dir)
	}
	sort.Strings(files)
	return &DirSource{files: files}, nil
}

// Next 读取下一帧文件
func (d *DirSource) Next(ctx context.Context) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	path := d.files[d.i%len(d.files)]
	d.i++
	buf, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read frame %s: %w", path, err)
	}
	return buf, nil
}
