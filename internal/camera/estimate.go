// Package camera 实现相机节点：从 RGB565 帧估算物体颜色与尺寸并上报识别结果
package camera

import (
	"errors"

	"conveyor-plc/internal/types"
)

// ErrEmptyFrame 表示帧中没有可采样的像素
var ErrEmptyFrame = errors.New("empty frame")

// 颜色判定阈值与尺寸分档
const (
	dominantMin   = 80
	darkBelow     = 60
	mediumBelow   = 120
	sizeSmall     = 10
	sizeMedium    = 30
	sizeLarge     = 60
	colorRed      = "rojo"
	colorGreen    = "verde"
	colorBlue     = "azul"
	colorUnknown  = "desconocido"
	conditionNorm = "normal"
)

// RGB 是 8 位通道平均值
type RGB struct {
	R, G, B uint32
}

// AverageRGB565 以 step 个像素为步长采样小端 RGB565 帧，返回扩展到 8 位的通道平均值
func AverageRGB565(buf []byte, step int) (RGB, error) {
	if step <= 0 {
		step = 1
	}
	var sum RGB
	var n uint32
	for i := 0; i+1 < len(buf); i += 2 * step {
		pix := uint16(buf[i]) | uint16(buf[i+1])<<8
		r5 := uint32(pix>>11) & 0x1F
		g6 := uint32(pix>>5) & 0x3F
		b5 := uint32(pix) & 0x1F
		sum.R += r5 * 255 / 31
		sum.G += g6 * 255 / 63
		sum.B += b5 * 255 / 31
		n++
	}
	if n == 0 {
		return RGB{}, ErrEmptyFrame
	}
	return RGB{R: sum.R / n, G: sum.G / n, B: sum.B / n}, nil
}

// DominantColor 返回占优且亮度足够的通道颜色
func DominantColor(c RGB) string {
	switch {
	case c.R > c.G && c.R > c.B && c.R > dominantMin:
		return colorRed
	case c.G > c.R && c.G > c.B && c.G > dominantMin:
		return colorGreen
	case c.B > c.R && c.B > c.G && c.B > dominantMin:
		return colorBlue
	}
	return colorUnknown
}

// EstimateSize 按平均亮度粗略估算尺寸：越亮视为被照亮的面积越大
func EstimateSize(c RGB) int {
	avg := (c.R + c.G + c.B) / 3
	switch {
	case avg < darkBelow:
		return sizeSmall
	case avg < mediumBelow:
		return sizeMedium
	}
	return sizeLarge
}

// Classify 对一帧进行识别
func Classify(frame []byte, step int, bin types.Bin) (types.Classification, RGB, error) {
	avg, err := AverageRGB565(frame, step)
	if err != nil {
		return types.Classification{}, RGB{}, err
	}
	return types.Classification{
		Bin:       bin,
		Color:     DominantColor(avg),
		Size:      EstimateSize(avg),
		Condition: conditionNorm,
	}, avg, nil
}
