package main

import (
	"bytes"
	"image"
	"image/color"
	"image/png"
)

// Tray icons: a filled circle whose color follows the agent state.
var (
	iconData          = renderIcon(color.RGBA{0x9e, 0x9e, 0x9e, 0xff})
	iconDataConnected = renderIcon(color.RGBA{0x2e, 0x7d, 0x32, 0xff})
	iconDataScanning  = renderIcon(color.RGBA{0x15, 0x65, 0xc0, 0xff})
	iconDataError     = renderIcon(color.RGBA{0xc6, 0x28, 0x28, 0xff})
	iconDataStopped   = renderIcon(color.RGBA{0x42, 0x42, 0x42, 0xff})
)

func renderIcon(c color.RGBA) []byte {
	const size = 22
	img := image.NewRGBA(image.Rect(0, 0, size, size))

	center := float64(size-1) / 2
	r2 := (center - 1) * (center - 1)
	for y := 0; y < size; y++ {
		for x := 0; x < size; x++ {
			dx, dy := float64(x)-center, float64(y)-center
			if dx*dx+dy*dy <= r2 {
				img.SetRGBA(x, y, c)
			}
		}
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil
	}
	return buf.Bytes()
}
