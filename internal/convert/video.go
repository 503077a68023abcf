package convert

import (
	"errors"
	"fmt"
	"image/color"

	"github.com/zsiec/avsync/internal/media"
)

var errNotVideo = errors.New("convert: not a video frame")

// ConvertVideo converts f to packed pixels in dst format, which must be RGBA
// or BGRA. Compressed frames pass through unchanged whatever dst is. The
// returned stride is the row length in bytes.
func (c *Converter) ConvertVideo(f *media.Frame, dst media.PixelFormat) ([]byte, int, error) {
	if f == nil || f.Kind != media.KindVideo {
		return nil, 0, errNotVideo
	}
	if f.PixelFormat.Compressed() {
		if len(f.Planes) == 0 {
			return nil, 0, errors.New("convert: compressed frame without data")
		}
		return f.Planes[0], 0, nil
	}
	if dst != media.PixelFormatRGBA && dst != media.PixelFormatBGRA {
		return nil, 0, fmt.Errorf("convert: unsupported output pixel format %s", dst)
	}
	w, h := f.Width, f.Height
	if w <= 0 || h <= 0 {
		return nil, 0, fmt.Errorf("convert: invalid frame size %dx%d", w, h)
	}

	c.videoMu.Lock()
	defer c.videoMu.Unlock()

	stride := w * 4
	if cap(c.pixels) < stride*h {
		c.pixels = make([]byte, stride*h)
	}
	out := c.pixels[:stride*h]

	var err error
	switch f.PixelFormat {
	case media.PixelFormatYUV420P:
		err = yuv420p(f, out)
	case media.PixelFormatNV12:
		err = nv12(f, out)
	case media.PixelFormatRGB24:
		err = rgb24(f, out)
	case media.PixelFormatRGBA, media.PixelFormatBGRA:
		err = packed32(f, out)
	default:
		err = fmt.Errorf("convert: unsupported input pixel format %s", f.PixelFormat)
	}
	if err != nil {
		return nil, 0, err
	}

	src := f.PixelFormat
	if src == media.PixelFormatRGBA || src == media.PixelFormatBGRA {
		if src != dst {
			swapRB(out)
		}
	} else if dst == media.PixelFormatBGRA {
		swapRB(out)
	}
	return out, stride, nil
}

func planeStride(f *media.Frame, i, minStride int) int {
	if i < len(f.Strides) && f.Strides[i] >= minStride {
		return f.Strides[i]
	}
	return minStride
}

func checkPlanes(f *media.Frame, sizes ...int) error {
	if len(f.Planes) < len(sizes) {
		return fmt.Errorf("convert: %s frame has %d planes, want %d", f.PixelFormat, len(f.Planes), len(sizes))
	}
	for i, n := range sizes {
		if len(f.Planes[i]) < n {
			return fmt.Errorf("convert: %s plane %d short: %d < %d bytes", f.PixelFormat, i, len(f.Planes[i]), n)
		}
	}
	return nil
}

// yuv420p writes RGBA from three planes with 2x2 subsampled chroma.
func yuv420p(f *media.Frame, out []byte) error {
	w, h := f.Width, f.Height
	cw, ch := (w+1)/2, (h+1)/2
	ys, us, vs := planeStride(f, 0, w), planeStride(f, 1, cw), planeStride(f, 2, cw)
	if err := checkPlanes(f, ys*(h-1)+w, us*(ch-1)+cw, vs*(ch-1)+cw); err != nil {
		return err
	}
	y, u, v := f.Planes[0], f.Planes[1], f.Planes[2]
	for row := 0; row < h; row++ {
		o := out[row*w*4:]
		for x := 0; x < w; x++ {
			r, g, b := color.YCbCrToRGB(y[row*ys+x], u[(row/2)*us+x/2], v[(row/2)*vs+x/2])
			o[x*4], o[x*4+1], o[x*4+2], o[x*4+3] = r, g, b, 0xff
		}
	}
	return nil
}

// nv12 writes RGBA from a luma plane and an interleaved CbCr plane.
func nv12(f *media.Frame, out []byte) error {
	w, h := f.Width, f.Height
	cw, ch := (w+1)/2, (h+1)/2
	ys, uvs := planeStride(f, 0, w), planeStride(f, 1, cw*2)
	if err := checkPlanes(f, ys*(h-1)+w, uvs*(ch-1)+cw*2); err != nil {
		return err
	}
	y, uv := f.Planes[0], f.Planes[1]
	for row := 0; row < h; row++ {
		o := out[row*w*4:]
		for x := 0; x < w; x++ {
			c := (row/2)*uvs + (x/2)*2
			r, g, b := color.YCbCrToRGB(y[row*ys+x], uv[c], uv[c+1])
			o[x*4], o[x*4+1], o[x*4+2], o[x*4+3] = r, g, b, 0xff
		}
	}
	return nil
}

func rgb24(f *media.Frame, out []byte) error {
	w, h := f.Width, f.Height
	s := planeStride(f, 0, w*3)
	if err := checkPlanes(f, s*(h-1)+w*3); err != nil {
		return err
	}
	src := f.Planes[0]
	for row := 0; row < h; row++ {
		in, o := src[row*s:], out[row*w*4:]
		for x := 0; x < w; x++ {
			o[x*4], o[x*4+1], o[x*4+2], o[x*4+3] = in[x*3], in[x*3+1], in[x*3+2], 0xff
		}
	}
	return nil
}

// packed32 copies 4-byte pixels, dropping any row padding.
func packed32(f *media.Frame, out []byte) error {
	w, h := f.Width, f.Height
	s := planeStride(f, 0, w*4)
	if err := checkPlanes(f, s*(h-1)+w*4); err != nil {
		return err
	}
	for row := 0; row < h; row++ {
		copy(out[row*w*4:(row+1)*w*4], f.Planes[0][row*s:])
	}
	return nil
}

func swapRB(p []byte) {
	for i := 0; i+3 < len(p); i += 4 {
		p[i], p[i+2] = p[i+2], p[i]
	}
}
