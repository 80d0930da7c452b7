package loader

import (
	"bytes"
	"fmt"
	"image"
	"image/gif"
	"image/jpeg"
	"image/png"
	"io"
	"log/slog"
	"path/filepath"
	"strings"

	"github.com/disintegration/imaging"
	"github.com/ftrvxmtrx/tga"
	"github.com/spf13/afero"
	"golang.org/x/image/bmp"
	"golang.org/x/image/tiff"
)

// imageFormat binds a file extension to a concrete decoder. Formats are
// chosen by extension only; contents are never sniffed.
type imageFormat struct {
	name   string
	decode func(io.Reader) (image.Image, error)
	exif   bool
}

var formats = map[string]imageFormat{
	".bmp":  {name: "bmp", decode: bmp.Decode},
	".gif":  {name: "gif", decode: gif.Decode},
	".jpeg": {name: "jpeg", decode: jpeg.Decode, exif: true},
	".jpg":  {name: "jpeg", decode: jpeg.Decode, exif: true},
	".png":  {name: "png", decode: png.Decode},
	".tga":  {name: "tga", decode: tga.Decode},
	".tif":  {name: "tiff", decode: tiff.Decode, exif: true},
	".tiff": {name: "tiff", decode: tiff.Decode, exif: true},
}

// IsSupported reports whether the file extension is one the decoder accepts.
// The match is case-insensitive.
func IsSupported(path string) bool {
	_, ok := formats[strings.ToLower(filepath.Ext(path))]
	return ok
}

// ImageDecoder turns a file into a cache entry.
type ImageDecoder interface {
	Decode(key Key) (*Entry, error)
}

// Decoder reads image files from a filesystem and decodes them into
// RGBA bitmaps. It holds no mutable state and is safe for concurrent use.
type Decoder struct {
	fs afero.Fs
}

// NewDecoder creates a decoder reading from fs. A nil fs means the OS filesystem.
func NewDecoder(fs afero.Fs) *Decoder {
	if fs == nil {
		fs = afero.NewOsFs()
	}
	return &Decoder{fs: fs}
}

// Decode reads and decodes the file behind key.
// Errors are *DecodeError wrapping ErrUnreadableFile or ErrUnsupportedFormat.
func (d *Decoder) Decode(key Key) (*Entry, error) {
	path := key.String()
	format, ok := formats[strings.ToLower(filepath.Ext(path))]
	if !ok {
		return nil, unsupported(path, fmt.Errorf("extension %q", filepath.Ext(path)))
	}

	start := nowFunc()
	raw, err := afero.ReadFile(d.fs, path)
	if err != nil {
		return nil, unreadable(path, err)
	}

	src, err := format.decode(bytes.NewReader(raw))
	if err != nil {
		return nil, unsupported(path, fmt.Errorf("%s: %w", format.name, err))
	}
	if src.Bounds().Empty() {
		return nil, unsupported(path, fmt.Errorf("%s: empty image", format.name))
	}

	channels := channelsOf(src)

	var info exifInfo
	if format.exif {
		info = readExif(raw)
	}
	oriented := orient(src, info.orientation)

	bm := toBitmap(oriented, channels)
	if logEnabled(slog.LevelDebug) {
		sub("decoder").Debug("decoded", "path", path, "format", format.name, "channels", channels,
			"width", bm.Width, "height", bm.Height, "orientation", info.orientation)
	}

	return &Entry{
		Key:    key,
		Bitmap: bm,
		Metadata: Metadata{
			Width:       uint32(bm.Width),
			Height:      uint32(bm.Height),
			SourcePath:  path,
			Format:      format.name,
			Channels:    channels,
			Orientation: info.orientation,
			CameraModel: info.model,
			TakenAt:     info.takenAt,
			FileSize:    int64(len(raw)),
		},
		DecodedIn: nowFunc().Sub(start),
	}, nil
}

// channelsOf classifies the source layout before any conversion.
func channelsOf(img image.Image) Channels {
	switch img.(type) {
	case *image.Gray, *image.Gray16:
		return ChannelsGray
	}
	if o, ok := img.(interface{ Opaque() bool }); ok && o.Opaque() {
		return ChannelsRGB
	}
	return ChannelsRGBA
}

// toBitmap converts img to packed RGBA. *image.RGBA is already
// premultiplied and is copied as is. Anything else goes through
// imaging.Clone, which yields straight NRGBA with gray replicated into RGB;
// alpha is then premultiplied or forced opaque depending on the source layout.
func toBitmap(img image.Image, channels Channels) *Bitmap {
	if rgba, ok := img.(*image.RGBA); ok {
		bm := copyRGBA(rgba)
		if channels != ChannelsRGBA {
			ForceOpaque(bm.Pix)
		}
		return bm
	}

	nrgba := imaging.Clone(img)
	b := nrgba.Bounds()
	w, h := b.Dx(), b.Dy()

	pix := nrgba.Pix
	if nrgba.Stride != w*4 {
		pix = make([]byte, w*h*4)
		for y := 0; y < h; y++ {
			copy(pix[y*w*4:(y+1)*w*4], nrgba.Pix[y*nrgba.Stride:y*nrgba.Stride+w*4])
		}
	}

	if channels == ChannelsRGBA {
		Premultiply(pix)
	} else {
		ForceOpaque(pix)
	}
	return &Bitmap{Width: w, Height: h, Pix: pix}
}

func copyRGBA(img *image.RGBA) *Bitmap {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	pix := make([]byte, w*h*4)
	for y := 0; y < h; y++ {
		start := img.PixOffset(b.Min.X, b.Min.Y+y)
		copy(pix[y*w*4:(y+1)*w*4], img.Pix[start:start+w*4])
	}
	return &Bitmap{Width: w, Height: h, Pix: pix}
}
