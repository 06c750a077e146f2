package acquisition

import (
	"fmt"
	"image"
	"os"
	"path/filepath"
	"strings"

	"github.com/KevinKickass/OpenScopeCore/internal/types"
	"golang.org/x/image/tiff"
)

// writeTIFF stores every frame as its own 16-bit grayscale file next to path:
// scan_001.tiff becomes scan_001_0000.tiff, scan_001_0001.tiff, ...
func writeTIFF(path string, frames []types.Frame) ([]string, error) {
	base := strings.TrimSuffix(path, filepath.Ext(path))
	files := make([]string, 0, len(frames))

	for i, frame := range frames {
		name := fmt.Sprintf("%s_%04d.tiff", base, i)
		if err := writeTIFFFrame(name, frame); err != nil {
			return files, fmt.Errorf("frame %d: %w", i, err)
		}
		files = append(files, name)
	}
	return files, nil
}

func writeTIFFFrame(name string, frame types.Frame) error {
	if len(frame.Pix) != frame.Width*frame.Height {
		return fmt.Errorf("frame has %d pixels, want %dx%d", len(frame.Pix), frame.Width, frame.Height)
	}

	img := image.NewGray16(image.Rect(0, 0, frame.Width, frame.Height))
	for i, v := range frame.Pix {
		img.Pix[2*i] = uint8(v >> 8)
		img.Pix[2*i+1] = uint8(v)
	}

	f, err := os.Create(name)
	if err != nil {
		return err
	}
	if err := tiff.Encode(f, img, &tiff.Options{Compression: tiff.Deflate}); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
