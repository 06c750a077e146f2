package acquisition

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/KevinKickass/OpenScopeCore/internal/types"
)

const (
	fitsBlock    = 2880
	fitsCardSize = 80
)

type card struct {
	key     string
	value   any
	comment string
}

// writeFITS stores the frames as one primary HDU with a NAXIS=3 16-bit cube.
// Unsigned pixels are stored with BZERO=32768 as the standard requires.
func writeFITS(path string, frames []types.Frame, meta Metadata) error {
	if len(frames) == 0 {
		return fmt.Errorf("no frames to write")
	}
	width, height := frames[0].Width, frames[0].Height
	for i, frame := range frames {
		if frame.Width != width || frame.Height != height || len(frame.Pix) != width*height {
			return fmt.Errorf("frame %d: size %dx%d differs from %dx%d", i, frame.Width, frame.Height, width, height)
		}
	}

	cards := []card{
		{"SIMPLE", true, "conforms to FITS standard"},
		{"BITPIX", 16, "16-bit integers"},
		{"NAXIS", 3, "number of axes"},
		{"NAXIS1", width, ""},
		{"NAXIS2", height, ""},
		{"NAXIS3", len(frames), "frames"},
		{"BZERO", 32768, "unsigned 16-bit offset"},
		{"BSCALE", 1, ""},
	}
	cards = append(cards, meta.fitsCards()...)

	f, err := os.Create(path)
	if err != nil {
		return err
	}
	w := bufio.NewWriter(f)

	header := encodeHeader(cards)
	if _, err := w.Write(header); err != nil {
		f.Close()
		return err
	}

	written := 0
	buf := make([]byte, 2)
	for _, frame := range frames {
		for _, v := range frame.Pix {
			binary.BigEndian.PutUint16(buf, v^0x8000)
			if _, err := w.Write(buf); err != nil {
				f.Close()
				return err
			}
			written += 2
		}
	}
	if pad := padding(written); pad > 0 {
		if _, err := w.Write(make([]byte, pad)); err != nil {
			f.Close()
			return err
		}
	}

	if err := w.Flush(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func encodeHeader(cards []card) []byte {
	var sb strings.Builder
	for _, c := range cards {
		sb.WriteString(formatCard(c))
	}
	sb.WriteString(pad("END", fitsCardSize))

	n := sb.Len()
	sb.WriteString(strings.Repeat(" ", padding(n)))
	return []byte(sb.String())
}

func formatCard(c card) string {
	var value string
	switch v := c.value.(type) {
	case bool:
		value = fmt.Sprintf("%20s", map[bool]string{true: "T", false: "F"}[v])
	case int:
		value = fmt.Sprintf("%20d", v)
	case float64:
		value = fmt.Sprintf("%20s", strconv.FormatFloat(v, 'G', -1, 64))
	case string:
		s := strings.ReplaceAll(v, "'", "''")
		if len(s) > 68 {
			s = strings.TrimRight(s[:68], "'")
		}
		if len(s) < 8 {
			s += strings.Repeat(" ", 8-len(s))
		}
		value = "'" + s + "'"
	default:
		value = fmt.Sprintf("%20v", v)
	}

	line := fmt.Sprintf("%-8s= %s", strings.ToUpper(c.key), value)
	if c.comment != "" {
		line += " / " + c.comment
	}
	return pad(line, fitsCardSize)
}

// pad truncates or space-fills s to exactly n bytes.
func pad(s string, n int) string {
	if len(s) >= n {
		return s[:n]
	}
	return s + strings.Repeat(" ", n-len(s))
}

func padding(n int) int {
	if rem := n % fitsBlock; rem != 0 {
		return fitsBlock - rem
	}
	return 0
}
