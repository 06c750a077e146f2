package acquisition

import (
	"encoding/binary"
	"image"
	"image/color"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/KevinKickass/OpenScopeCore/internal/protocol"
	"github.com/KevinKickass/OpenScopeCore/internal/types"
	"go.uber.org/zap/zaptest"
	"golang.org/x/image/tiff"
	"gopkg.in/yaml.v3"
)

var scanTime = time.Date(2024, 3, 1, 9, 30, 0, 0, time.UTC)

func testFrames(n int) []types.Frame {
	frames := make([]types.Frame, n)
	for i := range frames {
		pix := make([]uint16, 3*2)
		for j := range pix {
			pix[j] = uint16(i*1000 + j*10000)
		}
		frames[i] = types.Frame{Width: 3, Height: 2, Pix: pix}
	}
	return frames
}

func testMetadata() Metadata {
	temp := -70.0
	return Metadata{
		Timestamp:  scanTime,
		SampleName: "embryo_07",
		Exposure:   0.05,
		ZStep:      0.25,
		ZTotal:     0.5,
		NumZPlanes: 2,
		Lines: []Line{
			{Lightsource: "488 nm", Intensity: 20},
			{Lightsource: "561 nm", Intensity: 15},
		},
		SensorTemperature: &temp,
	}
}

func TestCompletePathIncrements(t *testing.T) {
	stem := t.TempDir()

	first, err := CompletePath(stem, "embryo", protocol.FileTIFF, scanTime)
	if err != nil {
		t.Fatal(err)
	}
	want := filepath.Join(stem, "2024_03_01", "001_Scan_embryo", "scan_001.tiff")
	if first != want {
		t.Fatalf("first path = %s, want %s", first, want)
	}

	// a stray file in the day directory does not count
	if err := os.WriteFile(filepath.Join(stem, "2024_03_01", "notes.txt"), nil, 0o644); err != nil {
		t.Fatal(err)
	}

	second, err := CompletePath(stem, "embryo", protocol.FileFITS, scanTime)
	if err != nil {
		t.Fatal(err)
	}
	want = filepath.Join(stem, "2024_03_01", "002_Scan_embryo", "scan_002.fits")
	if second != want {
		t.Fatalf("second path = %s, want %s", second, want)
	}
	if info, err := os.Stat(filepath.Dir(second)); err != nil || !info.IsDir() {
		t.Fatalf("scan directory not created: %v", err)
	}
}

func TestROIPath(t *testing.T) {
	base, err := CompletePath(t.TempDir(), "embryo", protocol.FileTIFF, scanTime)
	if err != nil {
		t.Fatal(err)
	}
	got, err := ROIPath(base, "roi_b")
	if err != nil {
		t.Fatal(err)
	}
	want := filepath.Join(filepath.Dir(base), "roi_b", "scan_001_roi_b.tiff")
	if got != want {
		t.Fatalf("path = %s, want %s", got, want)
	}
	if info, err := os.Stat(filepath.Dir(got)); err != nil || !info.IsDir() {
		t.Fatalf("roi directory not created: %v", err)
	}
}

func TestSaveTIFF(t *testing.T) {
	path, err := CompletePath(t.TempDir(), "embryo", protocol.FileTIFF, scanTime)
	if err != nil {
		t.Fatal(err)
	}
	var z ZPositions
	z.Add(49.75, 49.76)
	z.Add(50, 50.01)

	saved, err := NewWriter(zaptest.NewLogger(t)).Save(Scan{
		Path:       path,
		Format:     protocol.FileTIFF,
		Frames:     testFrames(2),
		Metadata:   testMetadata(),
		ZPositions: z,
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(saved.DataFiles) != 2 || !strings.HasSuffix(saved.DataFiles[1], "scan_001_0001.tiff") {
		t.Fatalf("data files = %v", saved.DataFiles)
	}

	f, err := os.Open(saved.DataFiles[1])
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	img, err := tiff.Decode(f)
	if err != nil {
		t.Fatal(err)
	}
	if img.Bounds() != image.Rect(0, 0, 3, 2) {
		t.Fatalf("bounds = %v", img.Bounds())
	}
	// frame 1, pixel index 4 -> x=1, y=1
	if got := color.Gray16Model.Convert(img.At(1, 1)).(color.Gray16).Y; got != 1000+4*10000 {
		t.Fatalf("pixel = %d", got)
	}

	data, err := os.ReadFile(saved.ZPositions)
	if err != nil {
		t.Fatal(err)
	}
	var gotZ ZPositions
	if err := yaml.Unmarshal(data, &gotZ); err != nil {
		t.Fatal(err)
	}
	if len(gotZ.Target) != 2 || gotZ.Actual[1] != 50.01 {
		t.Fatalf("z positions = %+v", gotZ)
	}
}

func TestSaveFITS(t *testing.T) {
	path, err := CompletePath(t.TempDir(), "embryo", protocol.FileFITS, scanTime)
	if err != nil {
		t.Fatal(err)
	}

	saved, err := NewWriter(zaptest.NewLogger(t)).Save(Scan{
		Path:     path,
		Format:   protocol.FileFITS,
		Frames:   testFrames(2),
		Metadata: testMetadata(),
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(saved.DataFiles) != 1 || saved.DataFiles[0] != path {
		t.Fatalf("data files = %v", saved.DataFiles)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if len(data)%fitsBlock != 0 {
		t.Fatalf("file size %d is not a multiple of %d", len(data), fitsBlock)
	}

	header := string(data[:fitsBlock])
	for _, want := range []string{
		"SIMPLE  =                    T",
		"NAXIS   =                    3",
		"NAXIS1  =                    3",
		"NAXIS3  =                    2",
		"SAMPLE  = 'embryo_07'",
		"LINE2   = '561 nm  '",
		"INTENS1 =                   20",
		"END",
	} {
		if !strings.Contains(header, want) {
			t.Errorf("header misses %q", want)
		}
	}

	// second frame, first pixel
	off := fitsBlock + 3*2*2
	raw := int16(binary.BigEndian.Uint16(data[off : off+2]))
	if got := int(raw) + 32768; got != 1000 {
		t.Fatalf("pixel = %d, want 1000", got)
	}

	sidecar, err := os.ReadFile(saved.Sidecar)
	if err != nil {
		t.Fatal(err)
	}
	var meta Metadata
	if err := yaml.Unmarshal(sidecar, &meta); err != nil {
		t.Fatal(err)
	}
	if meta.SampleName != "embryo_07" || len(meta.Lines) != 2 || meta.SensorTemperature == nil {
		t.Fatalf("sidecar = %+v", meta)
	}
}

func TestFITSRejectsMixedFrameSizes(t *testing.T) {
	frames := testFrames(2)
	frames[1] = types.Frame{Width: 1, Height: 1, Pix: []uint16{0}}

	err := writeFITS(filepath.Join(t.TempDir(), "x.fits"), frames, Metadata{})
	if err == nil {
		t.Fatal("expected error for mixed frame sizes")
	}
}

func TestMetadataFor(t *testing.T) {
	p, err := protocol.Parse([]byte(`
name: scan
sample_name: embryo
num_z_planes: 4
z_step: 0.5
exposure: 0.1
imaging_sequence:
  - ['488 nm', 20]
`), protocol.FormatYAML)
	if err != nil {
		t.Fatal(err)
	}

	meta := MetadataFor(p, "", []protocol.LightLine{{Lightsource: "488 nm", Intensity: 20}}, 0, scanTime)
	if meta.ZTotal != 2 || meta.NumZPlanes != 4 || meta.Exposure != 0.1 || meta.SampleName != "embryo" {
		t.Fatalf("metadata = %+v", meta)
	}

	// one roi with its own plane count
	meta = MetadataFor(p, "roi_a", nil, 2, scanTime)
	if meta.ROI != "roi_a" || meta.NumZPlanes != 2 || meta.ZTotal != 1 {
		t.Fatalf("roi metadata = %+v", meta)
	}
	if len(meta.Lines) != 1 || meta.Lines[0].Intensity != 20 {
		t.Fatalf("lines = %+v", meta.Lines)
	}
}
