// Package acquisition persists the frames of a finished z-scan together with their metadata.
package acquisition

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/KevinKickass/OpenScopeCore/internal/protocol"
	"github.com/KevinKickass/OpenScopeCore/internal/types"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

type Line struct {
	Lightsource string  `yaml:"lightsource"`
	Intensity   float64 `yaml:"intensity"`
}

// Metadata is written as the YAML sidecar of a scan and into the FITS header.
type Metadata struct {
	Timestamp         time.Time `yaml:"timestamp"`
	SampleName        string    `yaml:"sample_name"`
	ROI               string    `yaml:"roi,omitempty"`
	Filter            string    `yaml:"filter,omitempty"`
	Gain              float64   `yaml:"gain"`
	Exposure          float64   `yaml:"exposure"` // s
	ZStep             float64   `yaml:"z_step"`   // µm
	ZTotal            float64   `yaml:"z_total"`  // µm
	NumZPlanes        int       `yaml:"num_z_planes"`
	Lines             []Line    `yaml:"lines"`
	SensorTemperature *float64  `yaml:"sensor_temperature,omitempty"` // °C
}

// MetadataFor collects the metadata of one z-scan of p: planes imaged with lines at roi.
// planes <= 0 falls back to the protocol's plane count.
func MetadataFor(p *protocol.Protocol, roi string, lines []protocol.LightLine, planes int, now time.Time) Metadata {
	img := p.Imaging()
	if planes <= 0 {
		planes = img.NumZPlanes
	}
	meta := Metadata{
		Timestamp:  now,
		SampleName: p.SampleName(),
		ROI:        roi,
		Filter:     img.FilterName,
		Gain:       img.Gain,
		Exposure:   img.Exposure,
		ZStep:      img.ZStep,
		ZTotal:     img.ZStep * float64(planes),
		NumZPlanes: planes,
	}
	for _, l := range lines {
		meta.Lines = append(meta.Lines, Line{Lightsource: l.Lightsource, Intensity: l.Intensity})
	}
	return meta
}

func (m Metadata) fitsCards() []card {
	cards := []card{
		{"SAMPLE", m.SampleName, "sample name"},
		{"EXPOSURE", m.Exposure, "exposure time (s)"},
		{"Z_STEP", m.ZStep, "scan step length (um)"},
		{"Z_TOTAL", m.ZTotal, "scan total length (um)"},
		{"CHANNELS", len(m.Lines), "number laserlines"},
	}
	if m.ROI != "" {
		cards = append(cards, card{"ROI", m.ROI, "region of interest"})
	}
	for i, l := range m.Lines {
		cards = append(cards,
			card{fmt.Sprintf("LINE%d", i+1), l.Lightsource, fmt.Sprintf("laser line %d", i+1)},
			card{fmt.Sprintf("INTENS%d", i+1), l.Intensity, fmt.Sprintf("laser intensity %d", i+1)},
		)
	}
	if m.SensorTemperature != nil {
		cards = append(cards, card{"CCD-TEMP", *m.SensorTemperature, "sensor temperature (C)"})
	}
	return cards
}

// ZPositions records the commanded and read-back piezo position of every imaged plane.
type ZPositions struct {
	Target []float64 `yaml:"target"`
	Actual []float64 `yaml:"actual"`
}

func (z *ZPositions) Add(target, actual float64) {
	z.Target = append(z.Target, target)
	z.Actual = append(z.Actual, actual)
}

// Scan is everything a finished acquisition hands to the Writer.
type Scan struct {
	Path       string // from CompletePath
	Format     protocol.FileFormat
	Frames     []types.Frame
	Metadata   Metadata
	ZPositions ZPositions
}

// Saved lists the files written for a scan.
type Saved struct {
	DataFiles  []string `json:"data_files"`
	Sidecar    string   `json:"sidecar"`
	ZPositions string   `json:"z_positions"`
}

type Writer struct {
	logger *zap.Logger
}

func NewWriter(logger *zap.Logger) *Writer {
	return &Writer{logger: logger}
}

func (w *Writer) Save(scan Scan) (Saved, error) {
	var saved Saved
	if len(scan.Frames) == 0 {
		return saved, fmt.Errorf("scan %s has no frames", scan.Path)
	}

	switch scan.Format {
	case protocol.FileFITS:
		if err := writeFITS(scan.Path, scan.Frames, scan.Metadata); err != nil {
			return saved, fmt.Errorf("write fits: %w", err)
		}
		saved.DataFiles = []string{scan.Path}
	default:
		files, err := writeTIFF(scan.Path, scan.Frames)
		saved.DataFiles = files
		if err != nil {
			return saved, fmt.Errorf("write tiff: %w", err)
		}
	}

	saved.Sidecar = strings.TrimSuffix(scan.Path, filepath.Ext(scan.Path)) + ".yaml"
	if err := writeYAML(saved.Sidecar, scan.Metadata); err != nil {
		return saved, fmt.Errorf("write metadata: %w", err)
	}

	saved.ZPositions = filepath.Join(filepath.Dir(scan.Path), "z_positions.yaml")
	if err := writeYAML(saved.ZPositions, scan.ZPositions); err != nil {
		return saved, fmt.Errorf("write z positions: %w", err)
	}

	w.logger.Info("Scan saved",
		zap.String("path", scan.Path),
		zap.String("format", string(scan.Format)),
		zap.Int("frames", len(scan.Frames)))

	return saved, nil
}

func writeYAML(path string, v any) error {
	data, err := yaml.Marshal(v)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}
