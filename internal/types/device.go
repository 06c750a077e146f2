package types

// Capability names a device role inside a device set.
type Capability string

const (
	CapValves      Capability = "valves"
	CapFlow        Capability = "flow"
	CapCamera      Capability = "camera"
	CapHandshake   Capability = "handshake"
	CapPositioner  Capability = "piezo"
	CapLightSource Capability = "lasers"
	CapFilterWheel Capability = "filter_wheel"
	CapStage       Capability = "stage"
	CapRinser      Capability = "rinser"
	CapNotifier    Capability = "actions"
	CapAutofocus   Capability = "autofocus"
)

// SessionParams configures the FPGA imaging session for a z-scan.
type SessionParams struct {
	NumPlanes   int       `json:"num_planes" yaml:"num_planes"`
	Lines       []string  `json:"lines" yaml:"lines"`
	Intensities []float64 `json:"intensities" yaml:"intensities"`
	Exposure    float64   `json:"exposure" yaml:"exposure"` // s
}

// FrameCount is the number of frames a session acquires: one per plane and line.
func (p SessionParams) FrameCount() int {
	return p.NumPlanes * len(p.Lines)
}

// AcquisitionParams prepares the camera for an externally triggered series.
type AcquisitionParams struct {
	Exposure  float64 `json:"exposure"` // s
	Gain      float64 `json:"gain"`
	NumFrames int     `json:"num_frames"`
}

// Frame is one 16-bit grayscale image, row-major.
type Frame struct {
	Width  int
	Height int
	Pix    []uint16
}

func (f Frame) At(x, y int) uint16 {
	return f.Pix[y*f.Width+x]
}

// DeviceInfo describes one registered device for the API.
type DeviceInfo struct {
	Capability Capability     `json:"capability"`
	Driver     string         `json:"driver"`
	Details    map[string]any `json:"details,omitempty"`
}
