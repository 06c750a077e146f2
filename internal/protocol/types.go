package protocol

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Kind enumerates the step kinds the engine knows how to execute.
type Kind string

const (
	KindInjection     Kind = "injection"
	KindIncubation    Kind = "incubation"
	KindImagingPlane  Kind = "imaging_plane"
	KindIllumination  Kind = "illumination"
	KindWaitForIdle   Kind = "wait_for_idle"
	KindValvePosition Kind = "valve_position"
	KindRinse         Kind = "rinse"
	KindStageMove     Kind = "stage_move"
	KindAutofocus     Kind = "autofocus"
)

var knownKinds = map[Kind]struct{}{
	KindInjection:     {},
	KindIncubation:    {},
	KindImagingPlane:  {},
	KindIllumination:  {},
	KindWaitForIdle:   {},
	KindValvePosition: {},
	KindRinse:         {},
	KindStageMove:     {},
	KindAutofocus:     {},
}

func (k Kind) Valid() bool {
	_, ok := knownKinds[k]
	return ok
}

// Blocking reports whether the step suspends the run until a physical condition is met.
// Rinse is fire-and-continue: it starts a timer and returns.
func (k Kind) Blocking() bool {
	return k != KindRinse
}

type FileFormat string

const (
	FileTIFF FileFormat = "tiff"
	FileFITS FileFormat = "fits"
)

// LightLine is one lightsource/intensity pair of an imaging or illumination step.
type LightLine struct {
	Lightsource string  `yaml:"lightsource" json:"lightsource"`
	Intensity   float64 `yaml:"intensity" json:"intensity"`
	FilterPos   int     `yaml:"filter_pos,omitempty" json:"filter_pos,omitempty"`
}

// Step is one atomic unit of a protocol. Values handed out by Protocol are copies.
type Step struct {
	Index         int         `json:"index"`
	Kind          Kind        `json:"kind"`
	Name          string      `json:"name"`
	Product       string      `json:"product,omitempty"`
	Volume        float64     `json:"volume,omitempty"`   // µl
	Flowrate      float64     `json:"flowrate,omitempty"` // µl/min
	Duration      Duration    `json:"duration,omitempty"`
	ValveID       string      `json:"valve_id,omitempty"`
	ValvePosition int         `json:"position,omitempty"`
	ZPosition     *float64    `json:"z_position,omitempty"` // absolute, µm
	ZOffset       *float64    `json:"z_offset,omitempty"`   // from scan start, µm
	Lines         []LightLine `json:"lines,omitempty"`
	Timeout       Duration    `json:"timeout,omitempty"`
	ROI           string      `json:"roi,omitempty"`
	X             *float64    `json:"x,omitempty"` // stage, µm
	Y             *float64    `json:"y,omitempty"`
}

func (s Step) Blocking() bool {
	return s.Kind.Blocking()
}

func (s Step) clone() Step {
	out := s
	if s.Lines != nil {
		out.Lines = append([]LightLine(nil), s.Lines...)
	}
	if s.ZPosition != nil {
		z := *s.ZPosition
		out.ZPosition = &z
	}
	if s.ZOffset != nil {
		z := *s.ZOffset
		out.ZOffset = &z
	}
	if s.X != nil {
		x := *s.X
		out.X = &x
	}
	if s.Y != nil {
		y := *s.Y
		out.Y = &y
	}
	return out
}

// Imaging carries the protocol-level z-scan settings.
type Imaging struct {
	NumZPlanes int     `yaml:"num_z_planes,omitempty" json:"num_z_planes,omitempty"`
	ZStep      float64 `yaml:"z_step,omitempty" json:"z_step,omitempty"`
	Centered   bool    `yaml:"centered_focal_plane" json:"centered_focal_plane"`
	Exposure   float64 `yaml:"exposure,omitempty" json:"exposure,omitempty"`
	Gain       float64 `yaml:"gain,omitempty" json:"gain,omitempty"`
	FilterName string  `yaml:"filter,omitempty" json:"filter,omitempty"`
}

// Protocol is an immutable, validated, ordered sequence of steps plus run metadata.
type Protocol struct {
	name       string
	sampleName string
	savePath   string
	fileFormat FileFormat
	imaging    Imaging
	buffer     map[int]string
	steps      []Step
}

func (p *Protocol) Name() string           { return p.name }
func (p *Protocol) SampleName() string     { return p.sampleName }
func (p *Protocol) SavePath() string       { return p.savePath }
func (p *Protocol) FileFormat() FileFormat { return p.fileFormat }
func (p *Protocol) Imaging() Imaging       { return p.imaging }
func (p *Protocol) Len() int               { return len(p.steps) }

// Step returns a copy of step i.
func (p *Protocol) Step(i int) (Step, error) {
	if i < 0 || i >= len(p.steps) {
		return Step{}, fmt.Errorf("step index %d out of range [0,%d)", i, len(p.steps))
	}
	return p.steps[i].clone(), nil
}

// Steps returns a copy of the ordered step list.
func (p *Protocol) Steps() []Step {
	out := make([]Step, len(p.steps))
	for i, s := range p.steps {
		out[i] = s.clone()
	}
	return out
}

// Buffer returns a copy of the valve port -> product mapping.
func (p *Protocol) Buffer() map[int]string {
	out := make(map[int]string, len(p.buffer))
	for k, v := range p.buffer {
		out[k] = v
	}
	return out
}

// Port resolves the valve port a product is connected to.
func (p *Protocol) Port(product string) (int, bool) {
	ports := make([]int, 0, len(p.buffer))
	for port := range p.buffer {
		ports = append(ports, port)
	}
	sort.Ints(ports)
	for _, port := range ports {
		if p.buffer[port] == product {
			return port, true
		}
	}
	return 0, false
}

// Kinds returns the set of step kinds used by the protocol.
func (p *Protocol) Kinds() map[Kind]int {
	out := make(map[Kind]int)
	for _, s := range p.steps {
		out[s.Kind]++
	}
	return out
}

// ValveIDs returns the valve identifiers referenced directly by steps.
func (p *Protocol) ValveIDs() []string {
	seen := make(map[string]struct{})
	ids := make([]string, 0)
	for _, s := range p.steps {
		if s.ValveID == "" {
			continue
		}
		if _, ok := seen[s.ValveID]; ok {
			continue
		}
		seen[s.ValveID] = struct{}{}
		ids = append(ids, s.ValveID)
	}
	sort.Strings(ids)
	return ids
}

// Duration is a time.Duration that reads plain numbers as seconds and strings like "2s" or "100ms".
type Duration struct {
	time.Duration
}

func Seconds(s float64) Duration {
	return Duration{time.Duration(s * float64(time.Second))}
}

func parseDurationValue(v any) (Duration, error) {
	switch value := v.(type) {
	case float64:
		return Seconds(value), nil
	case int:
		return Seconds(float64(value)), nil
	case string:
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return Seconds(f), nil
		}
		d, err := time.ParseDuration(value)
		if err != nil {
			return Duration{}, err
		}
		return Duration{d}, nil
	default:
		return Duration{}, fmt.Errorf("invalid duration type: %T", value)
	}
}

// UnmarshalJSON parses duration from a number of seconds or a string like "2s".
func (d *Duration) UnmarshalJSON(b []byte) error {
	var v interface{}
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	parsed, err := parseDurationValue(v)
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}

// MarshalJSON serializes duration as seconds
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.Seconds())
}

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var v interface{}
	if err := node.Decode(&v); err != nil {
		return err
	}
	parsed, err := parseDurationValue(v)
	if err != nil {
		return fmt.Errorf("line %d: %w", node.Line, err)
	}
	*d = parsed
	return nil
}

func (d Duration) MarshalYAML() (interface{}, error) {
	secs := d.Seconds()
	if secs == math.Trunc(secs) {
		return int64(secs), nil
	}
	return secs, nil
}
