package protocol

import (
	"fmt"
	"sort"
	"strconv"

	"gopkg.in/yaml.v3"
)

// document is the on-disk shape of a protocol. The explicit steps form and the task-script
// forms (hybridization list, imaging sequence, photobleaching list, illumination) may be
// combined; they expand in the order steps, hybridization, rinse, imaging, photobleaching,
// illumination. With a roi_list the imaging block repeats once per region of interest.
type document struct {
	Name       string         `yaml:"name,omitempty"`
	SampleName string         `yaml:"sample_name,omitempty"`
	SavePath   string         `yaml:"save_path,omitempty"`
	FileFormat string         `yaml:"file_format,omitempty"`
	Buffer     portMap        `yaml:"buffer,omitempty"`
	Imaging    *Imaging       `yaml:"imaging,omitempty"`
	Steps      []stepDoc      `yaml:"steps,omitempty"`

	NumZPlanes      *int         `yaml:"num_z_planes,omitempty"`
	ZStep           *float64     `yaml:"z_step,omitempty"`
	Centered        *bool        `yaml:"centered_focal_plane,omitempty"`
	Exposure        *float64     `yaml:"exposure,omitempty"`
	Gain            *float64     `yaml:"gain,omitempty"`
	Filter          string       `yaml:"filter,omitempty"`
	ImagingSequence lineSequence `yaml:"imaging_sequence,omitempty"`
	ROIList         []roiDoc     `yaml:"roi_list,omitempty"`
	Autofocus       *bool        `yaml:"autofocus,omitempty"`

	Hybridization  []fluidicsEntry  `yaml:"hybridization list,omitempty"`
	RinseTime      *Duration        `yaml:"rinse_time,omitempty"`
	Photobleaching []fluidicsEntry  `yaml:"photobleaching list,omitempty"`
	Illumination   *illuminationDoc `yaml:"illumination,omitempty"`
}

type stepDoc struct {
	Kind      string       `yaml:"kind"`
	Name      string       `yaml:"name,omitempty"`
	Product   *string      `yaml:"product,omitempty"`
	Volume    *float64     `yaml:"volume,omitempty"`
	Flowrate  *float64     `yaml:"flowrate,omitempty"`
	Time      *Duration    `yaml:"time,omitempty"`
	Duration  *Duration    `yaml:"duration,omitempty"`
	ValveID   string       `yaml:"valve_id,omitempty"`
	Position  *int         `yaml:"position,omitempty"`
	ZPosition *float64     `yaml:"z_position,omitempty"`
	ZOffset   *float64     `yaml:"z_offset,omitempty"`
	Lines     lineSequence `yaml:"lines,omitempty"`
	Timeout   *Duration    `yaml:"timeout,omitempty"`
	ROI       string       `yaml:"roi,omitempty"`
	X         *float64     `yaml:"x,omitempty"`
	Y         *float64     `yaml:"y,omitempty"`
}

// roiDoc is one stage position of a multi-position scan.
type roiDoc struct {
	Name string   `yaml:"name"`
	X    *float64 `yaml:"x"`
	Y    *float64 `yaml:"y"`
}

func (r roiDoc) moveStep(name string) (Step, presence) {
	s := Step{Kind: KindStageMove, Name: name, ROI: r.Name, X: r.X, Y: r.Y}
	return s, presence{xy: r.X != nil && r.Y != nil}
}

// fluidicsEntry is one row of a hybridization or photobleaching list.
// A null product means "wait for time seconds".
type fluidicsEntry struct {
	Product  *string   `yaml:"product"`
	Volume   *float64  `yaml:"volume"`
	Flowrate *float64  `yaml:"flowrate"`
	Time     *Duration `yaml:"time"`
}

type illuminationDoc struct {
	Time     *Duration    `yaml:"illumination_time"`
	Sequence lineSequence `yaml:"sequence"`
}

// portMap maps valve ports to products. Keys may be YAML integers or quoted strings (JSON).
type portMap map[int]string

func (pm *portMap) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.MappingNode {
		return fmt.Errorf("line %d: buffer must be a mapping of valve port to product", node.Line)
	}
	out := make(portMap, len(node.Content)/2)
	for i := 0; i+1 < len(node.Content); i += 2 {
		port, err := strconv.Atoi(node.Content[i].Value)
		if err != nil {
			return fmt.Errorf("line %d: buffer key %q is not a valve port", node.Content[i].Line, node.Content[i].Value)
		}
		var product string
		if err := node.Content[i+1].Decode(&product); err != nil {
			return err
		}
		out[port] = product
	}
	*pm = out
	return nil
}

// lineSequence accepts a list of line objects, a list of [lightsource, intensity] pairs,
// or a mapping index -> line ordered by index.
type lineSequence []LightLine

func (ls *lineSequence) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.MappingNode:
		type keyed struct {
			idx  int
			line LightLine
		}
		entries := make([]keyed, 0, len(node.Content)/2)
		for i := 0; i+1 < len(node.Content); i += 2 {
			idx, err := strconv.Atoi(node.Content[i].Value)
			if err != nil {
				return fmt.Errorf("line %d: sequence key %q is not an index", node.Content[i].Line, node.Content[i].Value)
			}
			line, err := decodeLine(node.Content[i+1])
			if err != nil {
				return err
			}
			entries = append(entries, keyed{idx: idx, line: line})
		}
		sort.SliceStable(entries, func(a, b int) bool { return entries[a].idx < entries[b].idx })
		out := make([]LightLine, len(entries))
		for i, e := range entries {
			out[i] = e.line
		}
		*ls = out
		return nil
	case yaml.SequenceNode:
		out := make([]LightLine, 0, len(node.Content))
		for _, item := range node.Content {
			line, err := decodeLine(item)
			if err != nil {
				return err
			}
			out = append(out, line)
		}
		*ls = out
		return nil
	default:
		return fmt.Errorf("line %d: expected list or mapping of lightsource lines", node.Line)
	}
}

func decodeLine(node *yaml.Node) (LightLine, error) {
	var line LightLine
	if node.Kind == yaml.SequenceNode {
		// ['488 nm', 20] oder ['488 nm', 20, 2]
		if len(node.Content) < 2 || len(node.Content) > 3 {
			return line, fmt.Errorf("line %d: expected [lightsource, intensity(, filter_pos)]", node.Line)
		}
		if err := node.Content[0].Decode(&line.Lightsource); err != nil {
			return line, err
		}
		if err := node.Content[1].Decode(&line.Intensity); err != nil {
			return line, err
		}
		if len(node.Content) == 3 {
			if err := node.Content[2].Decode(&line.FilterPos); err != nil {
				return line, err
			}
		}
		return line, nil
	}
	if err := node.Decode(&line); err != nil {
		return line, err
	}
	return line, nil
}

// expand turns the document into the ordered step list. Missing numeric values are left at
// zero and flagged by the validator through the returned presence info.
func (d *document) expand() ([]Step, []presence) {
	steps := make([]Step, 0, len(d.Steps))
	marks := make([]presence, 0, len(d.Steps))
	add := func(s Step, p presence) {
		s.Index = len(steps)
		if s.Name == "" {
			s.Name = fmt.Sprintf("%s %d", s.Kind, s.Index)
		}
		steps = append(steps, s)
		marks = append(marks, p)
	}

	for i, sd := range d.Steps {
		s, p := sd.toStep()
		p.path = fmt.Sprintf("/steps/%d", i)
		add(s, p)
	}

	for i, e := range d.Hybridization {
		s, p := e.toStep()
		p.path = fmt.Sprintf("/hybridization list/%d", i)
		add(s, p)
	}

	if d.RinseTime != nil {
		add(Step{Kind: KindRinse, Name: "rinse needle", Duration: *d.RinseTime},
			presence{path: "/rinse_time", duration: true})
	}

	if img := d.imaging(); img.NumZPlanes > 0 && len(d.ImagingSequence) > 0 {
		planes := func(roi string) {
			for plane := 0; plane < img.NumZPlanes; plane++ {
				offset := float64(plane) * img.ZStep
				name := fmt.Sprintf("plane %d", plane)
				if roi != "" {
					name = fmt.Sprintf("%s plane %d", roi, plane)
				}
				add(Step{
					Kind:    KindImagingPlane,
					Name:    name,
					ZOffset: &offset,
					Lines:   append([]LightLine(nil), d.ImagingSequence...),
					ROI:     roi,
				}, presence{path: "/imaging_sequence"})
			}
		}
		if len(d.ROIList) == 0 {
			planes("")
		}
		for i, roi := range d.ROIList {
			s, p := roi.moveStep("move to " + roi.Name)
			p.path = fmt.Sprintf("/roi_list/%d", i)
			add(s, p)
			if d.autofocusEnabled() {
				add(Step{Kind: KindAutofocus, Name: "autofocus " + roi.Name, ROI: roi.Name},
					presence{path: "/autofocus"})
			}
			planes(roi.Name)
		}
		// zurück zur ersten ROI
		if len(d.ROIList) > 1 {
			first := d.ROIList[0]
			s, p := first.moveStep("return to " + first.Name)
			p.path = "/roi_list/0"
			add(s, p)
		}
	}

	for i, e := range d.Photobleaching {
		s, p := e.toStep()
		p.path = fmt.Sprintf("/photobleaching list/%d", i)
		add(s, p)
	}

	if d.Illumination != nil {
		s := Step{Kind: KindIllumination, Name: "illumination", Lines: []LightLine(d.Illumination.Sequence)}
		p := presence{path: "/illumination"}
		if d.Illumination.Time != nil {
			s.Duration = *d.Illumination.Time
			p.duration = true
		}
		add(s, p)
	}

	return steps, marks
}

func (d *document) autofocusEnabled() bool {
	return d.Autofocus != nil && *d.Autofocus
}

// imagingStepCount is the number of steps the imaging block expands to.
func imagingStepCount(planes, rois int, autofocus bool) int {
	if planes <= 0 {
		return 0
	}
	if rois == 0 {
		return planes
	}
	perROI := 1 + planes
	if autofocus {
		perROI++
	}
	n := rois * perROI
	if rois > 1 {
		n++
	}
	return n
}

// imaging merges the imaging block with the flat task-script keys; flat keys win.
func (d *document) imaging() Imaging {
	var img Imaging
	if d.Imaging != nil {
		img = *d.Imaging
	}
	if d.NumZPlanes != nil {
		img.NumZPlanes = *d.NumZPlanes
	}
	if d.ZStep != nil {
		img.ZStep = *d.ZStep
	}
	if d.Centered != nil {
		img.Centered = *d.Centered
	}
	if d.Exposure != nil {
		img.Exposure = *d.Exposure
	}
	if d.Gain != nil {
		img.Gain = *d.Gain
	}
	if d.Filter != "" {
		img.FilterName = d.Filter
	}
	return img
}

// presence records which optional fields a document actually set.
type presence struct {
	path     string
	product  bool
	volume   bool
	flowrate bool
	duration bool
	position bool
	xy       bool
}

func (sd stepDoc) toStep() (Step, presence) {
	s := Step{
		Kind:      Kind(sd.Kind),
		Name:      sd.Name,
		ValveID:   sd.ValveID,
		ZPosition: sd.ZPosition,
		ZOffset:   sd.ZOffset,
		Lines:     []LightLine(sd.Lines),
		ROI:       sd.ROI,
		X:         sd.X,
		Y:         sd.Y,
	}
	p := presence{xy: sd.X != nil && sd.Y != nil}
	if sd.Product != nil {
		s.Product = *sd.Product
		p.product = true
	}
	if sd.Volume != nil {
		s.Volume = *sd.Volume
		p.volume = true
	}
	if sd.Flowrate != nil {
		s.Flowrate = *sd.Flowrate
		p.flowrate = true
	}
	switch {
	case sd.Duration != nil:
		s.Duration = *sd.Duration
		p.duration = true
	case sd.Time != nil:
		s.Duration = *sd.Time
		p.duration = true
	}
	if sd.Position != nil {
		s.ValvePosition = *sd.Position
		p.position = true
	}
	if sd.Timeout != nil {
		s.Timeout = *sd.Timeout
	}
	return s, p
}

func (e fluidicsEntry) toStep() (Step, presence) {
	if e.Product == nil {
		s := Step{Kind: KindIncubation}
		p := presence{}
		if e.Time != nil {
			s.Duration = *e.Time
			p.duration = true
		}
		return s, p
	}
	s := Step{Kind: KindInjection, Product: *e.Product}
	p := presence{product: true}
	if e.Volume != nil {
		s.Volume = *e.Volume
		p.volume = true
	}
	if e.Flowrate != nil {
		s.Flowrate = *e.Flowrate
		p.flowrate = true
	}
	return s, p
}

// fromProtocol builds the canonical steps-form document.
func fromProtocol(p *Protocol) document {
	d := document{
		Name:       p.name,
		SampleName: p.sampleName,
		SavePath:   p.savePath,
		FileFormat: string(p.fileFormat),
		Buffer:     p.Buffer(),
	}
	if len(d.Buffer) == 0 {
		d.Buffer = nil
	}
	if p.imaging != (Imaging{}) {
		img := p.imaging
		d.Imaging = &img
	}
	for _, s := range p.steps {
		sd := stepDoc{
			Kind:      string(s.Kind),
			Name:      s.Name,
			ValveID:   s.ValveID,
			ZPosition: s.ZPosition,
			ZOffset:   s.ZOffset,
			Lines:     lineSequence(s.Lines),
			ROI:       s.ROI,
			X:         s.X,
			Y:         s.Y,
		}
		switch s.Kind {
		case KindInjection:
			product, volume, flowrate := s.Product, s.Volume, s.Flowrate
			sd.Product, sd.Volume, sd.Flowrate = &product, &volume, &flowrate
		case KindValvePosition:
			pos := s.ValvePosition
			sd.Position = &pos
		case KindIncubation, KindIllumination, KindRinse:
			dur := s.Duration
			sd.Duration = &dur
		}
		if s.Timeout.Duration > 0 {
			timeout := s.Timeout
			sd.Timeout = &timeout
		}
		d.Steps = append(d.Steps, sd)
	}
	return d
}
