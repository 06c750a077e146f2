package protocol

import (
	"fmt"
	"strings"

	"github.com/KevinKickass/OpenScopeCore/internal/types"
)

type Report struct {
	Valid  bool          `json:"valid"`
	Errors []types.Issue `json:"errors"`
}

func (r *Report) addError(issue types.Issue) {
	r.Errors = append(r.Errors, issue)
}

func (r *Report) finalize() {
	r.Valid = len(r.Errors) == 0
	if r.Errors == nil {
		r.Errors = []types.Issue{}
	}
}

// Err returns the report as a ValidationError, or nil when valid.
func (r Report) Err() error {
	if r.Valid {
		return nil
	}
	return &types.ValidationError{Issues: append([]types.Issue(nil), r.Errors...)}
}

func protocolIssue(code, field, message string) types.Issue {
	return types.Issue{Code: code, Message: message, StepIndex: -1, Field: field, Path: "/" + field}
}

func stepIssue(code string, s Step, p presence, field, message string) types.Issue {
	path := p.path
	if field != "" {
		path += "/" + field
	}
	return types.Issue{Code: code, Message: message, StepIndex: s.Index, Field: field, Path: path}
}

// validate applies the semantic rules to an expanded document.
func validate(d *document, steps []Step, marks []presence) Report {
	rep := Report{}

	if len(steps) == 0 {
		rep.addError(protocolIssue("PROTOCOL_001", "steps", "Protocol has no steps"))
	}

	if d.FileFormat != "" {
		switch FileFormat(strings.ToLower(d.FileFormat)) {
		case FileTIFF, FileFITS:
		default:
			rep.addError(protocolIssue("PROTOCOL_002", "file_format",
				fmt.Sprintf("Unsupported file format %q (tiff or fits)", d.FileFormat)))
		}
	}

	img := d.imaging()
	if len(d.ImagingSequence) > 0 && img.NumZPlanes <= 0 {
		rep.addError(protocolIssue("PROTOCOL_003", "num_z_planes",
			"imaging_sequence requires num_z_planes > 0"))
	}
	if img.NumZPlanes > 0 && len(d.ImagingSequence) == 0 && d.Steps == nil {
		rep.addError(protocolIssue("PROTOCOL_004", "imaging_sequence",
			"num_z_planes given without an imaging_sequence"))
	}
	if img.Exposure < 0 {
		rep.addError(protocolIssue("PROTOCOL_005", "exposure", "Exposure must be >= 0"))
	}

	if (len(d.Hybridization) > 0 || len(d.Photobleaching) > 0) && len(d.Buffer) == 0 {
		rep.addError(protocolIssue("PROTOCOL_006", "buffer",
			"Fluidics lists require a buffer mapping valve port -> product"))
	}

	if len(d.ROIList) > 0 && (img.NumZPlanes <= 0 || len(d.ImagingSequence) == 0) {
		rep.addError(protocolIssue("PROTOCOL_007", "roi_list",
			"roi_list requires num_z_planes and an imaging_sequence"))
	}
	seen := make(map[string]struct{}, len(d.ROIList))
	for i, roi := range d.ROIList {
		field := fmt.Sprintf("roi_list/%d/name", i)
		if strings.TrimSpace(roi.Name) == "" {
			rep.addError(protocolIssue("PROTOCOL_008", field, "ROI needs a name"))
			continue
		}
		// der Name wird ein Verzeichnis
		if strings.ContainsAny(roi.Name, `/\`) || roi.Name == "." || roi.Name == ".." {
			rep.addError(protocolIssue("PROTOCOL_008", field, fmt.Sprintf("ROI name %q is not a plain name", roi.Name)))
			continue
		}
		if _, dup := seen[roi.Name]; dup {
			rep.addError(protocolIssue("PROTOCOL_008", field, fmt.Sprintf("Duplicate ROI %q", roi.Name)))
		}
		seen[roi.Name] = struct{}{}
	}

	products := make(map[string]struct{}, len(d.Buffer))
	for _, product := range d.Buffer {
		products[product] = struct{}{}
	}

	for i, s := range steps {
		validateStep(&rep, s, marks[i], products)
	}

	rep.finalize()
	return rep
}

func validateStep(rep *Report, s Step, p presence, products map[string]struct{}) {
	if !s.Kind.Valid() {
		rep.addError(stepIssue("STEP_001", s, p, "kind", fmt.Sprintf("Unknown step kind %q", s.Kind)))
		return
	}
	if strings.ContainsAny(s.ROI, `/\`) || s.ROI == "." || s.ROI == ".." {
		rep.addError(stepIssue("STEP_002", s, p, "roi", fmt.Sprintf("ROI name %q is not a plain name", s.ROI)))
	}

	switch s.Kind {
	case KindInjection:
		switch {
		case !p.product || strings.TrimSpace(s.Product) == "":
			rep.addError(stepIssue("INJECTION_001", s, p, "product", "Injection requires a product"))
		case len(products) > 0:
			if _, ok := products[s.Product]; !ok {
				rep.addError(stepIssue("INJECTION_002", s, p, "product",
					fmt.Sprintf("Product %q is not connected in the buffer mapping", s.Product)))
			}
		}
		if !p.volume || s.Volume <= 0 {
			rep.addError(stepIssue("INJECTION_003", s, p, "volume", "Injection volume must be > 0"))
		}
		if !p.flowrate || s.Flowrate <= 0 {
			rep.addError(stepIssue("INJECTION_004", s, p, "flowrate", "Injection flowrate must be > 0"))
		}

	case KindIncubation:
		if !p.duration {
			rep.addError(stepIssue("INCUBATION_001", s, p, "time", "Incubation requires a duration"))
		} else if s.Duration.Duration < 0 {
			rep.addError(stepIssue("INCUBATION_002", s, p, "time", "Incubation duration must be >= 0"))
		}

	case KindImagingPlane:
		if s.ZPosition == nil && s.ZOffset == nil {
			rep.addError(stepIssue("IMAGING_001", s, p, "z_position", "Imaging plane requires z_position or z_offset"))
		}
		validateLines(rep, s, p, "IMAGING")

	case KindIllumination:
		validateLines(rep, s, p, "ILLUMINATION")
		if s.Duration.Duration < 0 {
			rep.addError(stepIssue("ILLUMINATION_004", s, p, "duration", "Illumination time must be >= 0"))
		}

	case KindValvePosition:
		if strings.TrimSpace(s.ValveID) == "" {
			rep.addError(stepIssue("VALVE_001", s, p, "valve_id", "Valve step requires valve_id"))
		}
		if !p.position || s.ValvePosition < 1 {
			rep.addError(stepIssue("VALVE_002", s, p, "position", "Valve position must be >= 1"))
		}

	case KindRinse:
		if s.Duration.Duration <= 0 {
			rep.addError(stepIssue("RINSE_001", s, p, "duration", "Rinse duration must be > 0"))
		}

	case KindStageMove:
		if !p.xy {
			rep.addError(stepIssue("STAGE_001", s, p, "x", "Stage move requires x and y"))
		}

	case KindWaitForIdle:
		if s.Timeout.Duration < 0 {
			rep.addError(stepIssue("WAIT_001", s, p, "timeout", "Timeout must be >= 0"))
		}
	}
}

func validateLines(rep *Report, s Step, p presence, prefix string) {
	if len(s.Lines) == 0 {
		rep.addError(stepIssue(prefix+"_002", s, p, "lines", "At least one lightsource line is required"))
		return
	}
	for i, line := range s.Lines {
		field := fmt.Sprintf("lines/%d", i)
		if strings.TrimSpace(line.Lightsource) == "" {
			rep.addError(stepIssue(prefix+"_003", s, p, field, "Lightsource is required"))
		}
		if line.Intensity < 0 || line.Intensity > 100 {
			rep.addError(stepIssue(prefix+"_003", s, p, field,
				fmt.Sprintf("Intensity %.1f outside [0,100]", line.Intensity)))
		}
	}
}
