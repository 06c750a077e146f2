package protocol

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/KevinKickass/OpenScopeCore/internal/types"
	"gopkg.in/yaml.v3"
)

// Format is the encoding of a protocol document.
type Format string

const (
	FormatYAML Format = "yaml"
	FormatJSON Format = "json"
)

// FormatFromPath derives the document format from a file extension.
func FormatFromPath(path string) (Format, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return FormatYAML, nil
	case ".json":
		return FormatJSON, nil
	default:
		return "", fmt.Errorf("unsupported protocol file extension %q", filepath.Ext(path))
	}
}

// FormatFromContentType maps an HTTP content type to a document format; YAML is the default.
func FormatFromContentType(contentType string) Format {
	if strings.Contains(strings.ToLower(contentType), "json") {
		return FormatJSON
	}
	return FormatYAML
}

// Load reads and validates a protocol file.
func Load(path string) (*Protocol, error) {
	format, err := FormatFromPath(path)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read protocol: %w", err)
	}
	return Parse(data, format)
}

// Parse decodes and validates a protocol document. Any problem is reported as a
// *types.ValidationError listing every issue found; no partial protocol is returned.
func Parse(data []byte, format Format) (*Protocol, error) {
	_, p, err := Check(data, format)
	return p, err
}

// Check is Parse that also returns the full report, for validate-only requests.
func Check(data []byte, format Format) (Report, *Protocol, error) {
	switch format {
	case FormatYAML, FormatJSON:
	default:
		return Report{}, nil, fmt.Errorf("unsupported protocol format %q", format)
	}

	// JSON is a YAML subset, one decoder for both
	var raw any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return failed(protocolIssue("PROTOCOL_901", "document", fmt.Sprintf("Document is not valid %s: %v", format, err)))
	}
	if raw == nil {
		return failed(protocolIssue("PROTOCOL_001", "steps", "Protocol document is empty"))
	}

	issues, err := validateStructure(raw)
	if err != nil {
		return Report{}, nil, err
	}
	if len(issues) > 0 {
		return failed(issues...)
	}

	var doc document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return failed(protocolIssue("PROTOCOL_901", "document", fmt.Sprintf("Document could not be decoded: %v", err)))
	}

	steps, marks := doc.expand()
	rep := validate(&doc, steps, marks)
	if !rep.Valid {
		return rep, nil, rep.Err()
	}

	p := &Protocol{
		name:       doc.Name,
		sampleName: doc.SampleName,
		savePath:   doc.SavePath,
		fileFormat: FileFormat(strings.ToLower(doc.FileFormat)),
		imaging:    doc.imaging(),
		buffer:     doc.Buffer,
		steps:      steps,
	}
	if p.fileFormat == "" {
		p.fileFormat = FileTIFF
	}
	if p.buffer == nil {
		p.buffer = map[int]string{}
	}
	return rep, p, nil
}

func failed(issues ...types.Issue) (Report, *Protocol, error) {
	rep := Report{Errors: issues}
	rep.finalize()
	return rep, nil, rep.Err()
}

// Marshal serializes the protocol in the canonical steps form.
func Marshal(p *Protocol, format Format) ([]byte, error) {
	doc := fromProtocol(p)
	switch format {
	case FormatYAML:
		return yaml.Marshal(&doc)
	case FormatJSON:
		// via YAML tree so the field names stay identical
		var tree any
		data, err := yaml.Marshal(&doc)
		if err != nil {
			return nil, err
		}
		if err := yaml.Unmarshal(data, &tree); err != nil {
			return nil, err
		}
		return json.MarshalIndent(normalizeKeys(tree), "", "  ")
	default:
		return nil, fmt.Errorf("unsupported protocol format %q", format)
	}
}
