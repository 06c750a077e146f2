package protocol

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/KevinKickass/OpenScopeCore/internal/types"
	"github.com/santhosh-tekuri/jsonschema/v5"
)

//go:embed schema/protocol-v1.json
var protocolSchemaJSON string

var (
	schemaOnce     sync.Once
	compiledSchema *jsonschema.Schema
	schemaErr      error
)

func protocolSchema() (*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		compiler := jsonschema.NewCompiler()
		if err := compiler.AddResource("protocol-v1.json", strings.NewReader(protocolSchemaJSON)); err != nil {
			schemaErr = fmt.Errorf("failed to add schema resource: %w", err)
			return
		}
		compiledSchema, schemaErr = compiler.Compile("protocol-v1.json")
		if schemaErr != nil {
			schemaErr = fmt.Errorf("failed to compile schema: %w", schemaErr)
		}
	})
	return compiledSchema, schemaErr
}

// validateStructure checks a decoded document against the embedded schema and returns one
// issue per failing leaf.
func validateStructure(raw any) ([]types.Issue, error) {
	schema, err := protocolSchema()
	if err != nil {
		return nil, err
	}

	// YAML maps may carry int keys (buffer ports); the schema sees the JSON view.
	data, err := json.Marshal(normalizeKeys(raw))
	if err != nil {
		return nil, fmt.Errorf("failed to re-encode document: %w", err)
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var doc any
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("failed to re-decode document: %w", err)
	}

	err = schema.Validate(doc)
	if err == nil {
		return nil, nil
	}
	var ve *jsonschema.ValidationError
	if !errors.As(err, &ve) {
		return nil, err
	}

	issues := make([]types.Issue, 0)
	collectLeaves(ve, stepIndexer(doc), &issues)
	sort.SliceStable(issues, func(i, j int) bool { return issues[i].Path < issues[j].Path })
	return issues, nil
}

func collectLeaves(ve *jsonschema.ValidationError, indexOf func(string) int, out *[]types.Issue) {
	if len(ve.Causes) == 0 {
		loc := unescapePointer(ve.InstanceLocation)
		*out = append(*out, types.Issue{
			Code:      "PROTOCOL_900",
			Message:   ve.Message,
			StepIndex: indexOf(loc),
			Field:     lastSegment(loc),
			Path:      loc,
		})
		return
	}
	for _, cause := range ve.Causes {
		collectLeaves(cause, indexOf, out)
	}
}

// stepIndexer maps a pointer like "/hybridization list/2/volume" onto the index of the
// expanded step it produces, following the expansion order. Pointers outside a step list
// are protocol-level (-1).
func stepIndexer(doc any) func(string) int {
	root, _ := doc.(map[string]any)
	steps := rawLen(root["steps"])
	hyb := rawLen(root["hybridization list"])
	rinse := 0
	if v, ok := root["rinse_time"]; ok && v != nil {
		rinse = 1
	}
	planes := rawPlanes(root)
	if rawLen(root["imaging_sequence"]) == 0 {
		planes = 0
	}
	rois := rawLen(root["roi_list"])
	autofocus, _ := root["autofocus"].(bool)
	imagingBase := steps + hyb + rinse
	perROI := imagingStepCount(planes, 1, autofocus)

	return func(ptr string) int {
		parts := strings.Split(strings.TrimPrefix(ptr, "/"), "/")
		if len(parts) < 2 {
			return -1
		}
		i, err := strconv.Atoi(parts[1])
		if err != nil || i < 0 {
			return -1
		}
		switch parts[0] {
		case "steps":
			return i
		case "hybridization list":
			return steps + i
		case "photobleaching list":
			return imagingBase + imagingStepCount(planes, rois, autofocus) + i
		case "roi_list":
			if planes == 0 {
				return -1
			}
			return imagingBase + i*perROI
		}
		return -1
	}
}

// unescapePointer undoes the URL and JSON pointer escaping the validator applies to
// property names, so "/hybridization%20list/0" reads like the semantic issue paths.
func unescapePointer(ptr string) string {
	parts := strings.Split(ptr, "/")
	for i, part := range parts {
		if unescaped, err := url.PathUnescape(part); err == nil {
			part = unescaped
		}
		part = strings.ReplaceAll(part, "~1", "/")
		parts[i] = strings.ReplaceAll(part, "~0", "~")
	}
	return strings.Join(parts, "/")
}

func rawLen(v any) int {
	switch value := v.(type) {
	case []any:
		return len(value)
	case map[string]any:
		return len(value)
	}
	return 0
}

// rawPlanes reads num_z_planes; the flat key wins over the imaging block.
func rawPlanes(root map[string]any) int {
	n := rawInt(root["num_z_planes"])
	if _, ok := root["num_z_planes"]; !ok {
		if img, ok := root["imaging"].(map[string]any); ok {
			n = rawInt(img["num_z_planes"])
		}
	}
	return n
}

func rawInt(v any) int {
	if num, ok := v.(json.Number); ok {
		if n, err := num.Int64(); err == nil {
			return int(n)
		}
	}
	return 0
}

func lastSegment(ptr string) string {
	if ptr == "" {
		return ""
	}
	idx := strings.LastIndex(ptr, "/")
	return ptr[idx+1:]
}

func normalizeKeys(v any) any {
	switch value := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(value))
		for k, item := range value {
			out[k] = normalizeKeys(item)
		}
		return out
	case map[any]any:
		out := make(map[string]any, len(value))
		for k, item := range value {
			out[fmt.Sprint(k)] = normalizeKeys(item)
		}
		return out
	case []any:
		out := make([]any, len(value))
		for i, item := range value {
			out[i] = normalizeKeys(item)
		}
		return out
	default:
		return v
	}
}
