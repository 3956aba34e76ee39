// Package graphmodel parses a graph document into a Supergraph,
// resolving binary paths and reconciling compiled-hash metadata along
// the way. Parsing never touches the store; validation never touches
// disk beyond the checks the contract requires.
package graphmodel

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/brandlab/orchestrator/pkg/apperror"
)

// GraphDocument is the parsed form of a user-supplied declarative graph
// file or inline JSON payload. It is immutable once loaded; parameter
// updates operate on the derived Supergraph, not this type.
type GraphDocument struct {
	GraphName   string
	Nodes       []NodeSpec
	Derivatives []DerivativeSpec
	Metadata    *Metadata
}

// NodeSpec describes one node entry in a graph document. Parameters are
// carried as opaque JSON rather than decoded into a concrete type, since
// the orchestrator never interprets parameter values itself. Extra
// holds any fields the document carries beyond the ones this type
// knows about, so they survive a parse/marshal round trip unchanged.
type NodeSpec struct {
	Nickname    string
	Name        string
	Module      string
	Machine     string
	RunPriority int
	CPUAffinity string
	Parameters  map[string]json.RawMessage
	GitHash     string
	Extra       map[string]json.RawMessage
}

// DerivativeSpec describes one entry under a graph document's
// top-level `derivatives` key: a single-key map from derivative name to
// its spec.
type DerivativeSpec struct {
	Name       string
	ScriptPath string
	GitHash    string
	Extra      map[string]json.RawMessage
}

// Metadata carries the optional participant identification used to
// resolve the save-path for a run.
type Metadata struct {
	ParticipantFile string
	ParticipantID   string
}

var knownNodeFields = map[string]bool{
	"nickname": true, "name": true, "module": true, "machine": true,
	"run_priority": true, "cpu_affinity": true, "parameters": true, "git_hash": true,
}

var knownDerivativeFields = map[string]bool{
	"name": true, "script_path": true, "git_hash": true,
}

// ParseYAML parses a YAML-encoded graph document, the format used when
// a graph is loaded from a file on disk. filename is the path it was
// read from; its basename (extension stripped) is injected as
// graph_name, overriding any value the document itself carries, since
// real graph files do not carry graph_name and the filename is
// authoritative per the file-load contract.
func ParseYAML(data []byte, filename string) (*GraphDocument, error) {
	var raw map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, apperror.NewGraphError("", fmt.Sprintf("invalid graph document: %v", err))
	}
	if raw == nil {
		raw = make(map[string]any)
	}
	base := filepath.Base(filename)
	raw["graph_name"] = strings.TrimSuffix(base, filepath.Ext(base))
	return fromRaw(raw)
}

// ParseJSON parses a JSON-encoded graph document, the format used for
// an inline `graph` payload on loadGraph/startGraph commands.
func ParseJSON(data []byte) (*GraphDocument, error) {
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, apperror.NewGraphError("", fmt.Sprintf("invalid graph document: %v", err))
	}
	return fromRaw(raw)
}

func fromRaw(raw map[string]any) (*GraphDocument, error) {
	var missing []string
	graphName, ok := raw["graph_name"].(string)
	if !ok || graphName == "" {
		missing = append(missing, "graph_name")
	}
	nodesRaw, ok := raw["nodes"].([]any)
	if !ok {
		missing = append(missing, "nodes")
	}
	if len(missing) > 0 {
		return nil, apperror.NewGraphError(graphName, fmt.Sprintf("missing required field(s): %v", missing))
	}

	doc := &GraphDocument{GraphName: graphName}

	for _, n := range nodesRaw {
		nodeMap, ok := n.(map[string]any)
		if !ok {
			return nil, apperror.NewGraphError(graphName, "node entry is not an object")
		}
		spec, err := nodeFromRaw(nodeMap)
		if err != nil {
			return nil, err
		}
		doc.Nodes = append(doc.Nodes, spec)
	}

	if derivRaw, ok := raw["derivatives"].([]any); ok {
		for _, d := range derivRaw {
			entry, ok := d.(map[string]any)
			if !ok || len(entry) != 1 {
				return nil, apperror.NewGraphError(graphName, "derivative entry must be a single-key object")
			}
			for name, spec := range entry {
				specMap, ok := spec.(map[string]any)
				if !ok {
					return nil, apperror.NewGraphError(graphName, fmt.Sprintf("derivative %q spec is not an object", name))
				}
				doc.Derivatives = append(doc.Derivatives, derivativeFromRaw(name, specMap))
			}
		}
	}

	if metaRaw, ok := raw["metadata"].(map[string]any); ok {
		doc.Metadata = metadataFromRaw(metaRaw)
	}

	return doc, nil
}

func nodeFromRaw(m map[string]any) (NodeSpec, error) {
	spec := NodeSpec{Extra: make(map[string]json.RawMessage)}
	spec.Nickname, _ = m["nickname"].(string)
	spec.Name, _ = m["name"].(string)
	spec.Module, _ = m["module"].(string)
	spec.Machine, _ = m["machine"].(string)
	spec.GitHash, _ = m["git_hash"].(string)
	if p, ok := m["run_priority"].(int); ok {
		spec.RunPriority = p
	} else if f, ok := m["run_priority"].(float64); ok {
		spec.RunPriority = int(f)
	}
	spec.CPUAffinity, _ = m["cpu_affinity"].(string)

	if params, ok := m["parameters"].(map[string]any); ok {
		spec.Parameters = make(map[string]json.RawMessage, len(params))
		for k, v := range params {
			b, err := json.Marshal(v)
			if err != nil {
				return NodeSpec{}, apperror.NewGraphError("", fmt.Sprintf("parameter %q for node %q: %v", k, spec.Nickname, err))
			}
			spec.Parameters[k] = b
		}
	}

	for k, v := range m {
		if knownNodeFields[k] {
			continue
		}
		b, err := json.Marshal(v)
		if err != nil {
			continue
		}
		spec.Extra[k] = b
	}

	return spec, nil
}

func derivativeFromRaw(name string, m map[string]any) DerivativeSpec {
	spec := DerivativeSpec{Name: name, Extra: make(map[string]json.RawMessage)}
	spec.ScriptPath, _ = m["script_path"].(string)
	spec.GitHash, _ = m["git_hash"].(string)

	for k, v := range m {
		if knownDerivativeFields[k] {
			continue
		}
		b, err := json.Marshal(v)
		if err != nil {
			continue
		}
		spec.Extra[k] = b
	}
	return spec
}

func metadataFromRaw(m map[string]any) *Metadata {
	meta := &Metadata{}
	meta.ParticipantFile, _ = m["participant_file"].(string)
	if id, ok := m["participant_id"].(string); ok {
		meta.ParticipantID = id
	} else if id, ok := m["participant_id"].(float64); ok {
		meta.ParticipantID = fmt.Sprintf("%v", int(id))
	}
	return meta
}

// MarshalJSON flattens NodeSpec's known fields together with Parameters
// and Extra into a single object, so unknown fields captured at parse
// time survive a round trip unchanged.
func (n NodeSpec) MarshalJSON() ([]byte, error) {
	out := make(map[string]json.RawMessage, len(n.Extra)+8)
	for k, v := range n.Extra {
		out[k] = v
	}

	set := func(key string, val any) {
		b, _ := json.Marshal(val)
		out[key] = b
	}
	set("nickname", n.Nickname)
	set("name", n.Name)
	set("module", n.Module)
	if n.Machine != "" {
		set("machine", n.Machine)
	}
	if n.RunPriority != 0 {
		set("run_priority", n.RunPriority)
	}
	if n.CPUAffinity != "" {
		set("cpu_affinity", n.CPUAffinity)
	}
	if n.GitHash != "" {
		set("git_hash", n.GitHash)
	}
	if len(n.Parameters) > 0 {
		b, _ := json.Marshal(n.Parameters)
		out["parameters"] = b
	}

	return json.Marshal(out)
}

// UnmarshalJSON is the inverse of MarshalJSON: it decodes into a
// generic map and runs it back through nodeFromRaw, so a NodeSpec
// embedded in a published Supergraph round-trips exactly like one
// parsed from a graph document.
func (n *NodeSpec) UnmarshalJSON(data []byte) error {
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	spec, err := nodeFromRaw(raw)
	if err != nil {
		return err
	}
	*n = spec
	return nil
}

// MarshalJSON flattens DerivativeSpec's known fields together with
// Extra, mirroring NodeSpec's round-trip preservation.
func (d DerivativeSpec) MarshalJSON() ([]byte, error) {
	out := make(map[string]json.RawMessage, len(d.Extra)+3)
	for k, v := range d.Extra {
		out[k] = v
	}
	set := func(key string, val any) {
		b, _ := json.Marshal(val)
		out[key] = b
	}
	if d.Name != "" {
		set("name", d.Name)
	}
	if d.ScriptPath != "" {
		set("script_path", d.ScriptPath)
	}
	if d.GitHash != "" {
		set("git_hash", d.GitHash)
	}
	return json.Marshal(out)
}

// UnmarshalJSON is the inverse of MarshalJSON.
func (d *DerivativeSpec) UnmarshalJSON(data []byte) error {
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	name, _ := raw["name"].(string)
	*d = derivativeFromRaw(name, raw)
	return nil
}
