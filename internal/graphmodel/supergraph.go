package graphmodel

import "encoding/json"

// ResolvedNode is a NodeSpec after validation has resolved its binary
// path and reconciled its compiled hash.
type ResolvedNode struct {
	NodeSpec
	BinaryPath string
}

// MarshalJSON flattens ResolvedNode's embedded NodeSpec fields together
// with BinaryPath, since NodeSpec already defines its own MarshalJSON
// and a plain struct embedding would otherwise drop BinaryPath.
func (r ResolvedNode) MarshalJSON() ([]byte, error) {
	base, err := r.NodeSpec.MarshalJSON()
	if err != nil {
		return nil, err
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(base, &fields); err != nil {
		return nil, err
	}
	path, err := json.Marshal(r.BinaryPath)
	if err != nil {
		return nil, err
	}
	fields["binary_path"] = path
	return json.Marshal(fields)
}

// UnmarshalJSON decodes the embedded NodeSpec and BinaryPath back out
// of a flattened object, the inverse of MarshalJSON.
func (r *ResolvedNode) UnmarshalJSON(data []byte) error {
	if err := (&r.NodeSpec).UnmarshalJSON(data); err != nil {
		return err
	}
	var fields struct {
		BinaryPath string `json:"binary_path"`
	}
	if err := json.Unmarshal(data, &fields); err != nil {
		return err
	}
	r.BinaryPath = fields.BinaryPath
	return nil
}

// Supergraph is the fully-resolved form of a loaded graph: every node's
// binary path and reconciled hash, the store connection it was loaded
// against, and the derivatives available to run against it. This is the
// object the coordinator republishes on the supergraph stream after
// loadGraph and after every successful updateParameters.
type Supergraph struct {
	RedisHost     string `json:"redis_host"`
	RedisPort     int    `json:"redis_port"`
	BrandHash     string `json:"brand_hash"`
	GraphName     string `json:"graph_name"`
	GraphLoadedTS int64  `json:"graph_loaded_ts"` // unix nanoseconds

	Nodes       map[string]*ResolvedNode   `json:"nodes"`
	Derivatives map[string]*DerivativeSpec `json:"derivatives,omitempty"`
}

// Node looks up a resolved node by nickname.
func (g *Supergraph) Node(nickname string) (*ResolvedNode, bool) {
	n, ok := g.Nodes[nickname]
	return n, ok
}
