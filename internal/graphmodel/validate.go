package graphmodel

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/brandlab/orchestrator/pkg/apperror"
)

// ValidateConfig carries the machine-local context validation needs
// that isn't in the document itself: where node modules live, which
// machine is validating (nodes bound to other machines skip the local
// binary/hash checks), and the store coordinates to stamp into the
// resulting Supergraph.
type ValidateConfig struct {
	BaseDir   string
	Machine   string
	RedisHost string
	RedisPort int
	BrandHash string
}

// NodeBinaryPath resolves the absolute path to a node's compiled
// executable, the same layout the supervisor coordinator and every
// booter resolve it against independently: <baseDir>/<module>/nodes/<name>/<name>.bin.
func NodeBinaryPath(baseDir, module, name string) string {
	return filepath.Join(baseDir, module, "nodes", name, name+".bin")
}

// Validate checks doc for structural faults — duplicate nicknames,
// unresolvable binaries, missing derivative scripts — reconciles
// compiled hashes for every local node and derivative, and returns the
// resolved Supergraph plus any errors/warnings collected along the way.
// A non-nil *apperror.ValidationErrors with HasErrors() true means the
// graph must not be loaded; warnings alone do not block loading.
func Validate(doc *GraphDocument, cfg ValidateConfig) (*Supergraph, *apperror.ValidationErrors) {
	result := apperror.NewValidationErrors()

	graph := &Supergraph{
		RedisHost:     cfg.RedisHost,
		RedisPort:     cfg.RedisPort,
		BrandHash:     cfg.BrandHash,
		GraphName:     doc.GraphName,
		GraphLoadedTS: 0,
		Nodes:         make(map[string]*ResolvedNode, len(doc.Nodes)),
		Derivatives:   make(map[string]*DerivativeSpec, len(doc.Derivatives)),
	}

	seen := make(map[string]bool, len(doc.Nodes))
	for _, node := range doc.Nodes {
		if node.Nickname == "" || node.Name == "" {
			result.Add(apperror.NewNodeError(doc.GraphName, node.Nickname, "node requires both name and nickname"))
			continue
		}
		if seen[node.Nickname] {
			result.Add(apperror.NewNodeError(doc.GraphName, node.Nickname, "duplicate nickname in graph document"))
			continue
		}
		seen[node.Nickname] = true

		resolved := &ResolvedNode{NodeSpec: node}

		local := node.Machine == "" || node.Machine == cfg.Machine
		if local {
			binPath := NodeBinaryPath(cfg.BaseDir, node.Module, node.Name)
			resolved.BinaryPath = binPath

			if _, err := os.Stat(binPath); err != nil {
				result.Add(apperror.NewNodeError(doc.GraphName, node.Nickname,
					fmt.Sprintf("executable not found at %s", binPath)))
			} else {
				hash, warnings := ReconcileHash(filepath.Dir(binPath), node.GitHash)
				resolved.GitHash = hash
				for _, w := range warnings {
					w.Graph = doc.GraphName
					w.Node = node.Nickname
					result.Add(w)
				}
			}
		}

		graph.Nodes[node.Nickname] = resolved
	}

	for _, deriv := range doc.Derivatives {
		d := deriv
		if d.ScriptPath == "" {
			result.Add(apperror.NewGraphError(doc.GraphName, fmt.Sprintf("derivative %q has no script_path", d.Name)))
			graph.Derivatives[d.Name] = &d
			continue
		}
		if _, err := os.Stat(d.ScriptPath); err != nil {
			result.Add(apperror.NewGraphError(doc.GraphName, fmt.Sprintf("derivative %q script not found at %s", d.Name, d.ScriptPath)))
		} else {
			hash, warnings := ReconcileHash(filepath.Dir(d.ScriptPath), d.GitHash)
			d.GitHash = hash
			for _, w := range warnings {
				w.Graph = doc.GraphName
				result.Add(w)
			}
		}
		graph.Derivatives[d.Name] = &d
	}

	return graph, result
}

// Stamp sets GraphLoadedTS to now, called once a graph passes
// validation and is about to be published.
func (g *Supergraph) Stamp(now time.Time) {
	g.GraphLoadedTS = now.UnixNano()
}
