package telemetry

import (
	"go.opentelemetry.io/otel/attribute"
)

// Standard attribute keys attached to coordinator and booter spans.
const (
	AttrGraphName    = "graph.name"
	AttrGraphNodes   = "graph.node_count"
	AttrGraphStatus  = "graph.status"
	AttrGraphVersion = "graph.version"

	AttrCommand       = "command.name"
	AttrCommandStatus = "command.status"

	AttrNodeID      = "node.id"
	AttrNodeMachine = "node.machine"
	AttrNodePID     = "node.pid"

	AttrDerivativeName = "derivative.name"
	AttrDerivativeExit = "derivative.exit_code"

	AttrErrorCode = "error.code"
)

// GraphAttributes returns the standard attribute set for a graph-level span.
func GraphAttributes(name, status string, nodeCount int) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String(AttrGraphName, name),
		attribute.String(AttrGraphStatus, status),
		attribute.Int(AttrGraphNodes, nodeCount),
	}
}

// NodeAttributes returns the standard attribute set for a node-launch span.
func NodeAttributes(nodeID, machine string, pid int) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String(AttrNodeID, nodeID),
		attribute.String(AttrNodeMachine, machine),
		attribute.Int(AttrNodePID, pid),
	}
}

// CommandAttributes returns the standard attribute set for a dispatched command.
func CommandAttributes(command, status string) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String(AttrCommand, command),
		attribute.String(AttrCommandStatus, status),
	}
}

// DerivativeAttributes returns the standard attribute set for a derivative run.
func DerivativeAttributes(name string, exitCode int) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String(AttrDerivativeName, name),
		attribute.Int(AttrDerivativeExit, exitCode),
	}
}
