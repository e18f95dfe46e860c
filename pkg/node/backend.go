// Package node implements the per-node backends. Every backend drives
// the same lifecycle: prepare namespaces, accept link endpoints, start
// the configured command, answer exec/signal, and clean up.
package node

import (
	"context"
	"os"

	"go.uber.org/zap"

	"munet/api"
)

// ExitStatus is the terminal state of a node's main process.
type ExitStatus struct {
	Code int
	Err  error
}

// ExecResult is the outcome of a transient command inside a node.
type ExecResult struct {
	RC     int
	Stdout []byte
	Stderr []byte
}

// Backend is the uniform node lifecycle contract.
type Backend interface {
	// Node returns the resolved node record this backend realises.
	Node() *api.Node

	// Prepare creates the node's namespaces (or the container/VM
	// equivalent) and realises its mounts.
	Prepare(ctx context.Context) error

	// NetnsPath is the network namespace to move link endpoints into.
	// Valid after Prepare.
	NetnsPath() string

	// AttachLink renames, addresses and raises an interface that the
	// link layer has already moved into the node's netns under tmpName.
	AttachLink(ctx context.Context, tmpName string, ep api.LinkEndpoint) error

	// Start runs the node's cmd under the configured shell policy. A
	// node without cmd keeps only its placeholder.
	Start(ctx context.Context) error

	// Wait delivers the main process's exit exactly once. Nodes without
	// cmd never deliver.
	Wait() <-chan ExitStatus

	// Exec runs a transient command inside the node.
	Exec(ctx context.Context, argv []string, tty bool) (*ExecResult, error)

	// Signal delivers sig to the main process.
	Signal(sig os.Signal) error

	// Cleanup runs cleanup-cmd while the node is still alive, stops the
	// main process, and releases the namespaces. Best-effort.
	Cleanup(ctx context.Context) error
}

// Options carries what every backend needs besides the node record.
type Options struct {
	Rundir     string // per-run directory; node files live beneath it
	ConfigDir  string // directory of the loaded config, for volume paths
	EngineHost string // container engine override, "" = environment
	Log        *zap.SugaredLogger
}

// New selects and builds the backend for a resolved node.
func New(n *api.Node, opts Options) (Backend, error) {
	switch n.Backend {
	case api.BackendContainer:
		return NewContainerNode(n, opts)
	case api.BackendQemu:
		return NewQemuNode(n, opts)
	default:
		return NewShellNode(n, opts), nil
	}
}
