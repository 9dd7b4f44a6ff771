package types

import "strings"

// TaskStatus represents the lifecycle state of a task. The numeric values are
// part of the database schema and must not be reordered.
type TaskStatus int16

const (
	StatusToDo    TaskStatus = 0
	StatusRunning TaskStatus = 1
	StatusDone    TaskStatus = 2
)

// String returns a human-readable status name
func (s TaskStatus) String() string {
	switch s {
	case StatusToDo:
		return "to_do"
	case StatusRunning:
		return "running"
	case StatusDone:
		return "done"
	}
	return "unknown"
}

// Well-known metadata keys. Every other key in a submitted task's metadata is
// the literal content of an engine input file.
const (
	MetaEngine       = "engine"
	MetaRemoteFolder = "remote_folder"
	MetaLocalFolder  = "local_folder"
)

// Task represents a labeled compute job in the queue
type Task struct {
	ID       int64
	Label    string
	Metadata map[string]string
	IP       string // empty until the task is placed on a node
	Status   TaskStatus
}

// Engine returns the engine name stamped into the task metadata at submission
func (t *Task) Engine() string {
	return t.Metadata[MetaEngine]
}

// Node represents a worker host registered in the node table
type Node struct {
	IP      string
	NCPUs   int // 0 when unknown; the spawn command falls back to probing the host
	Enabled bool
	Cloud   string // provider tag, empty for operator-added nodes
}

// Provisioning reports whether the node row is a cloud placeholder. Placeholder
// keys contain no '.' and never enter the transport pool.
func (n Node) Provisioning() bool {
	return !strings.Contains(n.IP, ".")
}

// Engine describes a named kind of compute job: which files it consumes and
// produces, how it is spawned, and how a running instance is recognized on a
// host.
type Engine struct {
	Name        string
	InputFiles  []string
	OutputFiles []string
	Spawn       string // command template with {path} and {ncpus} placeholders
	RunMarker   string // substring present in the process table iff an instance is running
	CheckCmd    string // shell fragment used to probe for RunMarker
}
