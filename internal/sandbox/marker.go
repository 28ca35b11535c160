package sandbox

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// ContainerStagingPath is where the staging dir is mounted inside every
// task container. The exit trap writes the completion marker under it.
const ContainerStagingPath = "/warden/out"

const markerSuffix = ".marker.json"

// CompletionMarker is the container's own record of how it finished,
// written by the exit trap into the shared staging dir. It survives
// AutoRemove, so a restarted supervisor can recover the outcome after the
// container itself is gone. When both the marker and the ContainerWait
// result exist, the marker is authoritative.
type CompletionMarker struct {
	TaskID        string `json:"task_id"`
	ContainerName string `json:"container_name"`
	ExitCode      int    `json:"exit_code"`
	StartedAt     string `json:"started_at,omitempty"`
	FinishedAt    string `json:"finished_at,omitempty"`
	Reason        string `json:"reason,omitempty"`
}

const markerSchemaJSON = `{
	"$schema": "https://json-schema.org/draft/2020-12/schema",
	"type": "object",
	"required": ["task_id", "container_name", "exit_code"],
	"properties": {
		"task_id": {"type": "string", "minLength": 1},
		"container_name": {"type": "string", "minLength": 1},
		"exit_code": {"type": "integer"},
		"started_at": {"type": "string"},
		"finished_at": {"type": "string"},
		"reason": {"type": "string"}
	}
}`

var markerSchema = mustCompileMarkerSchema()

func mustCompileMarkerSchema() *jsonschema.Schema {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(markerSchemaJSON))
	if err != nil {
		panic(fmt.Sprintf("unmarshal marker schema: %v", err))
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("marker.json", doc); err != nil {
		panic(fmt.Sprintf("add marker schema resource: %v", err))
	}
	schema, err := c.Compile("marker.json")
	if err != nil {
		panic(fmt.Sprintf("compile marker schema: %v", err))
	}
	return schema
}

// MarkerFileName is the marker file for a task inside the staging dir.
func MarkerFileName(taskID string) string {
	return taskID + markerSuffix
}

// MarkerPath is the host-side path of a task's marker file.
func MarkerPath(stagingDir, taskID string) string {
	return filepath.Join(stagingDir, MarkerFileName(taskID))
}

// TaskIDFromMarkerPath inverts MarkerPath; "" when the path is not a marker.
func TaskIDFromMarkerPath(path string) string {
	base := filepath.Base(path)
	if !strings.HasSuffix(base, markerSuffix) {
		return ""
	}
	return strings.TrimSuffix(base, markerSuffix)
}

// ReadMarker loads and validates a marker file. Markers are written by
// untrusted container workloads, so anything that fails schema validation
// is rejected rather than partially trusted.
func ReadMarker(path string) (*CompletionMarker, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read marker: %w", err)
	}
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(string(raw)))
	if err != nil {
		return nil, fmt.Errorf("parse marker: %w", err)
	}
	if err := markerSchema.Validate(doc); err != nil {
		return nil, fmt.Errorf("invalid marker: %w", err)
	}
	var marker CompletionMarker
	if err := json.Unmarshal(raw, &marker); err != nil {
		return nil, fmt.Errorf("decode marker: %w", err)
	}
	return &marker, nil
}

// WriteMarker writes a marker file the same way the in-container exit trap
// does. Used for tests and for synthesizing a marker when the adapter
// observed the exit itself.
func WriteMarker(path string, marker CompletionMarker) error {
	raw, err := json.Marshal(marker)
	if err != nil {
		return fmt.Errorf("encode marker: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return fmt.Errorf("write marker: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("publish marker: %w", err)
	}
	return nil
}

// wrapWithExitTrap wraps the agent command in a thin sh script whose EXIT
// trap writes the completion marker. The script exits with the agent's own
// code, so the container exit code and the marker agree.
func wrapWithExitTrap(taskID, containerName, command string) string {
	markerPath := ContainerStagingPath + "/" + MarkerFileName(taskID)
	var b strings.Builder
	b.WriteString("started=$(date -u +%Y-%m-%dT%H:%M:%SZ)\n")
	b.WriteString("write_marker() {\n")
	b.WriteString("  code=$?\n")
	b.WriteString("  finished=$(date -u +%Y-%m-%dT%H:%M:%SZ)\n")
	fmt.Fprintf(&b, "  printf '{\"task_id\":\"%s\",\"container_name\":\"%s\",\"exit_code\":%%d,\"started_at\":\"%%s\",\"finished_at\":\"%%s\",\"reason\":\"exit_trap\"}' \"$code\" \"$started\" \"$finished\" > %s.tmp\n",
		taskID, containerName, shellQuote(markerPath))
	fmt.Fprintf(&b, "  mv %s.tmp %s\n", shellQuote(markerPath), shellQuote(markerPath))
	b.WriteString("  exit $code\n")
	b.WriteString("}\n")
	b.WriteString("trap write_marker EXIT\n")
	b.WriteString(command)
	b.WriteString("\n")
	return b.String()
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
