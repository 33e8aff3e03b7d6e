package manifest

import (
	"fmt"
	"io"
	"strings"
)

// TaskPackage carries the nested "task" coordinates and build-relevant
// metadata within a task-response manifest (spec §4.2, §6).
type TaskPackage struct {
	Name               string
	Version            string
	RepositoryLocation string
	TrustFingerprints  []string
	Requirements       []string
	Tests              []string
	ControllerChecksum string
	MachineChecksum    string
	DependencyChecksum *string
	WorkerChecksum     *string
	MachineID          string
	AuxiliaryMachines  []string // "name:environment-name" pairs
	Target             string
	Environment        map[string]string
	Args               string
	WarningRegexes     []string
	InteractiveLogin   *string
}

// TaskResponse is the manifest returned from "?build-task" (spec §4.2,
// §6).
type TaskResponse struct {
	Session       string
	Challenge     *string
	ResultURL     string
	UploadURLs    []string
	AgentChecksum *string
	Task          *TaskPackage // nil for an "empty task" reply
}

// Write renders resp as a name/value manifest to w. An empty task (no
// work available) writes only the session and result-url fields.
func (resp TaskResponse) Write(w io.Writer) error {
	var b strings.Builder
	writeField(&b, "session", resp.Session)
	if resp.Challenge != nil {
		writeField(&b, "challenge", *resp.Challenge)
	}
	writeField(&b, "result-url", resp.ResultURL)
	for _, u := range resp.UploadURLs {
		writeField(&b, "upload-url", u)
	}
	if resp.AgentChecksum != nil {
		writeField(&b, "agent-checksum", *resp.AgentChecksum)
	}
	if t := resp.Task; t != nil {
		writeField(&b, "task-name", t.Name)
		writeField(&b, "task-version", t.Version)
		writeField(&b, "task-repository-location", t.RepositoryLocation)
		for _, f := range t.TrustFingerprints {
			writeField(&b, "task-trust", f)
		}
		for _, r := range t.Requirements {
			writeField(&b, "task-requires", r)
		}
		for _, te := range t.Tests {
			writeField(&b, "task-tests", te)
		}
		writeField(&b, "task-controller-checksum", t.ControllerChecksum)
		writeField(&b, "task-machine-checksum", t.MachineChecksum)
		if t.DependencyChecksum != nil {
			writeField(&b, "task-dependency-checksum", *t.DependencyChecksum)
		}
		if t.WorkerChecksum != nil {
			writeField(&b, "task-worker-checksum", *t.WorkerChecksum)
		}
		writeField(&b, "task-machine", t.MachineID)
		for _, a := range t.AuxiliaryMachines {
			writeField(&b, "task-auxiliary-machine", a)
		}
		writeField(&b, "task-target", t.Target)
		for k, v := range t.Environment {
			writeField(&b, "task-env", fmt.Sprintf("%s=%s", k, v))
		}
		writeField(&b, "task-args", t.Args)
		for _, wr := range t.WarningRegexes {
			writeField(&b, "task-warning-regex", wr)
		}
		if t.InteractiveLogin != nil {
			writeField(&b, "task-interactive-login", *t.InteractiveLogin)
		}
	}
	_, err := io.WriteString(w, b.String())
	return err
}

func writeField(b *strings.Builder, name, value string) {
	fmt.Fprintf(b, "%s: %s\n", name, value)
}
