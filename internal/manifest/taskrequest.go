package manifest

import (
	"fmt"
	"io"
	"strings"
)

// MachineOffer is one agent-offered machine entry within a task-request
// manifest (spec §6 "Task-request manifest").
type MachineOffer struct {
	Name       string
	Summary    string
	Role       string // "build" or "auxiliary"
	RAMMinimum *uint64
}

// TaskRequest is the manifest an agent posts to "?build-task" (spec §4.2,
// §6).
type TaskRequest struct {
	Agent             string
	Fingerprint       *string
	ToolchainName     string
	ToolchainVersion  string
	InteractiveLogin  *string
	AuxiliaryRAM      *uint64
	Machines          []MachineOffer
}

// ParseTaskRequest reads a task-request manifest from r.
func ParseTaskRequest(r io.Reader) (TaskRequest, error) {
	m, err := ParseOne(r)
	if err != nil {
		return TaskRequest{}, err
	}
	var req TaskRequest
	var ok bool
	if req.Agent, ok = m.Get("agent"); !ok || req.Agent == "" {
		return req, fmt.Errorf("task-request: missing agent")
	}
	if fp, ok := m.Get("fingerprint"); ok {
		req.Fingerprint = &fp
	}
	if req.ToolchainName, ok = m.Get("toolchain-name"); !ok {
		return req, fmt.Errorf("task-request: missing toolchain-name")
	}
	if req.ToolchainVersion, ok = m.Get("toolchain-version"); !ok {
		return req, fmt.Errorf("task-request: missing toolchain-version")
	}
	if login, ok := m.Get("interactive-login"); ok {
		req.InteractiveLogin = &login
	}
	if ram, ok := m.Get("auxiliary-ram"); ok {
		v, err := parseRAMMinimum(ram)
		if err != nil {
			return req, fmt.Errorf("task-request: %w", err)
		}
		req.AuxiliaryRAM = v
	}

	// Each "machine" field holds a comma-separated set of name:value pairs
	// for one offered machine, e.g. "name:x86_64-linux,role:build,summary:...".
	for _, raw := range m.All("machine") {
		mo, err := parseMachineOffer(raw)
		if err != nil {
			return req, fmt.Errorf("task-request: %w", err)
		}
		req.Machines = append(req.Machines, mo)
	}
	if len(req.Machines) == 0 {
		return req, fmt.Errorf("task-request: at least one machine entry required")
	}
	return req, nil
}

func parseMachineOffer(raw string) (MachineOffer, error) {
	var mo MachineOffer
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		i := strings.IndexByte(part, ':')
		if i < 0 {
			return mo, fmt.Errorf("invalid machine field %q", part)
		}
		key, val := part[:i], part[i+1:]
		switch key {
		case "name":
			mo.Name = val
		case "summary":
			mo.Summary = val
		case "role":
			mo.Role = val
		case "ram-minimum":
			ram, err := parseRAMMinimum(val)
			if err != nil {
				return mo, err
			}
			mo.RAMMinimum = ram
		}
	}
	if mo.Name == "" || mo.Role == "" {
		return mo, fmt.Errorf("machine entry missing name or role: %q", raw)
	}
	if mo.Role != "build" && mo.Role != "auxiliary" {
		return mo, fmt.Errorf("machine entry has invalid role %q", mo.Role)
	}
	return mo, nil
}
