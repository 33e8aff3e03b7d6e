package manifest

import (
	"fmt"
	"io"

	"github.com/repoforge/brepd/internal/model"
)

// ResultOperation is one named build-operation outcome within a
// result-request manifest.
type ResultOperation struct {
	Name   string
	Status model.ResultStatus
	Log    string
}

// Result carries the nested "result" fields of a result-request manifest
// (spec §4.3, §6).
type Result struct {
	PackageName    string
	PackageVersion string
	Status         model.ResultStatus
	Operations     []ResultOperation
	WorkerChecksum *string
	DependencyChecksum *string
}

// ResultRequest is the manifest an agent posts to "?build-result" (spec
// §4.3, §6).
type ResultRequest struct {
	Session       string
	Challenge     *string
	AgentChecksum *string
	Result        Result
}

// ParseResultRequest reads a result-request manifest from r.
func ParseResultRequest(r io.Reader) (ResultRequest, error) {
	m, err := ParseOne(r)
	if err != nil {
		return ResultRequest{}, err
	}
	var req ResultRequest
	var ok bool
	if req.Session, ok = m.Get("session"); !ok || req.Session == "" {
		return req, fmt.Errorf("result-request: missing session")
	}
	if ch, ok := m.Get("challenge"); ok {
		req.Challenge = &ch
	}
	if ac, ok := m.Get("agent-checksum"); ok {
		req.AgentChecksum = &ac
	}

	if req.Result.PackageName, ok = m.Get("result-name"); !ok {
		return req, fmt.Errorf("result-request: missing result-name")
	}
	if req.Result.PackageVersion, ok = m.Get("result-version"); !ok {
		return req, fmt.Errorf("result-request: missing result-version")
	}
	status, ok := m.Get("result-status")
	if !ok {
		return req, fmt.Errorf("result-request: missing result-status")
	}
	if !validResultStatus(status) {
		return req, fmt.Errorf("result-request: invalid status %q", status)
	}
	req.Result.Status = model.ResultStatus(status)

	if wc, ok := m.Get("result-worker-checksum"); ok {
		req.Result.WorkerChecksum = &wc
	}
	if dc, ok := m.Get("result-dependency-checksum"); ok {
		req.Result.DependencyChecksum = &dc
	}

	// Operation results are encoded as "name:status" fields, with the
	// corresponding "result-operation-log-<name>" field (if present)
	// carrying that operation's log text out of band, since logs may
	// contain characters that would otherwise collide with the
	// name/value grammar.
	for _, raw := range m.All("result-operation") {
		op, err := parseResultOperation(raw, m)
		if err != nil {
			return req, fmt.Errorf("result-request: %w", err)
		}
		req.Result.Operations = append(req.Result.Operations, op)
	}
	return req, nil
}

func parseResultOperation(raw string, m Manifest) (ResultOperation, error) {
	i := -1
	for j := 0; j < len(raw); j++ {
		if raw[j] == ':' {
			i = j
			break
		}
	}
	if i < 0 {
		return ResultOperation{}, fmt.Errorf("invalid result-operation field %q", raw)
	}
	name, status := raw[:i], raw[i+1:]
	if !validResultStatus(status) {
		return ResultOperation{}, fmt.Errorf("result-operation %q: invalid status %q", name, status)
	}
	op := ResultOperation{Name: name, Status: model.ResultStatus(status)}
	if log, ok := m.Get("result-operation-log-" + name); ok {
		op.Log = log
	}
	return op, nil
}

func validResultStatus(s string) bool {
	switch model.ResultStatus(s) {
	case model.StatusSuccess, model.StatusWarning, model.StatusError, model.StatusAbort,
		model.StatusAbnormal, model.StatusSkip, model.StatusInterrupt:
		return true
	default:
		return false
	}
}
