package manifest

import (
	"fmt"
	"io"
	"strings"
	"time"
)

// ciTimestampFormat is the CI submission manifest's timestamp layout (spec
// §6: "%Y-%m-%dT%H:%M:%SZ").
const ciTimestampFormat = "2006-01-02T15:04:05Z"

// ServiceAction is the CI submission's requested lifecycle action.
type ServiceAction string

const (
	ServiceActionStart ServiceAction = "start"
	ServiceActionLoad  ServiceAction = "load"
)

// CISubmission is the manifest persisted to
// ci-data/<uuid>/request.manifest (spec §4.4, §6).
type CISubmission struct {
	ID          string
	Repository  string
	Packages    []string // "name" or "name/version"
	Timestamp   time.Time
	ClientIP    *string
	UserAgent   *string
	Interactive *string
	Simulate    *string
	ServiceID   *string
	ServiceType *string
	ServiceData *string
	ServiceAction *ServiceAction
	Custom      []NameValue
}

// ParseCISubmission reads a CI submission request manifest from r.
func ParseCISubmission(r io.Reader) (CISubmission, error) {
	m, err := ParseOne(r)
	if err != nil {
		return CISubmission{}, err
	}
	var s CISubmission
	var ok bool
	if s.ID, ok = m.Get("id"); !ok || s.ID == "" {
		return s, fmt.Errorf("ci-submission: missing id")
	}
	if s.Repository, ok = m.Get("repository"); !ok || s.Repository == "" {
		return s, fmt.Errorf("ci-submission: missing repository")
	}
	s.Packages = m.All("package")
	if len(s.Packages) == 0 {
		return s, fmt.Errorf("ci-submission: at least one package required")
	}
	ts, ok := m.Get("timestamp")
	if !ok {
		return s, fmt.Errorf("ci-submission: missing timestamp")
	}
	t, err := time.Parse(ciTimestampFormat, ts)
	if err != nil {
		return s, fmt.Errorf("ci-submission: invalid timestamp %q: %w", ts, err)
	}
	s.Timestamp = t

	if v, ok := m.Get("client-ip"); ok {
		s.ClientIP = &v
	}
	if v, ok := m.Get("user-agent"); ok {
		s.UserAgent = &v
	}
	if v, ok := m.Get("interactive"); ok {
		s.Interactive = &v
	}
	if v, ok := m.Get("simulate"); ok {
		s.Simulate = &v
	}
	if v, ok := m.Get("service-id"); ok {
		s.ServiceID = &v
	}
	if v, ok := m.Get("service-type"); ok {
		s.ServiceType = &v
	}
	if v, ok := m.Get("service-data"); ok {
		s.ServiceData = &v
	}
	if v, ok := m.Get("service-action"); ok {
		a := ServiceAction(v)
		if a != ServiceActionStart && a != ServiceActionLoad {
			return s, fmt.Errorf("ci-submission: invalid service-action %q", v)
		}
		s.ServiceAction = &a
	}

	knownFields := map[string]bool{
		"id": true, "repository": true, "package": true, "timestamp": true,
		"client-ip": true, "user-agent": true, "interactive": true, "simulate": true,
		"service-id": true, "service-type": true, "service-data": true, "service-action": true,
	}
	for _, nv := range m {
		if !knownFields[nv.Name] {
			s.Custom = append(s.Custom, nv)
		}
	}
	return s, nil
}

// WriteRequest renders s back to a request.manifest document.
func (s CISubmission) WriteRequest(w io.Writer) error {
	var b strings.Builder
	writeField(&b, "id", s.ID)
	writeField(&b, "repository", s.Repository)
	for _, p := range s.Packages {
		writeField(&b, "package", p)
	}
	writeField(&b, "timestamp", s.Timestamp.UTC().Format(ciTimestampFormat))
	if s.ClientIP != nil {
		writeField(&b, "client-ip", *s.ClientIP)
	}
	if s.UserAgent != nil {
		writeField(&b, "user-agent", *s.UserAgent)
	}
	if s.Interactive != nil {
		writeField(&b, "interactive", *s.Interactive)
	}
	if s.Simulate != nil {
		writeField(&b, "simulate", *s.Simulate)
	}
	if s.ServiceID != nil {
		writeField(&b, "service-id", *s.ServiceID)
	}
	if s.ServiceType != nil {
		writeField(&b, "service-type", *s.ServiceType)
	}
	if s.ServiceData != nil {
		writeField(&b, "service-data", *s.ServiceData)
	}
	if s.ServiceAction != nil {
		writeField(&b, "service-action", string(*s.ServiceAction))
	}
	for _, nv := range s.Custom {
		writeField(&b, nv.Name, nv.Value)
	}
	_, err := io.WriteString(w, b.String())
	return err
}

// CIResult is the manifest written to result.manifest after a CI
// submission is handled (spec §4.4, §6).
type CIResult struct {
	Status    string
	Message   string
	Reference *string
}

// Write renders r to w.
func (r CIResult) Write(w io.Writer) error {
	var b strings.Builder
	writeField(&b, "status", r.Status)
	writeField(&b, "message", r.Message)
	if r.Reference != nil {
		writeField(&b, "reference", *r.Reference)
	}
	_, err := io.WriteString(w, b.String())
	return err
}
