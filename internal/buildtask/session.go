package buildtask

import (
	"fmt"
	"strings"
	"time"

	"github.com/repoforge/brepd/internal/model"
)

// BuildSession renders the slash-joined, agent-opaque session string (spec
// §4.2 "Session and response"):
//
//	tenant/name/version/target/target_config/package_config/toolchain_name/toolchain_version/timestamp_ns
func BuildSession(id model.BuildID, timestamp time.Time) string {
	return strings.Join([]string{
		id.Package.Tenant,
		id.Package.Name,
		id.Package.CanonicalVersion.String(),
		id.Target,
		id.TargetConfigName,
		id.PackageConfigName,
		id.ToolchainName,
		id.ToolchainVersion,
		fmt.Sprintf("%d", timestamp.UnixNano()),
	}, "/")
}

// ParseSession reverses BuildSession, used by the intake package to
// recover a BuildID and the timestamp pinned into the session (spec
// §4.3 "Session validation": "a build whose timestamp disagrees with the
// session").
func ParseSession(session string) (model.BuildID, time.Time, error) {
	parts := strings.Split(session, "/")
	if len(parts) != 9 {
		return model.BuildID{}, time.Time{}, fmt.Errorf("malformed session: expected 9 fields, got %d", len(parts))
	}
	v, err := model.ParseVersion(parts[2])
	if err != nil {
		return model.BuildID{}, time.Time{}, fmt.Errorf("malformed session version: %w", err)
	}
	var ns int64
	if _, err := fmt.Sscanf(parts[8], "%d", &ns); err != nil {
		return model.BuildID{}, time.Time{}, fmt.Errorf("malformed session timestamp: %w", err)
	}
	id := model.BuildID{
		Package:           model.PackageID{Tenant: parts[0], Name: parts[1], CanonicalVersion: v},
		Target:            parts[3],
		TargetConfigName:  parts[4],
		PackageConfigName: parts[5],
		ToolchainName:     parts[6],
		ToolchainVersion:  parts[7],
	}
	return id, time.Unix(0, ns), nil
}
