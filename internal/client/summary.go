package client

import (
	"fmt"
	"strings"

	"github.com/sykell/url-monitor/internal/db"
)

// Summary renders the latest run of a job as one short phrase
func Summary(run *db.Run) string {
	if run == nil {
		return "No runs yet"
	}
	switch run.Status {
	case db.RunRunning:
		return "Loading"
	case db.RunFailed:
		return "Failed" + flagSuffix(run.Flags)
	}
	if !IsRisky(run) {
		return "Safe"
	}
	return "Rescue" + flagSuffix(run.Flags)
}

// IsRisky reports whether run completed with any risk level but none
func IsRisky(run *db.Run) bool {
	return run != nil && run.RiskLevel != nil && *run.RiskLevel != db.RiskNone
}

func flagSuffix(flags []string) string {
	if len(flags) == 0 {
		return ""
	}
	return fmt.Sprintf(" (%s)", strings.Join(flags, ", "))
}
