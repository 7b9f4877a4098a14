package checker

import (
	"strings"
)

// ErrorCause classifies why a chroot build failed.
type ErrorCause string

const (
	CauseNone                 ErrorCause = ""
	CauseSRPMBuild            ErrorCause = "srpm_build_issue"
	CauseCoprTimeout          ErrorCause = "copr_timeout"
	CauseNetwork              ErrorCause = "network_issue"
	CauseDependency           ErrorCause = "dependency_issue"
	CauseTest                 ErrorCause = "test"
	CauseDownload             ErrorCause = "downloading"
	CauseInstalling           ErrorCause = "installing"
	CauseUnpackagedFiles      ErrorCause = "rpm__installed_but_unpackaged_files_found"
	CauseRPMDirectoryNotFound ErrorCause = "rpm__directory_not_found"
	CauseUnknown              ErrorCause = "unknown"
)

// AllCauses lists every cause a failure can be attributed to.
var AllCauses = []ErrorCause{
	CauseSRPMBuild,
	CauseCoprTimeout,
	CauseNetwork,
	CauseDependency,
	CauseTest,
	CauseDownload,
	CauseInstalling,
	CauseUnpackagedFiles,
	CauseRPMDirectoryNotFound,
	CauseUnknown,
}

// Ordered by specificity: the first matching rule wins.
var causeRules = []struct {
	cause   ErrorCause
	needles []string
}{
	{CauseCoprTimeout, []string{"!! Copr timeout"}},
	{CauseUnpackagedFiles, []string{"Installed (but unpackaged) file(s) found"}},
	{CauseRPMDirectoryNotFound, []string{"error: Directory not found:"}},
	{CauseTest, []string{"Failed Tests (", "Unexpected Failures:"}},
	{CauseDependency, []string{"No matching package to install", "nothing provides", "Problem: conflicting requests"}},
	{CauseDownload, []string{"Failed to download", "Cannot download"}},
	{CauseInstalling, []string{"Error: Transaction test error", "Error: Transaction failed"}},
	{CauseNetwork, []string{"Could not resolve host", "Failed to connect to", "Curl error"}},
}

// ClassifyLog attributes a failed chroot build to a cause by scanning its builder log.
func ClassifyLog(chroot, log string) ErrorCause {
	if chroot == "srpm-builds" {
		return CauseSRPMBuild
	}
	for _, rule := range causeRules {
		for _, needle := range rule.needles {
			if strings.Contains(log, needle) {
				return rule.cause
			}
		}
	}
	return CauseUnknown
}

func causeNames() []string {
	out := make([]string, 0, len(AllCauses))
	for _, c := range AllCauses {
		out = append(out, string(c))
	}
	return out
}
