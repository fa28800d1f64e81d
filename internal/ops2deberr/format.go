package ops2deberr

import (
	"errors"
	"net"
	"strings"
)

// Format renders a domain error with the "possible causes / suggestions"
// treatment the teacher's internal/errmsg package applies to resolver
// errors: one red line plus actionable hints, never a bare traceback.
func Format(err error) string {
	if err == nil {
		return ""
	}

	var domainErr *Error
	if errors.As(err, &domainErr) {
		return formatDomainError(domainErr)
	}

	var aggregate *Aggregate
	if errors.As(err, &aggregate) {
		return aggregate.Error()
	}

	return err.Error()
}

func formatDomainError(e *Error) string {
	var sb strings.Builder
	sb.WriteString(e.Error())

	switch e.Kind {
	case KindFetcher:
		var netErr net.Error
		if errors.As(e.Err, &netErr) {
			sb.WriteString("\nPossible causes:\n  - Network connectivity issue\n  - Server unreachable or TLS misconfigured\n")
			sb.WriteString("Suggestions:\n  - Check your internet connection\n  - Retry in a few minutes\n")
		}
	case KindUpdater:
		if strings.Contains(e.Message, "rate limit") || strings.Contains(e.Message, "403") {
			sb.WriteString("\nPossible causes:\n  - GitHub API rate limit exceeded\n")
			sb.WriteString("Suggestions:\n  - Set OPS2DEB_GITHUB_TOKEN to increase the rate limit\n")
		}
	case KindLockFile:
		if strings.Contains(e.Message, "Unknown hash") {
			sb.WriteString("\nSuggestions:\n  - Run `ops2deb lock` to pin this URL\n")
		}
	}

	return sb.String()
}
