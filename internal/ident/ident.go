// Package ident generates the external identifiers used across the
// engine. Formats are stable: dashboards, alert correlation, and the
// export pipeline all parse them, so changes here are breaking.
package ident

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ExecutionID returns an execution identifier of the form
// EXE-YYYYMMDD-XXXXXX where X is an uppercase hex digit.
func ExecutionID(now time.Time) string {
	return fmt.Sprintf("EXE-%s-%s", now.UTC().Format("20060102"), strings.ToUpper(randHex(3)))
}

// PlaybookID returns a playbook identifier of the form
// PB-<millis base36>-<6 hex>.
func PlaybookID(now time.Time) string {
	return fmt.Sprintf("PB-%s-%s", base36(now), randHex(3))
}

// CaseID returns a case identifier of the form CASE-YYYYMMDD-XXXX.
func CaseID(now time.Time) string {
	return fmt.Sprintf("CASE-%s-%s", now.UTC().Format("20060102"), strings.ToUpper(randHex(2)))
}

// SLAID returns an SLA record identifier scoped by suffix, for example
// SLA-policy-<millis base36> or SLA-breach-<millis base36>.
func SLAID(suffix string, now time.Time) string {
	return fmt.Sprintf("SLA-%s-%s", suffix, base36(now))
}

// ApprovalID returns an approval request identifier.
func ApprovalID(now time.Time) string {
	return fmt.Sprintf("APR-%s-%s", base36(now), randHex(4))
}

// ScheduleID returns a schedule identifier.
func ScheduleID(now time.Time) string {
	return fmt.Sprintf("SCH-%s-%s", base36(now), randHex(3))
}

func base36(t time.Time) string {
	return strconv.FormatInt(t.UnixMilli(), 36)
}

func randHex(n int) string {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		// crypto/rand never fails on supported platforms; fall back to
		// a timestamp-derived value rather than panic mid-request.
		return strconv.FormatInt(time.Now().UnixNano(), 16)[:n*2]
	}
	return hex.EncodeToString(b)
}
