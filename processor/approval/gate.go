// Package approval gates sensitive actions behind a human decision artifact.
// The gate diverts a task into the approval directory beside a generated
// artifact; the component scans artifacts for decisions and routes approved
// tasks back into their domain.
package approval

import (
	"fmt"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/c360studio/mdflow/task"
)

// Risk levels assigned to approval artifacts.
const (
	RiskLow      = "LOW"
	RiskMedium   = "MEDIUM"
	RiskHigh     = "HIGH"
	RiskCritical = "CRITICAL"
)

// ArtifactPrefix marks approval artifacts so task listings skip them.
const ArtifactPrefix = "approval_"

// ErrReDivert is returned when a task is diverted twice without an
// intervening approval.
var ErrReDivert = fmt.Errorf("task already awaiting approval")

// sensitivityRisk maps a detected sensitivity tag to its risk level.
var sensitivityRisk = []struct {
	tag      string
	keywords []string
	risk     string
}{
	{"production_deploy", []string{"production deploy", "deploy to production", "go live"}, RiskCritical},
	{"credential_access", []string{"credential", "password", "secret key", "api key"}, RiskCritical},
	{"payment", []string{"payment", "wire transfer", "pay the", "refund"}, RiskHigh},
	{"database_change", []string{"drop table", "database change", "migration", "alter table"}, RiskHigh},
	{"data_export", []string{"data export", "export data", "download all"}, RiskHigh},
	{"email", []string{"email", "send to", "recipient", "@"}, RiskMedium},
	{"social_post", []string{"social", "tweet", "post publicly", "publish post"}, RiskMedium},
}

// AssessRisk returns the risk level and matched sensitivity tag for a task.
// The highest-risk matching tag wins; no match is LOW.
func AssessRisk(file *task.File) (risk, tag string) {
	text := strings.ToLower(file.Title() + "\n" + file.Header.Value(task.FieldSkill) + "\n" + file.Body)
	for _, entry := range sensitivityRisk {
		for _, keyword := range entry.keywords {
			if strings.Contains(text, keyword) {
				return entry.risk, entry.tag
			}
		}
	}
	return RiskLow, "general"
}

// Divert moves a task into the approval directory and creates its decision
// artifact. A second divert without an intervening approval is refused.
func Divert(store *task.Store, file *task.File, expiry time.Duration) (artifactPath string, err error) {
	if file.Header.Has(task.FieldApprovalAsked) && file.Header.Value(task.FieldApproved) != "true" {
		return "", fmt.Errorf("%w: %s", ErrReDivert, file.Name())
	}

	risk, tag := AssessRisk(file)
	now := time.Now().UTC()
	expires := now.Add(expiry)

	file.Header.Set(task.FieldStatus, string(task.StatusPendingApproval))
	file.Header.Set(task.FieldApprovalAsked, now.Format(time.RFC3339))
	file.Header.Delete(task.FieldApproved)
	if err := file.Save(); err != nil {
		return "", fmt.Errorf("save diverted task: %w", err)
	}
	movedPath, err := store.Move(file.Path, store.ApprovalDir())
	if err != nil {
		return "", fmt.Errorf("move task to approval: %w", err)
	}
	file.Path = movedPath

	artifact := task.NewHeader()
	artifact.Set(task.FieldStatus, string(task.StatusPendingApproval))
	artifact.Set(task.FieldTitle, "Approval: "+file.Title())
	artifact.Set(task.FieldOriginalTask, file.Name())
	artifact.Set(task.FieldRiskLevel, risk)
	artifact.Set(task.FieldCreated, now.Format(time.RFC3339))
	artifact.Set(task.FieldExpires, expires.Format(time.RFC3339))

	body := artifactBody(file, risk, tag, expires)
	artifactPath = filepath.Join(store.ApprovalDir(), ArtifactPrefix+file.Name())
	if err := task.WriteAtomic(artifactPath, task.Serialize(artifact, body)); err != nil {
		return "", fmt.Errorf("write approval artifact: %w", err)
	}
	return artifactPath, nil
}

func artifactBody(file *task.File, risk, tag string, expires time.Time) string {
	var b strings.Builder
	b.WriteString("## " + task.SectionApprovalInfo + "\n\n")
	b.WriteString("| Field | Value |\n|---|---|\n")
	fmt.Fprintf(&b, "| Task | %s |\n", file.Name())
	fmt.Fprintf(&b, "| Title | %s |\n", file.Title())
	fmt.Fprintf(&b, "| Risk | %s |\n", risk)
	fmt.Fprintf(&b, "| Sensitivity | %s |\n", tag)
	fmt.Fprintf(&b, "| Priority | %s |\n", file.Header.Value(task.FieldPriority))
	fmt.Fprintf(&b, "| Expires | %s |\n\n", expires.Format(time.RFC3339))
	b.WriteString("To decide, edit this file and add one line:\n\n")
	b.WriteString("- `APPROVED: YES` followed by `Approved by: <name>`\n")
	b.WriteString("- `APPROVED: NO` or `REJECTED: YES` followed by `Reason: <why>`\n")
	b.WriteString("- `NEEDS INFO` to request more detail\n\n")
	b.WriteString("## " + task.SectionDecision + "\n\n")
	return b.String()
}

// DecisionKind classifies a parsed artifact decision.
type DecisionKind string

const (
	DecisionNone      DecisionKind = "none"
	DecisionApproved  DecisionKind = "approved"
	DecisionRejected  DecisionKind = "rejected"
	DecisionNeedsInfo DecisionKind = "needs_info"
)

// ArtifactDecision is the outcome of scanning one artifact.
type ArtifactDecision struct {
	Kind     DecisionKind
	Approver string
	Reason   string
}

var (
	approvedPattern  = regexp.MustCompile(`(?i)APPROVED:\s*YES`)
	rejectedPattern  = regexp.MustCompile(`(?i)(APPROVED:\s*NO|REJECTED:\s*YES)`)
	needsInfoPattern = regexp.MustCompile(`(?i)(NEEDS INFO|NEEDS_MORE_INFO|MORE INFORMATION)`)
	approverPattern  = regexp.MustCompile(`(?i)Approved by:\s*(.+)`)
	reasonPattern    = regexp.MustCompile(`(?i)Reason:\s*(.+)`)
)

// ParseDecision scans artifact content line by line; the first line carrying
// a decision token wins. Approver and reason are captured wherever they
// appear.
func ParseDecision(content string) ArtifactDecision {
	decision := ArtifactDecision{Kind: DecisionNone}
	for _, line := range strings.Split(content, "\n") {
		if decision.Kind == DecisionNone {
			switch {
			case approvedPattern.MatchString(line):
				decision.Kind = DecisionApproved
			case rejectedPattern.MatchString(line):
				decision.Kind = DecisionRejected
			case needsInfoPattern.MatchString(line):
				decision.Kind = DecisionNeedsInfo
			}
		}
		if m := approverPattern.FindStringSubmatch(line); m != nil && decision.Approver == "" {
			decision.Approver = strings.TrimSpace(m[1])
		}
		if m := reasonPattern.FindStringSubmatch(line); m != nil && decision.Reason == "" {
			decision.Reason = strings.TrimSpace(m[1])
		}
	}
	return decision
}
