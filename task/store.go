package task

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/bmatcuk/doublestar/v4"
)

// Directory names that encode pipeline stages under the store root.
const (
	DirInbox    = "Inbox"
	DirDomains  = "Domains"
	DirApproval = "Needs_Approval"
	DirDone     = "Done"
	DirLogs     = "Logs"
	DirAudit    = "Audit"
	DirDocs     = "Docs"
)

// DefaultExcludes are glob patterns for companion artifacts that never count
// as pending tasks.
var DefaultExcludes = []string{"approval_*", ".*", "*.tmp-*"}

// Store provides directory-backed stages rooted at a single base path.
// Ownership of a task file follows its current stage directory; ownership
// transfers by moving the file.
type Store struct {
	root     string
	excludes []string
}

// NewStore creates a store rooted at base. Pattern syntax for exclusions is
// doublestar glob, matched against base names.
func NewStore(root string) *Store {
	return &Store{root: root, excludes: DefaultExcludes}
}

// Root returns the store base path.
func (s *Store) Root() string { return s.root }

// InboxDir returns the received-stage directory.
func (s *Store) InboxDir() string { return filepath.Join(s.root, DirInbox) }

// ApprovalDir returns the pending-approval directory.
func (s *Store) ApprovalDir() string { return filepath.Join(s.root, DirApproval) }

// DoneDir returns the terminal directory.
func (s *Store) DoneDir() string { return filepath.Join(s.root, DirDone) }

// LogsDir returns the operational logs directory.
func (s *Store) LogsDir() string { return filepath.Join(s.root, DirLogs) }

// AuditDir returns the audit stream root.
func (s *Store) AuditDir() string { return filepath.Join(s.root, DirAudit) }

// DocsDir returns the generated documentation directory.
func (s *Store) DocsDir() string { return filepath.Join(s.root, DirDocs) }

// DomainDir returns the directory for a domain/category pair.
func (s *Store) DomainDir(domain, category string) string {
	return filepath.Join(s.root, DirDomains, domain, category)
}

// DomainsRoot returns the root of all domain directories.
func (s *Store) DomainsRoot() string { return filepath.Join(s.root, DirDomains) }

// EnsureLayout creates the full directory tree. domains maps domain name to
// its category list.
func (s *Store) EnsureLayout(domains map[string][]string) error {
	dirs := []string{
		s.InboxDir(),
		s.ApprovalDir(),
		s.DoneDir(),
		s.LogsDir(),
		filepath.Join(s.LogsDir(), "resilience"),
		filepath.Join(s.LogsDir(), "failure_queue"),
		filepath.Join(s.LogsDir(), "failure_queue", "dead_letter"),
		filepath.Join(s.LogsDir(), "autonomy_states"),
		s.AuditDir(),
		s.DocsDir(),
	}
	for domain, categories := range domains {
		for _, cat := range categories {
			dirs = append(dirs, s.DomainDir(domain, cat))
		}
	}
	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create stage directory %s: %w", dir, err)
		}
	}
	return nil
}

// ListPending returns markdown task files in a stage directory, sorted by
// name, excluding companion artifacts and temp files.
func (s *Store) ListPending(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("list stage directory: %w", err)
	}
	var paths []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		if !strings.EqualFold(filepath.Ext(name), ".md") {
			continue
		}
		if s.excluded(name) {
			continue
		}
		paths = append(paths, filepath.Join(dir, name))
	}
	sort.Strings(paths)
	return paths, nil
}

// ListAllDomains returns pending task files across every domain/category
// directory.
func (s *Store) ListAllDomains() ([]string, error) {
	var paths []string
	root := s.DomainsRoot()
	err := filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if d.IsDir() {
			return nil
		}
		name := d.Name()
		if !strings.EqualFold(filepath.Ext(name), ".md") || s.excluded(name) {
			return nil
		}
		paths = append(paths, path)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk domains: %w", err)
	}
	sort.Strings(paths)
	return paths, nil
}

func (s *Store) excluded(name string) bool {
	for _, pattern := range s.excludes {
		if ok, _ := doublestar.Match(pattern, name); ok {
			return true
		}
	}
	return false
}

// Move relocates a task file into destDir atomically and returns the new
// path. A same-name file already present in destDir is overwritten; rename
// makes the transfer atomic on one filesystem.
func (s *Store) Move(path, destDir string) (string, error) {
	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return "", fmt.Errorf("create destination: %w", err)
	}
	dest := filepath.Join(destDir, filepath.Base(path))
	if err := os.Rename(path, dest); err != nil {
		// Rename fails across filesystems; fall back to copy + remove.
		if copyErr := copyFile(path, dest); copyErr != nil {
			return "", fmt.Errorf("move task file: %w", err)
		}
		if err := os.Remove(path); err != nil {
			return "", fmt.Errorf("remove source after copy: %w", err)
		}
	}
	return dest, nil
}

// Copy duplicates a task file into destDir, used when approval keeps a copy
// of the original beside the artifact.
func (s *Store) Copy(path, destDir string) (string, error) {
	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return "", fmt.Errorf("create destination: %w", err)
	}
	dest := filepath.Join(destDir, filepath.Base(path))
	if err := copyFile(path, dest); err != nil {
		return "", err
	}
	return dest, nil
}

// Quarantine transitions an unreadable or malformed task into the terminal
// directory with an error section. When the file cannot be parsed at all the
// error note is appended to the raw content.
func (s *Store) Quarantine(path string, cause error) (string, error) {
	note := fmt.Sprintf("Quarantined at %s\n\nReason: %v", time.Now().UTC().Format(time.RFC3339), cause)
	f, readErr := Read(path)
	if readErr == nil {
		f.Header.Set(FieldStatus, string(StatusFailed))
		if err := f.AppendSection(SectionError, note); err != nil {
			return "", err
		}
	} else {
		raw, err := os.ReadFile(path)
		if err != nil {
			return "", fmt.Errorf("read for quarantine: %w", err)
		}
		content := string(raw) + "\n\n## " + SectionError + "\n\n" + note + "\n"
		if err := WriteAtomic(path, content); err != nil {
			return "", err
		}
	}
	return s.Move(path, s.DoneDir())
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("open source: %w", err)
	}
	defer in.Close()

	tmp, err := os.CreateTemp(filepath.Dir(dst), "."+filepath.Base(dst)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp: %w", err)
	}
	tmpPath := tmp.Name()
	if _, err := io.Copy(tmp, in); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("copy contents: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("close temp: %w", err)
	}
	if err := os.Rename(tmpPath, dst); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("rename temp: %w", err)
	}
	return nil
}
