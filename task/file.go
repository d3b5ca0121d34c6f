package task

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Recognized body sections. Sections are appended by convention and located
// by their exact heading line.
const (
	SectionExecutionPlan    = "Execution Plan"
	SectionExecutionResults = "Execution Results"
	SectionError            = "Error"
	SectionApprovalInfo     = "Approval Information"
	SectionDecision         = "Decision"
)

// File is a task document loaded into memory: header fields plus free-form
// markdown body. Path records where it was read from.
type File struct {
	Path   string
	Header *Header
	Body   string
}

// Read loads and parses a task file. A parse failure is returned as a
// *HeaderError so callers can route the file to quarantine.
func Read(path string) (*File, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read task file: %w", err)
	}
	header, body, err := ParseHeader(string(content))
	if err != nil {
		var herr *HeaderError
		if errors.As(err, &herr) {
			herr.Path = path
		}
		return nil, err
	}
	return &File{Path: path, Header: header, Body: body}, nil
}

// Status returns the lifecycle status from the header.
func (f *File) Status() Status {
	return Status(f.Header.Value(FieldStatus))
}

// Title returns the title field, falling back to the file name.
func (f *File) Title() string {
	if t := f.Header.Value(FieldTitle); t != "" {
		return t
	}
	return strings.TrimSuffix(filepath.Base(f.Path), filepath.Ext(f.Path))
}

// Name returns the base file name.
func (f *File) Name() string {
	return filepath.Base(f.Path)
}

// Save writes the file back to its path atomically (write-to-temp + rename)
// so readers never observe a half-written header.
func (f *File) Save() error {
	return WriteAtomic(f.Path, Serialize(f.Header, f.Body))
}

// SetField updates one header field and persists. All other fields and the
// body are preserved; a failed write leaves the prior file intact.
func (f *File) SetField(key, value string) error {
	f.Header.Set(key, value)
	return f.Save()
}

// HasSection reports whether the body already contains the named `##` section.
func (f *File) HasSection(name string) bool {
	return hasSection(f.Body, name)
}

// AppendSection appends a named markdown section and persists atomically.
// Appending a section that already exists is a no-op, which keeps repeated
// skill invocations from duplicating results.
func (f *File) AppendSection(name, content string) error {
	if f.HasSection(name) {
		return nil
	}
	var b strings.Builder
	b.WriteString(f.Body)
	if f.Body != "" && !strings.HasSuffix(f.Body, "\n") {
		b.WriteByte('\n')
	}
	b.WriteString("\n## ")
	b.WriteString(name)
	b.WriteString("\n\n")
	b.WriteString(strings.TrimRight(content, "\n"))
	b.WriteByte('\n')
	f.Body = b.String()
	return f.Save()
}

// Section returns the content of the named section (text between its heading
// and the next `##` heading or end of body), and whether it was found.
func (f *File) Section(name string) (string, bool) {
	return extractSection(f.Body, name)
}

func hasSection(body, name string) bool {
	_, ok := extractSection(body, name)
	return ok
}

func extractSection(body, name string) (string, bool) {
	heading := "## " + name
	lines := strings.Split(body, "\n")
	start := -1
	for i, line := range lines {
		if strings.TrimSpace(line) == heading {
			start = i + 1
			break
		}
	}
	if start < 0 {
		return "", false
	}
	end := len(lines)
	for i := start; i < len(lines); i++ {
		if strings.HasPrefix(strings.TrimSpace(lines[i]), "## ") {
			end = i
			break
		}
	}
	return strings.TrimSpace(strings.Join(lines[start:end], "\n")), true
}

// WriteAtomic writes content to path via a temp file in the same directory
// followed by rename.
func WriteAtomic(path, content string) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.WriteString(content); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("rename temp file: %w", err)
	}
	return nil
}
