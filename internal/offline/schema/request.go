package schema

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// RequestFile is a request descriptor read from disk.
type RequestFile struct {
	URL       string            `yaml:"url" json:"url"`
	Method    string            `yaml:"method" json:"method"`
	Headers   map[string]string `yaml:"headers,omitempty" json:"headers,omitempty"`
	Body      any               `yaml:"body,omitempty" json:"body,omitempty"`
	Files     []FileRef         `yaml:"files,omitempty" json:"files,omitempty"`
	Fields    map[string]string `yaml:"fields,omitempty" json:"fields,omitempty"`
	FileField string            `yaml:"file_field,omitempty" json:"file_field,omitempty"`
}

// FileRef points at a file to attach to a multipart request.
type FileRef struct {
	// Key is the blob key. Empty means the caller picks one.
	Key  string `yaml:"key,omitempty" json:"key,omitempty"`
	Path string `yaml:"path" json:"path"`
	// Name is the file name sent in the form. Defaults to the base of Path.
	Name string `yaml:"name,omitempty" json:"name,omitempty"`
}

// IsMultipart reports whether the request attaches files.
func (r *RequestFile) IsMultipart() bool {
	return len(r.Files) > 0
}

// Validate checks the descriptor and normalizes its method.
func (r *RequestFile) Validate() error {
	if r.URL == "" {
		return fmt.Errorf("%w: url is required", ErrInvalidItem)
	}
	m, ok := NormalizeMethod(r.Method)
	if !ok {
		return fmt.Errorf("%w: method must be one of %s (got %q)", ErrInvalidItem, strings.Join(Methods, ", "), r.Method)
	}
	r.Method = m

	if r.IsMultipart() {
		if r.Body != nil {
			return fmt.Errorf("%w: request cannot have both body and files", ErrInvalidItem)
		}
		for i, f := range r.Files {
			if f.Path == "" {
				return fmt.Errorf("%w: files[%d].path is required", ErrInvalidItem, i)
			}
		}
	} else if len(r.Fields) > 0 || r.FileField != "" {
		return fmt.Errorf("%w: fields and file_field need at least one file", ErrInvalidItem)
	}
	return nil
}

// ReadRequestFile reads and validates a request descriptor. YAML and JSON
// are both accepted. Relative file paths are made relative to the
// descriptor's directory, and missing file names default to the base name.
func ReadRequestFile(path string) (*RequestFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read request file %s: %w", path, err)
	}

	req, err := ParseRequest(data)
	if err != nil {
		return nil, fmt.Errorf("invalid request file %s: %w", path, err)
	}

	dir := filepath.Dir(path)
	for i := range req.Files {
		f := &req.Files[i]
		if !filepath.IsAbs(f.Path) {
			f.Path = filepath.Join(dir, f.Path)
		}
		if f.Name == "" {
			f.Name = filepath.Base(f.Path)
		}
	}

	return req, nil
}

// ParseRequest decodes and validates a request descriptor.
func ParseRequest(data []byte) (*RequestFile, error) {
	var req RequestFile
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&req); err != nil {
		return nil, fmt.Errorf("failed to parse request: %w", err)
	}
	if err := req.Validate(); err != nil {
		return nil, err
	}
	return &req, nil
}

// IsRequestFile reports whether name has an extension ReadRequestFile understands.
func IsRequestFile(name string) bool {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".json", ".yaml", ".yml":
		return true
	}
	return false
}
