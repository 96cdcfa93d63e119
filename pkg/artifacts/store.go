package artifacts

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"math"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

type Name string

const (
	RawDataset       Name = "raw_dataset"
	Dataset          Name = "dataset"
	BaseModel        Name = "base_model"
	UpdatedBaseModel Name = "updated_base_model"
	TrainedModel     Name = "trained_model"
	EvaluationReport Name = "evaluation_report"
)

// Kind tags what an artifact holds so the store can check its shape and not
// only its existence.
type Kind int

const (
	KindRaw Kind = iota
	KindDirectory
	KindModel
	KindReport
)

func (k Kind) String() string {
	switch k {
	case KindRaw:
		return "raw-bytes"
	case KindDirectory:
		return "directory"
	case KindModel:
		return "model"
	case KindReport:
		return "report"
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

type Descriptor struct {
	Name  Name
	Stage string
	Kind  Kind
	Path  string
}

// Set is what a stage reports as written: logical name to absolute path.
type Set map[Name]string

var (
	ErrUnknownArtifact = errors.New("unknown artifact")
	ErrOutsideRoot     = errors.New("artifact path outside artifacts root")
	ErrInvalidArtifact = errors.New("invalid artifact")
)

type NotFoundError struct {
	Name Name
	Path string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("artifact %s not found at %s", e.Name, e.Path)
}

// Validator checks that the file or directory at path has the expected shape.
type Validator func(path string) error

type defaultEntry struct {
	stage string
	kind  Kind
	file  string
}

var conventions = map[Name]defaultEntry{
	RawDataset:       {stage: "data_ingestion", kind: KindRaw, file: "data.zip"},
	Dataset:          {stage: "data_ingestion", kind: KindDirectory, file: "kidney-ct-scan-image"},
	BaseModel:        {stage: "prepare_base_model", kind: KindModel, file: "base_model.gob"},
	UpdatedBaseModel: {stage: "prepare_base_model", kind: KindModel, file: "base_model_updated.gob"},
	TrainedModel:     {stage: "training", kind: KindModel, file: "model.gob"},
	EvaluationReport: {stage: "evaluation", kind: KindReport, file: "scores.json"},
}

// Store maps logical artifact names to paths under a single artifacts root.
// Paths default to <root>/<stage>/<file> and may be rebound, but never
// outside the root.
type Store struct {
	root        string
	descriptors map[Name]Descriptor
	validators  map[Kind]Validator
}

func NewStore(root string) (*Store, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolving artifacts root %s: %w", root, err)
	}
	s := &Store{
		root:        abs,
		descriptors: make(map[Name]Descriptor, len(conventions)),
		validators: map[Kind]Validator{
			KindRaw:       validateRaw,
			KindDirectory: validateDirectory,
			KindReport:    validateReport,
			KindModel:     validateRaw,
		},
	}
	for name, c := range conventions {
		s.descriptors[name] = Descriptor{
			Name:  name,
			Stage: c.stage,
			Kind:  c.kind,
			Path:  filepath.Join(abs, c.stage, c.file),
		}
	}
	return s, nil
}

func (s *Store) Root() string {
	return s.root
}

// Bind points a logical name at a configured path.
func (s *Store) Bind(name Name, path string) error {
	d, ok := s.descriptors[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownArtifact, name)
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("resolving %s: %w", path, err)
	}
	if !Within(s.root, abs) {
		return fmt.Errorf("%w: %s is not under %s", ErrOutsideRoot, abs, s.root)
	}
	d.Path = abs
	s.descriptors[name] = d
	return nil
}

func (s *Store) RegisterValidator(kind Kind, v Validator) {
	s.validators[kind] = v
}

func (s *Store) Descriptor(name Name) (Descriptor, error) {
	d, ok := s.descriptors[name]
	if !ok {
		return Descriptor{}, fmt.Errorf("%w: %s", ErrUnknownArtifact, name)
	}
	return d, nil
}

func (s *Store) Path(name Name) string {
	return s.descriptors[name].Path
}

func (s *Store) Exists(name Name) bool {
	d, ok := s.descriptors[name]
	if !ok {
		return false
	}
	_, err := os.Stat(d.Path)
	return err == nil
}

// Size returns the artifact size in bytes; directories are summed.
func (s *Store) Size(name Name) (int64, error) {
	d, err := s.Descriptor(name)
	if err != nil {
		return 0, err
	}
	info, err := os.Stat(d.Path)
	if errors.Is(err, fs.ErrNotExist) {
		return 0, &NotFoundError{Name: name, Path: d.Path}
	}
	if err != nil {
		return 0, err
	}
	if !info.IsDir() {
		return info.Size(), nil
	}
	var total int64
	err = filepath.WalkDir(d.Path, func(_ string, entry fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if entry.Type().IsRegular() {
			fi, err := entry.Info()
			if err != nil {
				return err
			}
			total += fi.Size()
		}
		return nil
	})
	return total, err
}

// SizeKB renders the size the way it is logged: "~ 12 KB".
func (s *Store) SizeKB(name Name) (string, error) {
	size, err := s.Size(name)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("~ %d KB", int64(math.Round(float64(size)/1024))), nil
}

// Validate checks existence and the kind-specific shape of an artifact.
func (s *Store) Validate(name Name) error {
	d, err := s.Descriptor(name)
	if err != nil {
		return err
	}
	if _, err := os.Stat(d.Path); errors.Is(err, fs.ErrNotExist) {
		return &NotFoundError{Name: name, Path: d.Path}
	}
	if v := s.validators[d.Kind]; v != nil {
		if err := v(d.Path); err != nil {
			return fmt.Errorf("%s artifact %s: %w", d.Kind, name, err)
		}
	}
	return nil
}

// Write replaces the artifact's file atomically.
func (s *Store) Write(name Name, fn func(w io.Writer) error) error {
	d, err := s.Descriptor(name)
	if err != nil {
		return err
	}
	if d.Kind == KindDirectory {
		return fmt.Errorf("%w: %s is a directory artifact", ErrInvalidArtifact, name)
	}
	return WriteAtomic(d.Path, fn)
}

func (s *Store) Collect(names ...Name) Set {
	set := make(Set, len(names))
	for _, n := range names {
		set[n] = s.Path(n)
	}
	return set
}

// WriteAtomic writes to a temporary sibling of path and renames it into
// place, so readers see either the old file or the complete new one.
func WriteAtomic(path string, fn func(w io.Writer) error) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating %s: %w", dir, err)
	}
	tmp := filepath.Join(dir, fmt.Sprintf(".%s.%s.tmp", filepath.Base(path), uuid.NewString()))
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("creating temp file for %s: %w", path, err)
	}
	committed := false
	defer func() {
		if !committed {
			f.Close()
			os.Remove(tmp)
		}
	}()

	if err := fn(f); err != nil {
		return err
	}
	if err := f.Sync(); err != nil {
		return fmt.Errorf("syncing %s: %w", tmp, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("closing %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		committed = true
		return fmt.Errorf("renaming into %s: %w", path, err)
	}
	committed = true
	return nil
}

// Within reports whether path is root itself or lies below it.
func Within(root, path string) bool {
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return false
	}
	return rel == "." || (rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)))
}

func validateRaw(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	if !info.Mode().IsRegular() {
		return fmt.Errorf("%w: %s is not a regular file", ErrInvalidArtifact, path)
	}
	if info.Size() == 0 {
		return fmt.Errorf("%w: %s is empty", ErrInvalidArtifact, path)
	}
	return nil
}

func validateDirectory(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	if !info.IsDir() {
		return fmt.Errorf("%w: %s is not a directory", ErrInvalidArtifact, path)
	}
	return nil
}

func validateReport(path string) error {
	content, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	var doc map[string]any
	if err := json.Unmarshal(content, &doc); err != nil {
		return fmt.Errorf("%w: %s is not a JSON object: %v", ErrInvalidArtifact, path, err)
	}
	return nil
}
