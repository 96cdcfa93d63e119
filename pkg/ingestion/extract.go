package ingestion

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/google/uuid"
	"github.com/klauspost/compress/zip"

	"github.com/synaptica-ai/ctscan/pkg/artifacts"
)

const manifestName = ".manifest.json"

type manifest struct {
	Archive string   `json:"archive"`
	Entries []string `json:"entries"`
}

// Extract unpacks archive into dir. The archive is first unpacked into a
// staging directory; only once that succeeds are the top-level entries of the
// previous extraction removed and the new ones moved in. Files in dir that
// neither extraction produced, such as the archive itself, are left alone.
func Extract(archive, dir string) ([]string, error) {
	fail := func(err error) ([]string, error) {
		return nil, &ExtractionError{Archive: archive, Err: err}
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fail(err)
	}
	staging := filepath.Join(dir, ".extract-"+uuid.NewString())
	if err := os.Mkdir(staging, 0o755); err != nil {
		return fail(err)
	}
	defer os.RemoveAll(staging)

	if err := unzip(archive, staging); err != nil {
		return fail(err)
	}

	entries, err := os.ReadDir(staging)
	if err != nil {
		return fail(err)
	}
	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
	}
	sort.Strings(names)

	previous, err := readManifest(dir)
	if err != nil {
		return fail(err)
	}
	archiveName := filepath.Base(archive)
	for _, name := range append(previous.Entries, names...) {
		if name == archiveName || name == manifestName {
			continue
		}
		if err := os.RemoveAll(filepath.Join(dir, name)); err != nil {
			return fail(err)
		}
	}
	for _, name := range names {
		if name == archiveName || name == manifestName {
			continue
		}
		if err := os.Rename(filepath.Join(staging, name), filepath.Join(dir, name)); err != nil {
			return fail(err)
		}
	}

	m := manifest{Archive: archiveName, Entries: names}
	if err := artifacts.WriteAtomic(filepath.Join(dir, manifestName), func(w io.Writer) error {
		return json.NewEncoder(w).Encode(m)
	}); err != nil {
		return fail(err)
	}
	return names, nil
}

func readManifest(dir string) (manifest, error) {
	var m manifest
	content, err := os.ReadFile(filepath.Join(dir, manifestName))
	if errors.Is(err, fs.ErrNotExist) {
		return m, nil
	}
	if err != nil {
		return m, err
	}
	if err := json.Unmarshal(content, &m); err != nil {
		return manifest{}, nil
	}
	for _, name := range m.Entries {
		if name == "" || strings.ContainsAny(name, `/\`) || name == "." || name == ".." {
			return manifest{}, fmt.Errorf("manifest in %s lists invalid entry %q", dir, name)
		}
	}
	return m, nil
}

func unzip(archive, dst string) error {
	r, err := zip.OpenReader(archive)
	if err != nil {
		return err
	}
	defer r.Close()

	for _, f := range r.File {
		target := filepath.Join(dst, filepath.FromSlash(f.Name))
		if !artifacts.Within(dst, target) || target == dst {
			if target == dst && f.FileInfo().IsDir() {
				continue
			}
			return fmt.Errorf("%w: %s", errUnsafeEntry, f.Name)
		}
		if f.FileInfo().IsDir() {
			if err := os.MkdirAll(target, 0o755); err != nil {
				return err
			}
			continue
		}
		if !f.Mode().IsRegular() {
			continue
		}
		if err := writeEntry(f, target); err != nil {
			return fmt.Errorf("%s: %w", f.Name, err)
		}
	}
	return nil
}

func writeEntry(f *zip.File, target string) error {
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return err
	}
	src, err := f.Open()
	if err != nil {
		return err
	}
	defer src.Close()
	out, err := os.OpenFile(target, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, src); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
