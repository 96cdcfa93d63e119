package imagedata

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

var (
	ErrNoClasses = errors.New("dataset has no class directories")
	ErrNoImages  = errors.New("dataset has no images")
)

var imageExtensions = map[string]bool{
	".png": true, ".jpg": true, ".jpeg": true, ".bmp": true, ".gif": true, ".webp": true,
}

type Sample struct {
	Path  string
	Class int
}

// Dataset is a directory with one sub-directory per class. Classes are the
// sorted sub-directory names and a class index is its sorted position.
type Dataset struct {
	Root    string
	Classes []string
	Samples []Sample
}

func Scan(root string) (*Dataset, error) {
	entries, err := os.ReadDir(root)
	if err != nil {
		return nil, fmt.Errorf("reading dataset %s: %w", root, err)
	}
	ds := &Dataset{Root: root}
	for _, e := range entries {
		if e.IsDir() && !strings.HasPrefix(e.Name(), ".") {
			ds.Classes = append(ds.Classes, e.Name())
		}
	}
	if len(ds.Classes) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNoClasses, root)
	}
	sort.Strings(ds.Classes)

	for class, name := range ds.Classes {
		var files []string
		err := filepath.WalkDir(filepath.Join(root, name), func(path string, d os.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if d.Type().IsRegular() && imageExtensions[strings.ToLower(filepath.Ext(path))] {
				files = append(files, path)
			}
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("scanning class %s: %w", name, err)
		}
		sort.Strings(files)
		for _, f := range files {
			ds.Samples = append(ds.Samples, Sample{Path: f, Class: class})
		}
	}
	if len(ds.Samples) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNoImages, root)
	}
	return ds, nil
}

func (d *Dataset) CountByClass() map[string]int {
	counts := make(map[string]int, len(d.Classes))
	for _, s := range d.Samples {
		counts[d.Classes[s.Class]]++
	}
	return counts
}

// Split holds out the first fraction of every class, in file order, for
// validation and keeps the rest for training. The result depends only on
// the directory contents.
func (d *Dataset) Split(validation float64) (train, val []Sample, err error) {
	if validation <= 0 || validation >= 1 {
		return nil, nil, fmt.Errorf("validation split must be in (0, 1), got %v", validation)
	}
	byClass := make([][]Sample, len(d.Classes))
	for _, s := range d.Samples {
		byClass[s.Class] = append(byClass[s.Class], s)
	}
	for _, samples := range byClass {
		cut := int(validation * float64(len(samples)))
		val = append(val, samples[:cut]...)
		train = append(train, samples[cut:]...)
	}
	return train, val, nil
}
