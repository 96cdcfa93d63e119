package nn

import (
	"bufio"
	"bytes"
	"encoding/gob"
	"fmt"
	"io"
	"os"
)

var magic = []byte("CTNNMDL1")

type modelSpec struct {
	Name    string
	Input   []int
	Layers  []layerSpec
	Compile *Compilation
}

type layerSpec struct {
	Kind       string
	Name       string
	Trainable  bool
	Filters    int
	Kernel     int
	Units      int
	Activation string
	Weights    []float32
	Bias       []float32
}

// Save writes the architecture, weights, trainable flags and compilation.
func Save(w io.Writer, m *Model) error {
	spec := modelSpec{Name: m.name, Input: m.input.clone(), Compile: m.compiled}
	for _, l := range m.layers {
		spec.Layers = append(spec.Layers, l.spec())
	}
	if _, err := w.Write(magic); err != nil {
		return fmt.Errorf("writing model header: %w", err)
	}
	if err := gob.NewEncoder(w).Encode(spec); err != nil {
		return fmt.Errorf("encoding model %s: %w", m.name, err)
	}
	return nil
}

func Load(r io.Reader) (*Model, error) {
	header := make([]byte, len(magic))
	if _, err := io.ReadFull(r, header); err != nil || !bytes.Equal(header, magic) {
		return nil, ErrBadFormat
	}
	var spec modelSpec
	if err := gob.NewDecoder(r).Decode(&spec); err != nil {
		return nil, fmt.Errorf("%w: decoding: %v", ErrBadFormat, err)
	}

	layers := make([]Layer, 0, len(spec.Layers))
	for _, ls := range spec.Layers {
		l, err := layerFromSpec(ls)
		if err != nil {
			return nil, err
		}
		layers = append(layers, l)
	}
	m, err := NewModel(spec.Name, spec.Input, nil, layers...)
	if err != nil {
		return nil, err
	}
	m.compiled = spec.Compile
	return m, nil
}

func LoadFile(path string) (*Model, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	m, err := Load(bufio.NewReader(f))
	if err != nil {
		return nil, fmt.Errorf("loading model %s: %w", path, err)
	}
	return m, nil
}

// ValidateFile reports whether path holds a loadable model.
func ValidateFile(path string) error {
	_, err := LoadFile(path)
	return err
}

func layerFromSpec(ls layerSpec) (Layer, error) {
	switch ls.Kind {
	case "Conv2D":
		return &Conv2D{name: ls.Name, filters: ls.Filters, kernel: ls.Kernel, trainable: ls.Trainable, weights: ls.Weights, bias: ls.Bias}, nil
	case "MaxPooling2D":
		return &MaxPool2D{name: ls.Name, trainable: ls.Trainable}, nil
	case "Flatten":
		return &Flatten{name: ls.Name, trainable: ls.Trainable}, nil
	case "Dense":
		return &Dense{name: ls.Name, units: ls.Units, activation: Activation(ls.Activation), trainable: ls.Trainable, weights: ls.Weights, bias: ls.Bias}, nil
	}
	return nil, fmt.Errorf("%w: unknown layer kind %q", ErrBadFormat, ls.Kind)
}
