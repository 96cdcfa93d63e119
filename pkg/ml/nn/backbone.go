package nn

import (
	"errors"
	"fmt"
	"math/rand"
	"strings"
)

// WeightsRandom asks for a freshly initialized backbone.
const WeightsRandom = "random"

var backboneFilters = []int{8, 16, 32}

type BackboneOptions struct {
	InputShape Shape
	// Weights is WeightsRandom or the path (optionally file://) of a saved
	// model whose convolution weights are copied by layer name.
	Weights    string
	IncludeTop bool
	TopClasses int
	Seed       int64
}

// NewBackbone builds the convolutional feature extractor: one conv and one
// pool layer per block, plus a softmax classifier when IncludeTop is set.
func NewBackbone(opts BackboneOptions) (*Model, error) {
	in := opts.InputShape
	if len(in) != 3 || in[0] <= 0 || in[1] <= 0 || (in[2] != 1 && in[2] != 3) {
		return nil, constructionErrorf("backbone input must be (height, width, 1|3), got %s", in)
	}

	var layers []Layer
	for i, filters := range backboneFilters {
		layers = append(layers,
			NewConv2D(fmt.Sprintf("block%d_conv", i+1), filters),
			NewMaxPool2D(fmt.Sprintf("block%d_pool", i+1)),
		)
	}
	if opts.IncludeTop {
		if opts.TopClasses <= 0 {
			return nil, constructionErrorf("backbone top needs a positive class count, got %d", opts.TopClasses)
		}
		layers = append(layers, NewFlatten("flatten"), NewDense("predictions", opts.TopClasses, Softmax))
	}

	rng := rand.New(rand.NewSource(opts.Seed))
	m, err := NewModel("backbone", in, rng, layers...)
	if err != nil {
		return nil, err
	}

	switch source := strings.TrimSpace(opts.Weights); {
	case source == WeightsRandom:
	case source == "":
		return nil, constructionErrorf("backbone weight source is empty")
	default:
		if err := copyWeightsFrom(m, strings.TrimPrefix(source, "file://")); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// AppendHead returns a model that extends m with a flatten layer and a
// softmax classifier over the given number of classes.
func (m *Model) AppendHead(classes int, rng *rand.Rand) (*Model, error) {
	if classes <= 0 {
		return nil, constructionErrorf("classifier head needs a positive class count, got %d", classes)
	}
	return m.Extend(m.name+"_classifier", rng, NewFlatten("head_flatten"), NewDense("head_predictions", classes, Softmax))
}

func copyWeightsFrom(dst *Model, path string) error {
	src, err := LoadFile(path)
	if err != nil {
		var mce *ModelConstructionError
		if errors.As(err, &mce) {
			return err
		}
		return &ModelConstructionError{Reason: fmt.Sprintf("cannot read weight source %s", path), Err: err}
	}
	byName := make(map[string]*Conv2D)
	for _, l := range src.layers {
		if c, ok := l.(*Conv2D); ok {
			byName[c.name] = c
		}
	}
	copied := 0
	for _, l := range dst.layers {
		c, ok := l.(*Conv2D)
		if !ok {
			continue
		}
		from, ok := byName[c.name]
		if !ok {
			continue
		}
		if len(from.weights) != len(c.weights) || len(from.bias) != len(c.bias) {
			return constructionErrorf("weight source layer %s has %d weights, backbone expects %d", c.name, len(from.weights), len(c.weights))
		}
		copy(c.weights, from.weights)
		copy(c.bias, from.bias)
		copied++
	}
	if copied == 0 {
		return constructionErrorf("weight source %s has no matching convolution layers", path)
	}
	return nil
}
