package imagedata

import (
	"errors"
	"fmt"
	"math/rand"

	"github.com/synaptica-ai/ctscan/pkg/ml/nn"
)

var ErrEmptySubset = errors.New("subset has no samples")

type Options struct {
	Shape     nn.Shape
	BatchSize int
	Shuffle   bool
	// Augment is nil for subsets that only rescale.
	Augment *Augmentation
	Seed    int64
}

type Batch struct {
	Inputs []*nn.Tensor
	Labels [][]float32
}

// Generator feeds one subset in batches. Every call to Epoch starts a new
// finite pass, so a generator can be iterated any number of times.
type Generator struct {
	samples []Sample
	classes int
	opts    Options
}

func NewGenerator(samples []Sample, classes int, opts Options) (*Generator, error) {
	if len(samples) == 0 {
		return nil, ErrEmptySubset
	}
	if opts.BatchSize <= 0 {
		return nil, fmt.Errorf("batch size must be positive, got %d", opts.BatchSize)
	}
	if len(opts.Shape) != 3 {
		return nil, fmt.Errorf("%w: image shape must be (height, width, channels), got %s", nn.ErrShapeMismatch, opts.Shape)
	}
	for _, s := range samples {
		if s.Class < 0 || s.Class >= classes {
			return nil, fmt.Errorf("sample %s has class %d, generator expects %d classes", s.Path, s.Class, classes)
		}
	}
	return &Generator{samples: append([]Sample(nil), samples...), classes: classes, opts: opts}, nil
}

func (g *Generator) Samples() int {
	return len(g.samples)
}

func (g *Generator) BatchSize() int {
	return g.opts.BatchSize
}

// StepsPerEpoch is the number of full batches in one pass.
func (g *Generator) StepsPerEpoch() int {
	return len(g.samples) / g.opts.BatchSize
}

// Batches counts every batch of a pass, including a trailing partial one.
func (g *Generator) Batches() int {
	return (len(g.samples) + g.opts.BatchSize - 1) / g.opts.BatchSize
}

// Epoch returns an iterator over one pass. Shuffling and augmentation are
// seeded from the generator seed and the epoch, so passes are reproducible.
func (g *Generator) Epoch(epoch int) *Iterator {
	rng := rand.New(rand.NewSource(g.opts.Seed + int64(epoch)))
	order := make([]int, len(g.samples))
	for i := range order {
		order[i] = i
	}
	if g.opts.Shuffle {
		rng.Shuffle(len(order), func(i, j int) { order[i], order[j] = order[j], order[i] })
	}
	return &Iterator{g: g, order: order, rng: rng}
}

type Iterator struct {
	g     *Generator
	order []int
	pos   int
	rng   *rand.Rand
}

// Next loads the next batch. It reports false once the pass is exhausted.
func (it *Iterator) Next() (Batch, bool, error) {
	if it.pos >= len(it.order) {
		return Batch{}, false, nil
	}
	end := it.pos + it.g.opts.BatchSize
	if end > len(it.order) {
		end = len(it.order)
	}
	shape := it.g.opts.Shape
	batch := Batch{
		Inputs: make([]*nn.Tensor, 0, end-it.pos),
		Labels: make([][]float32, 0, end-it.pos),
	}
	for _, idx := range it.order[it.pos:end] {
		s := it.g.samples[idx]
		img, err := Decode(s.Path)
		if err != nil {
			return Batch{}, false, err
		}
		rgba := Resize(img, shape[1], shape[0])
		if it.g.opts.Augment != nil {
			rgba = it.g.opts.Augment.Apply(rgba, it.rng)
		}
		x, err := ToTensor(rgba, shape[2])
		if err != nil {
			return Batch{}, false, err
		}
		label := make([]float32, it.g.classes)
		label[s.Class] = 1
		batch.Inputs = append(batch.Inputs, x)
		batch.Labels = append(batch.Labels, label)
	}
	it.pos = end
	return batch, true, nil
}
