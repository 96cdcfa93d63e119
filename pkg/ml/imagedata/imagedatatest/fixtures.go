// Package imagedatatest writes small synthetic image datasets for tests.
package imagedatatest

import (
	"fmt"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

// WritePNG writes a solid image of the given size and color.
func WritePNG(t testing.TB, path string, width, height int, c color.Color) {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, width, height))
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			img.Set(x, y, c)
		}
	}
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()
	require.NoError(t, png.Encode(f, img))
}

// WriteDataset creates root/<class>/img_NNN.png for each class. "Normal"
// images are dark and every other class is bright, so a classifier can
// separate them.
func WriteDataset(t testing.TB, root string, perClass map[string]int, size int) {
	t.Helper()
	for class, n := range perClass {
		c := color.RGBA{R: 230, G: 230, B: 230, A: 255}
		if class == "Normal" {
			c = color.RGBA{R: 20, G: 20, B: 20, A: 255}
		}
		for i := 0; i < n; i++ {
			WritePNG(t, filepath.Join(root, class, fmt.Sprintf("img_%03d.png", i)), size, size, c)
		}
	}
}
