package serving

import (
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/synaptica-ai/ctscan/pkg/artifacts"
)

var ErrInvalidImagePayload = errors.New("invalid base64 image payload")

// DecodeImage writes a base64 image, optionally a data URL, to path.
func DecodeImage(payload, path string) error {
	if i := strings.Index(payload, ";base64,"); i >= 0 && strings.HasPrefix(payload, "data:") {
		payload = payload[i+len(";base64,"):]
	}
	payload = strings.TrimSpace(payload)
	if payload == "" {
		return fmt.Errorf("%w: empty", ErrInvalidImagePayload)
	}
	data, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		if data, err = base64.RawStdEncoding.DecodeString(payload); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidImagePayload, err)
		}
	}
	return artifacts.WriteAtomic(path, func(w io.Writer) error {
		_, err := w.Write(data)
		return err
	})
}

// EncodeImageFile returns the base64 encoding of the file at path.
func EncodeImageFile(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(data), nil
}
