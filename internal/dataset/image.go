package dataset

import (
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/mining-wb/MM-TrustBench/pkg/types"
)

// ErrNoImage is returned when an item carries neither local_path nor image.
var ErrNoImage = errors.New("item has no image reference")

// ResolveImage returns the file to read for item: local_path when set,
// otherwise image joined onto imageDir.
func ResolveImage(item types.QuestionItem, imageDir string) (string, error) {
	if p := strings.TrimSpace(item.LocalPath); p != "" {
		return p, nil
	}
	name := strings.TrimSpace(item.Image)
	if name == "" {
		return "", ErrNoImage
	}
	if filepath.IsAbs(name) || imageDir == "" {
		return name, nil
	}
	return filepath.Join(imageDir, name), nil
}

// LoadImage reads an image file. The media type follows the extension:
// image/png for .png and image/jpeg for everything else.
func LoadImage(path string) (types.Image, error) {
	info, err := os.Stat(path)
	if err != nil {
		return types.Image{}, fmt.Errorf("stat image %s: %w", path, err)
	}
	if info.IsDir() {
		return types.Image{}, fmt.Errorf("image %s is a directory", path)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return types.Image{}, fmt.Errorf("read image %s: %w", path, err)
	}
	return types.Image{
		Name:      filepath.Base(path),
		MediaType: MediaTypeForPath(path),
		Data:      data,
	}, nil
}

// MediaTypeForPath maps a file name to the media type sent to the model.
func MediaTypeForPath(path string) string {
	if strings.EqualFold(filepath.Ext(path), ".png") {
		return "image/png"
	}
	return "image/jpeg"
}

// ImageFromBytes wraps inline bytes, sniffing the media type. Anything that
// does not sniff as an image is sent as image/jpeg.
func ImageFromBytes(name string, data []byte) types.Image {
	mediaType := http.DetectContentType(data)
	if !strings.HasPrefix(mediaType, "image/") {
		mediaType = "image/jpeg"
	}
	return types.Image{Name: name, MediaType: mediaType, Data: data}
}
