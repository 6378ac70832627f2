package dataset

import (
	"bufio"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/pkg/errors"

	"github.com/tsawler/yolo-train/tensor"
)

// FolderConfig configures a detection dataset read from disk
type FolderConfig struct {
	// Root is the images directory; labels live in the sibling "labels"
	// directory with one .txt per image.
	Root       string
	Size       int // images are stretched to Size x Size
	Extensions []string
	CacheSize  int // decoded images kept in memory, 0 disables the cache
	// SingleClass maps every label to class 0
	SingleClass bool
}

// Folder reads images and YOLO-format label files: one
// "class cx cy w h" row per object, coordinates normalized to [0,1].
type Folder struct {
	config     FolderConfig
	imagePaths []string
	labels     [][]float32
	cache      *CacheManager
}

// NewFolder scans config.Root and parses every label file up front
func NewFolder(config FolderConfig) (*Folder, error) {
	if config.Size <= 0 {
		return nil, errors.Errorf("image size must be positive: %d", config.Size)
	}
	if len(config.Extensions) == 0 {
		config.Extensions = []string{".jpg", ".jpeg", ".png"}
	}

	var paths []string
	for _, ext := range config.Extensions {
		files, err := filepath.Glob(filepath.Join(config.Root, "*"+ext))
		if err != nil {
			return nil, errors.Wrapf(err, "failed to list %s", config.Root)
		}
		paths = append(paths, files...)
	}
	if len(paths) == 0 {
		return nil, errors.Errorf("no images found in %s", config.Root)
	}
	sort.Strings(paths)

	f := &Folder{config: config, imagePaths: paths, cache: NewCacheManager(config.CacheSize)}
	for _, p := range paths {
		rows, err := readLabels(LabelPath(p))
		if err != nil {
			return nil, err
		}
		if config.SingleClass {
			for k := 0; k < len(rows); k += 5 {
				rows[k] = 0
			}
		}
		f.labels = append(f.labels, rows)
	}
	return f, nil
}

// LabelPath maps ".../images/x.jpg" to ".../labels/x.txt"
func LabelPath(imagePath string) string {
	dir, file := filepath.Split(imagePath)
	dir = filepath.Clean(dir)
	if filepath.Base(dir) == "images" {
		dir = filepath.Join(filepath.Dir(dir), "labels")
	}
	return filepath.Join(dir, strings.TrimSuffix(file, filepath.Ext(file))+".txt")
}

// readLabels parses a label file; a missing file means no objects
func readLabels(path string) ([]float32, error) {
	file, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil, nil
	} else if err != nil {
		return nil, errors.Wrap(err, "failed to open labels")
	}
	defer file.Close()

	var rows []float32
	scanner := bufio.NewScanner(file)
	for line := 1; scanner.Scan(); line++ {
		fields := strings.Fields(scanner.Text())
		if len(fields) == 0 {
			continue
		}
		if len(fields) != 5 {
			return nil, errors.Errorf("%s:%d: expected 5 columns, got %d", path, line, len(fields))
		}
		for _, field := range fields {
			v, err := strconv.ParseFloat(field, 32)
			if err != nil {
				return nil, errors.Wrapf(err, "%s:%d", path, line)
			}
			rows = append(rows, float32(v))
		}
	}
	return rows, errors.Wrapf(scanner.Err(), "failed to read %s", path)
}

func (f *Folder) Len() int { return len(f.imagePaths) }

// Get decodes image idx, stretched to the configured size. Images without
// objects return nil labels.
func (f *Folder) Get(idx int) (*tensor.Tensor, *tensor.Tensor, error) {
	if idx < 0 || idx >= len(f.imagePaths) {
		return nil, nil, errors.Errorf("index %d out of range [0,%d)", idx, len(f.imagePaths))
	}
	path := f.imagePaths[idx]
	pixels, ok := f.cache.Get(path)
	if !ok {
		var err error
		if pixels, err = decodeImage(path, f.config.Size); err != nil {
			return nil, nil, err
		}
		f.cache.Put(path, pixels)
	}

	size := f.config.Size
	img, err := tensor.NewTensor([]int{3, size, size}, tensor.Float32, append([]float32(nil), pixels...))
	if err != nil {
		return nil, nil, err
	}
	rows := f.labels[idx]
	if len(rows) == 0 {
		return img, nil, nil
	}
	labels, err := tensor.NewTensor([]int{len(rows) / 5, 5}, tensor.Float32, append([]float32(nil), rows...))
	if err != nil {
		return nil, nil, err
	}
	return img, labels, nil
}

func (f *Folder) Classes() []int {
	var out []int
	for _, rows := range f.labels {
		for k := 0; k+5 <= len(rows); k += 5 {
			out = append(out, int(rows[k]))
		}
	}
	return out
}

// CacheStats reports the decoded image cache
func (f *Folder) CacheStats() CacheStats { return f.cache.Stats() }

// decodeImage returns CHW RGB pixels in [0,255], nearest-neighbour stretched
func decodeImage(path string, size int) ([]float32, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open image")
	}
	defer file.Close()

	img, _, err := image.Decode(file)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to decode %s", path)
	}

	bounds := img.Bounds()
	scaleX := float64(bounds.Dx()) / float64(size)
	scaleY := float64(bounds.Dy()) / float64(size)
	plane := size * size
	data := make([]float32, 3*plane)
	for y := 0; y < size; y++ {
		srcY := min(int(float64(y)*scaleY), bounds.Dy()-1) + bounds.Min.Y
		for x := 0; x < size; x++ {
			srcX := min(int(float64(x)*scaleX), bounds.Dx()-1) + bounds.Min.X
			r, g, b, _ := img.At(srcX, srcY).RGBA()
			idx := y*size + x
			data[idx] = float32(r >> 8)
			data[plane+idx] = float32(g >> 8)
			data[2*plane+idx] = float32(b >> 8)
		}
	}
	return data, nil
}
