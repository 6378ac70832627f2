package dataset

import (
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"testing"
)

func writePNG(t *testing.T, path string, w, h int, c color.RGBA) {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, c)
		}
	}
	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	if err := png.Encode(f, img); err != nil {
		t.Fatal(err)
	}
}

func TestFolder(t *testing.T) {
	root := t.TempDir()
	images := filepath.Join(root, "images")
	labels := filepath.Join(root, "labels")
	os.MkdirAll(images, 0o755)
	os.MkdirAll(labels, 0o755)

	writePNG(t, filepath.Join(images, "a.png"), 20, 10, color.RGBA{R: 255, G: 128, B: 0, A: 255})
	writePNG(t, filepath.Join(images, "b.png"), 8, 8, color.RGBA{A: 255})
	os.WriteFile(filepath.Join(labels, "a.txt"), []byte("1 0.5 0.5 0.2 0.4\n\n0 0.1 0.1 0.05 0.05\n"), 0o644)

	ds, err := NewFolder(FolderConfig{Root: images, Size: 16, CacheSize: 1})
	if err != nil {
		t.Fatalf("NewFolder: %v", err)
	}
	if ds.Len() != 2 {
		t.Fatalf("expected 2 images, got %d", ds.Len())
	}

	img, lbl, err := ds.Get(0)
	if err != nil {
		t.Fatal(err)
	}
	if img.Shape[0] != 3 || img.Shape[1] != 16 || img.Shape[2] != 16 {
		t.Errorf("unexpected image shape %v", img.Shape)
	}
	px := img.Data.([]float32)
	if px[0] != 255 || px[256] != 128 || px[512] != 0 {
		t.Errorf("unexpected pixel values %v %v %v", px[0], px[256], px[512])
	}
	if lbl.Shape[0] != 2 || lbl.Data.([]float32)[0] != 1 {
		t.Errorf("unexpected labels %v", lbl.Data)
	}

	_, lbl, err = ds.Get(1)
	if err != nil {
		t.Fatal(err)
	}
	if lbl != nil {
		t.Errorf("image without label file should have no labels, got %v", lbl.Shape)
	}

	if got := ds.Classes(); len(got) != 2 || MaxClass(ds) != 1 {
		t.Errorf("unexpected classes %v", got)
	}

	ds.Get(0)
	ds.Get(0)
	if stats := ds.CacheStats(); stats.Size != 1 || stats.Hits != 1 {
		t.Errorf("unexpected cache stats %s", stats)
	}
}

func TestFolderRejectsBadLabels(t *testing.T) {
	root := t.TempDir()
	images := filepath.Join(root, "images")
	os.MkdirAll(images, 0o755)
	os.MkdirAll(filepath.Join(root, "labels"), 0o755)
	writePNG(t, filepath.Join(images, "a.png"), 4, 4, color.RGBA{A: 255})
	os.WriteFile(filepath.Join(root, "labels", "a.txt"), []byte("1 0.5 0.5\n"), 0o644)

	if _, err := NewFolder(FolderConfig{Root: images, Size: 8}); err == nil {
		t.Error("expected error for short label row")
	}
	if _, err := NewFolder(FolderConfig{Root: t.TempDir(), Size: 8}); err == nil {
		t.Error("expected error for empty folder")
	}
}

func TestLabelPath(t *testing.T) {
	tests := []struct{ in, want string }{
		{"/data/coco/images/000001.jpg", "/data/coco/labels/000001.txt"},
		{"/data/flat/000002.png", "/data/flat/000002.txt"},
	}
	for _, tt := range tests {
		if got := LabelPath(tt.in); got != tt.want {
			t.Errorf("LabelPath(%s) = %s, want %s", tt.in, got, tt.want)
		}
	}
}

func TestCacheManagerEviction(t *testing.T) {
	cm := NewCacheManager(2)
	cm.Put("a", []float32{1})
	cm.Put("b", []float32{2})
	cm.Get("a")
	cm.Put("c", []float32{3})

	if _, ok := cm.Get("b"); ok {
		t.Error("least recently used entry should be evicted")
	}
	if _, ok := cm.Get("a"); !ok {
		t.Error("recently used entry should survive")
	}
	stats := cm.Stats()
	if stats.Size != 2 || stats.Hits != 2 || stats.Misses != 1 {
		t.Errorf("unexpected stats %s", stats)
	}

	disabled := NewCacheManager(0)
	disabled.Put("a", []float32{1})
	if _, ok := disabled.Get("a"); ok {
		t.Error("zero-size cache should store nothing")
	}
}

func TestFolderSingleClass(t *testing.T) {
	root := t.TempDir()
	images := filepath.Join(root, "images")
	os.MkdirAll(images, 0o755)
	os.MkdirAll(filepath.Join(root, "labels"), 0o755)
	writePNG(t, filepath.Join(images, "a.png"), 4, 4, color.RGBA{A: 255})
	os.WriteFile(filepath.Join(root, "labels", "a.txt"), []byte("3 0.5 0.5 0.2 0.2\n7 0.2 0.2 0.1 0.1\n"), 0o644)

	ds, err := NewFolder(FolderConfig{Root: images, Size: 8, SingleClass: true})
	if err != nil {
		t.Fatal(err)
	}
	if MaxClass(ds) != 0 {
		t.Errorf("expected every class collapsed to 0, got %v", ds.Classes())
	}
	_, lbl, _ := ds.Get(0)
	rows := lbl.Data.([]float32)
	if rows[0] != 0 || rows[5] != 0 || rows[1] != 0.5 {
		t.Errorf("unexpected label rows %v", rows)
	}
}
