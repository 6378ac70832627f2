package training

import (
	"context"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"testing"

	"github.com/tsawler/yolo-train/config"
	"github.com/tsawler/yolo-train/runlog"
)

func writeYOLOFolder(t *testing.T, n int) string {
	t.Helper()
	root := t.TempDir()
	images := filepath.Join(root, "images")
	labels := filepath.Join(root, "labels")
	for _, dir := range []string{images, labels} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			t.Fatal(err)
		}
	}
	for i := 0; i < n; i++ {
		img := image.NewRGBA(image.Rect(0, 0, 48, 32))
		for y := 0; y < 32; y++ {
			for x := 0; x < 48; x++ {
				img.Set(x, y, color.RGBA{R: uint8(x * 5), G: uint8(y * 7), B: uint8(i * 40), A: 255})
			}
		}
		f, err := os.Create(filepath.Join(images, fmt.Sprintf("%03d.png", i)))
		if err != nil {
			t.Fatal(err)
		}
		if err := png.Encode(f, img); err != nil {
			t.Fatal(err)
		}
		f.Close()
		row := fmt.Sprintf("%d 0.5 0.5 0.3 0.4\n", i%2)
		if err := os.WriteFile(filepath.Join(labels, fmt.Sprintf("%03d.txt", i)), []byte(row), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	return images
}

func TestBuildFromImageFolder(t *testing.T) {
	ctx := context.Background()
	opts := testOptions(t)
	opts.Epochs = 1
	data := testData()
	data.Train = writeYOLOFolder(t, 8)

	run, err := Build(ctx, opts, config.DefaultHyp(), data, Deps{Logger: runlog.Discard()})
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if err := run.Loop.Run(ctx); err != nil {
		t.Fatalf("run: %v", err)
	}
	for _, name := range []string{"yolov7-tiny_1.ckpt", "EMA_yolov7-tiny_1.ckpt"} {
		if _, err := os.Stat(filepath.Join(run.WeightsDir, name)); err != nil {
			t.Errorf("expected %s: %v", name, err)
		}
	}
}

func TestBuildRejectsOutOfRangeFolderLabels(t *testing.T) {
	opts := testOptions(t)
	data := testData()
	data.Nc, data.Names = 1, []string{"cat"}
	data.Train = writeYOLOFolder(t, 2)

	_, err := Build(context.Background(), opts, config.DefaultHyp(), data, Deps{Logger: runlog.Discard()})
	if err == nil {
		t.Fatal("expected label class 1 to exceed nc=1")
	}
}

func TestBuildSingleClassFolder(t *testing.T) {
	ctx := context.Background()
	opts := testOptions(t)
	opts.Epochs = 1
	opts.SingleCls = true
	data := testData()
	data.Train = writeYOLOFolder(t, 8)

	run, err := Build(ctx, opts, config.DefaultHyp(), data, Deps{Logger: runlog.Discard()})
	if err != nil {
		t.Fatalf("single-class build over a two-class folder: %v", err)
	}
	if len(run.Names) != 1 {
		t.Errorf("expected one class name, got %v", run.Names)
	}
	if err := run.Loop.Run(ctx); err != nil {
		t.Fatalf("run: %v", err)
	}
}

func TestBuildKeepsLatestCheckpoints(t *testing.T) {
	ctx := context.Background()
	opts := testOptions(t)
	opts.MaxCheckpoints = 1

	run, err := Build(ctx, opts, config.DefaultHyp(), testData(), Deps{Logger: runlog.Discard()})
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if err := run.Loop.Run(ctx); err != nil {
		t.Fatalf("run: %v", err)
	}
	for _, name := range []string{"yolov7-tiny_1.ckpt", "EMA_yolov7-tiny_1.ckpt"} {
		if _, err := os.Stat(filepath.Join(run.WeightsDir, name)); !os.IsNotExist(err) {
			t.Errorf("expected %s to be removed, stat error %v", name, err)
		}
	}
	for _, name := range []string{"yolov7-tiny_2.ckpt", "EMA_yolov7-tiny_2.ckpt"} {
		if _, err := os.Stat(filepath.Join(run.WeightsDir, name)); err != nil {
			t.Errorf("expected %s: %v", name, err)
		}
	}
}
