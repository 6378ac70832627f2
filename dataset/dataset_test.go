package dataset

import (
	"testing"
)

func newSynthetic(t *testing.T, images int) *Synthetic {
	t.Helper()
	ds, err := NewSynthetic(SyntheticConfig{Images: images, Size: 32, NumClasses: 3, MaxObjects: 4, Seed: 2})
	if err != nil {
		t.Fatalf("synthetic: %v", err)
	}
	return ds
}

func TestSyntheticDeterministic(t *testing.T) {
	ds := newSynthetic(t, 5)
	a, la, err := ds.Get(3)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	b, lb, _ := ds.Get(3)
	if ok, _ := a.Equal(b); !ok {
		t.Error("same index must render the same image")
	}
	if ok, _ := la.Equal(lb); !ok {
		t.Error("same index must return the same labels")
	}
	if a.Shape[0] != 3 || a.Shape[1] != 32 || la.Shape[1] != 5 {
		t.Errorf("unexpected shapes %v and %v", a.Shape, la.Shape)
	}
	for _, v := range a.Data.([]float32) {
		if v < 0 || v > 255 {
			t.Fatalf("pixel %f out of range", v)
		}
	}
	if _, _, err := ds.Get(5); err == nil {
		t.Error("expected out of range error")
	}

	if m := MaxClass(ds); m < 0 || m > 2 {
		t.Errorf("max class %d outside [0,2]", m)
	}
	total := 0
	for _, c := range ClassCounts(ds, 3) {
		total += c
	}
	if total != len(ds.Classes()) {
		t.Errorf("class counts sum to %d, expected %d", total, len(ds.Classes()))
	}
}

func TestLoaderShardsAndPads(t *testing.T) {
	ds := newSynthetic(t, 10)
	tests := []struct {
		rank, rankSize, batch int
		wantBatches          int
	}{
		{0, 1, 4, 2},
		{0, 2, 2, 2},
		{1, 2, 2, 2},
		{2, 3, 3, 1},
	}
	for _, tt := range tests {
		dl, err := NewLoader(ds, LoaderConfig{BatchSize: tt.batch, Rank: tt.rank, RankSize: tt.rankSize, MaxLabels: 6})
		if err != nil {
			t.Fatalf("rank %d/%d: %v", tt.rank, tt.rankSize, err)
		}
		if dl.Len() != tt.wantBatches {
			t.Errorf("rank %d/%d: expected %d batches, got %d", tt.rank, tt.rankSize, tt.wantBatches, dl.Len())
		}
		count := 0
		for {
			batch, err := dl.Next()
			if err != nil {
				t.Fatalf("next: %v", err)
			}
			if batch == nil {
				break
			}
			count++
			if batch.Images.Shape[0] != tt.batch || batch.Labels.Shape[1] != 6 {
				t.Errorf("unexpected batch shapes %v %v", batch.Images.Shape, batch.Labels.Shape)
			}
		}
		if count != tt.wantBatches {
			t.Errorf("rank %d/%d: iterated %d batches, expected %d", tt.rank, tt.rankSize, count, tt.wantBatches)
		}
	}

	dl, _ := NewLoader(ds, LoaderConfig{BatchSize: 1, MaxLabels: 6})
	batch, _ := dl.Next()
	_, labels, _ := ds.Get(0)
	rows := batch.Labels.Data.([]float32)
	n := labels.Shape[0]
	if rows[0] != labels.Data.([]float32)[0] {
		t.Errorf("first label row not copied")
	}
	if n < 6 && rows[n*5] != -1 {
		t.Errorf("expected padding row after %d labels, got class %f", n, rows[n*5])
	}

	if _, err := NewLoader(ds, LoaderConfig{BatchSize: 11}); err == nil {
		t.Error("expected error when shard cannot fill a batch")
	}
}

func TestLoaderShuffleIsSeeded(t *testing.T) {
	ds := newSynthetic(t, 8)
	order := func() []float32 {
		dl, _ := NewLoader(ds, LoaderConfig{BatchSize: 8, Shuffle: true, Seed: 9, MaxLabels: 4})
		batch, _ := dl.Next()
		return batch.Labels.Data.([]float32)
	}
	a, b := order(), order()
	for i := range a {
		if a[i] != b[i] {
			t.Fatal("shuffle with the same seed must be reproducible")
		}
	}
}
