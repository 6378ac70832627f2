package config

import (
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// SyntheticSplit names the built-in generated dataset in place of a split path
const SyntheticSplit = "synthetic"

// Data is the dataset descriptor
type Data struct {
	Nc    int      `yaml:"nc"`
	Names []string `yaml:"names"`
	Train string   `yaml:"train"`
	Val   string   `yaml:"val"`
	Test  string   `yaml:"test"`
}

// LoadData reads a dataset descriptor
func LoadData(path string) (*Data, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read dataset descriptor")
	}
	var d Data
	if err := yaml.Unmarshal(b, &d); err != nil {
		return nil, errors.Wrapf(err, "failed to parse dataset descriptor %s", path)
	}
	return &d, nil
}

// Classes resolves the class count and names. Single-class mode collapses
// every label into one class named "item" unless the file already has one name.
func (d *Data) Classes(singleCls bool) (int, []string, error) {
	nc := d.Nc
	names := d.Names
	if singleCls {
		nc = 1
		if len(names) != 1 {
			names = []string{"item"}
		}
	}
	if nc <= 0 {
		return 0, nil, Invalidf("dataset must declare a positive class count, got nc=%d", nc)
	}
	if len(names) != nc {
		return 0, nil, Invalidf("%d names found for nc=%d dataset", len(names), nc)
	}
	return nc, names, nil
}

// Rebase resolves the split paths against root, used after pulling the data dir
func (d *Data) Rebase(root string) {
	for _, p := range []*string{&d.Train, &d.Val, &d.Test} {
		if *p != "" && *p != SyntheticSplit && !filepath.IsAbs(*p) {
			*p = filepath.Join(root, *p)
		}
	}
}

// CheckLabels rejects label classes outside [0, nc)
func CheckLabels(maxClass, nc int) error {
	if maxClass >= nc {
		return Invalidf("label class %d exceeds nc=%d, possible class labels are 0-%d", maxClass, nc, nc-1)
	}
	return nil
}
