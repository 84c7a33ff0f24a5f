// Package dataset enumerates a validated image corpus and streams
// deterministic, fixed-size batches of decoded images for one shard.
//
// The corpus layout is the one produced by the external download and
// validation tooling: a train/ tree of per-class folders and a flat val/
// folder. Enumeration order is stable (class directories sorted, then
// filenames sorted), so the global index of a sample never changes
// between runs. That stability is what makes shard membership and batch
// boundaries reproducible.
package dataset

import (
	"fmt"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
)

// Split selects which part of the corpus to enumerate.
type Split int

const (
	// Train enumerates the per-class train/ tree.
	Train Split = iota

	// Val enumerates the flat val/ folder.
	Val
)

func (s Split) String() string {
	switch s {
	case Train:
		return "train"
	case Val:
		return "val"
	default:
		return fmt.Sprintf("split(%d)", int(s))
	}
}

func (s Split) dir() string {
	if s == Val {
		return "val"
	}
	return "train"
}

// Sample identifies one image of the corpus.
//
// Index is the global enumeration index, ID the slash-separated path
// relative to the corpus root (stable across machines), and Label the
// class directory name (empty for the validation split).
type Sample struct {
	Index int
	ID    string
	Path  string
	Label string
}

// Corpus is the ordered, immutable enumeration of one split.
type Corpus struct {
	Root    string
	Split   Split
	Samples []Sample
}

// Len returns the number of enumerated samples.
func (c *Corpus) Len() int { return len(c.Samples) }

var imageExts = map[string]bool{
	".jpeg": true,
	".jpg":  true,
	".png":  true,
	".bmp":  true,
	".tiff": true,
	".webp": true,
}

func isImageFile(name string) bool {
	return imageExts[strings.ToLower(filepath.Ext(name))]
}

// Enumerate builds the corpus for one split of root.
//
// The directory structure is assumed to have passed external validation;
// Enumerate only requires the split directory to exist.
func Enumerate(root string, split Split) (*Corpus, error) {
	splitDir := filepath.Join(root, split.dir())

	entries, err := os.ReadDir(splitDir)
	if err != nil {
		return nil, fmt.Errorf("dataset: enumerate %s: %w", split, err)
	}

	c := &Corpus{Root: root, Split: split}

	switch split {
	case Val:
		names := make([]string, 0, len(entries))
		for _, e := range entries {
			if !e.IsDir() && isImageFile(e.Name()) {
				names = append(names, e.Name())
			}
		}
		sort.Strings(names)

		for _, name := range names {
			c.Samples = append(c.Samples, Sample{
				Index: len(c.Samples),
				ID:    path.Join(split.dir(), name),
				Path:  filepath.Join(splitDir, name),
			})
		}
	default:
		classes := make([]string, 0, len(entries))
		for _, e := range entries {
			if e.IsDir() {
				classes = append(classes, e.Name())
			}
		}
		sort.Strings(classes)

		for _, class := range classes {
			classDir := filepath.Join(splitDir, class)

			files, err := os.ReadDir(classDir)
			if err != nil {
				return nil, fmt.Errorf("dataset: enumerate class %s: %w", class, err)
			}

			names := make([]string, 0, len(files))
			for _, f := range files {
				if !f.IsDir() && isImageFile(f.Name()) {
					names = append(names, f.Name())
				}
			}
			sort.Strings(names)

			for _, name := range names {
				c.Samples = append(c.Samples, Sample{
					Index: len(c.Samples),
					ID:    path.Join(split.dir(), class, name),
					Path:  filepath.Join(classDir, name),
					Label: class,
				})
			}
		}
	}

	return c, nil
}
