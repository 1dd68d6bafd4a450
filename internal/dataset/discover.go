package dataset

import (
	"io/fs"
	"path/filepath"
	"regexp"
	"sort"

	"github.com/pkg/errors"
)

// DiscoverShards returns paths of record shards named <split>-NNNNNN.tar
// beneath root, sorted lexically.
func DiscoverShards(root, split string) ([]string, error) {
	pattern, err := regexp.Compile(`^` + regexp.QuoteMeta(split) + `-[0-9]{6,}\.tar$`)
	if err != nil {
		return nil, errors.Wrapf(err, "discover shards: split %q", split)
	}
	var entries []string
	err = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() && pattern.MatchString(d.Name()) {
			entries = append(entries, path)
		}
		return nil
	})
	if err != nil {
		return nil, errors.Wrap(err, "discover shards")
	}
	sort.Strings(entries)
	return entries, nil
}

// DiscoverByRoot scans each root independently for the same split.
func DiscoverByRoot(roots []string, split string) (map[string][]string, error) {
	result := make(map[string][]string, len(roots))
	for _, root := range roots {
		shards, err := DiscoverShards(root, split)
		if err != nil {
			return nil, err
		}
		result[root] = shards
	}
	return result, nil
}
