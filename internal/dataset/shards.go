package dataset

import (
	"archive/tar"
	"bufio"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
)

var shardRegexp = regexp.MustCompile(`^shard-[0-9]{4,}\.tar$`)

// DiscoverShards returns the sorted paths of shard TAR files beneath root.
func DiscoverShards(root string) ([]string, error) {
	var entries []string
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() && shardRegexp.MatchString(d.Name()) {
			entries = append(entries, path)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("discover shards: %w", err)
	}
	sort.Strings(entries)
	return entries, nil
}

// rawSample pairs undecoded image bytes with an integer class label.
type rawSample struct {
	key   string
	image []byte
	label int
}

type partial struct {
	image []byte
	label *int
}

// ReadShard reads every paired sample from the shard at path. Records pair
// an image member (.jpg/.jpeg/.png) with a .cls member sharing its basename.
func ReadShard(path string) ([]rawSample, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open shard: %w", err)
	}
	defer f.Close()

	tr := tar.NewReader(bufio.NewReader(f))
	pending := make(map[string]*partial)
	var order []string
	var samples []rawSample

	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read tar %s: %w", path, err)
		}
		if hdr.FileInfo().IsDir() {
			continue
		}
		name := filepath.Base(hdr.Name)
		ext := strings.ToLower(filepath.Ext(name))
		key := strings.TrimSuffix(name, ext)

		part := pending[key]
		if part == nil {
			part = &partial{}
			pending[key] = part
			order = append(order, key)
		}

		switch ext {
		case ".jpg", ".jpeg", ".png":
			data, err := io.ReadAll(tr)
			if err != nil {
				return nil, fmt.Errorf("read image %s: %w", name, err)
			}
			part.image = data
		case ".cls":
			payload, err := io.ReadAll(tr)
			if err != nil {
				return nil, fmt.Errorf("read label %s: %w", name, err)
			}
			label, err := strconv.Atoi(strings.TrimSpace(string(payload)))
			if err != nil {
				return nil, fmt.Errorf("parse label %s: %w", name, err)
			}
			part.label = &label
		}
	}

	incomplete := 0
	for _, key := range order {
		part := pending[key]
		if len(part.image) == 0 || part.label == nil {
			incomplete++
			continue
		}
		samples = append(samples, rawSample{key: key, image: part.image, label: *part.label})
	}
	if incomplete > 0 {
		return nil, fmt.Errorf("shard %s: %d samples incomplete", path, incomplete)
	}
	return samples, nil
}
