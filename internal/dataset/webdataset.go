package dataset

import (
	"archive/tar"
	"bufio"
	"context"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// Sample is one tokenized example assembled from the members of a record
// shard that share a key.
type Sample struct {
	Key        string
	InputIDs   []float64
	InputMask  []float64
	SegmentIDs []float64
	Label      float64
}

// ErrPendingOverflow indicates the pairing map exceeded the configured bound.
var ErrPendingOverflow = errors.New("webdataset: pending record buffer exceeded")

const defaultPendingCap = 1024

// StreamShard streams complete samples from the record shard at path.
func StreamShard(ctx context.Context, path string, pendingCap int) (<-chan Sample, <-chan error) {
	if pendingCap <= 0 {
		pendingCap = defaultPendingCap
	}
	out := make(chan Sample)
	errCh := make(chan error, 1)

	go func() {
		defer close(out)
		defer close(errCh)

		f, err := os.Open(path)
		if err != nil {
			errCh <- errors.Wrap(err, "open shard")
			return
		}
		defer f.Close()

		tr := tar.NewReader(bufio.NewReader(f))
		pending := make(map[string]*partial)

		for {
			select {
			case <-ctx.Done():
				errCh <- ctx.Err()
				return
			default:
			}

			hdr, err := tr.Next()
			if errors.Is(err, io.EOF) {
				break
			}
			if err != nil {
				errCh <- errors.Wrap(err, "read tar")
				return
			}
			if hdr.FileInfo().IsDir() {
				continue
			}
			name := filepath.Base(hdr.Name)
			ext := filepath.Ext(name)
			key := strings.TrimSuffix(name, ext)

			var field *[]float64
			part := pending[key]
			if part == nil {
				part = &partial{}
			}
			switch ext {
			case ".input_ids":
				field = &part.inputIDs
			case ".input_mask":
				field = &part.inputMask
			case ".segment_ids":
				field = &part.segmentIDs
			case ".label":
				field = &part.label
			default:
				continue
			}
			payload, err := io.ReadAll(tr)
			if err != nil {
				errCh <- errors.Wrapf(err, "read %s", name)
				return
			}
			values, err := parseNumbers(payload)
			if err != nil {
				errCh <- errors.Wrapf(err, "parse %s", name)
				return
			}
			*field = values
			pending[key] = part

			if len(pending) > pendingCap {
				errCh <- ErrPendingOverflow
				return
			}

			if part.ready() {
				sample, err := part.sample(key)
				if err != nil {
					errCh <- err
					return
				}
				delete(pending, key)
				select {
				case <-ctx.Done():
					errCh <- ctx.Err()
					return
				case out <- sample:
				}
			}
		}

		if len(pending) > 0 {
			errCh <- errors.Errorf("%d samples incomplete in %s", len(pending), path)
		}
	}()

	return out, errCh
}

type partial struct {
	inputIDs   []float64
	inputMask  []float64
	segmentIDs []float64
	label      []float64
}

func (p *partial) ready() bool {
	return p.inputIDs != nil && p.inputMask != nil && p.segmentIDs != nil && p.label != nil
}

func (p *partial) sample(key string) (Sample, error) {
	if len(p.inputMask) != len(p.inputIDs) || len(p.segmentIDs) != len(p.inputIDs) {
		return Sample{}, errors.Errorf("sample %s: feature lengths differ (ids=%d mask=%d seg=%d)",
			key, len(p.inputIDs), len(p.inputMask), len(p.segmentIDs))
	}
	if len(p.label) != 1 {
		return Sample{}, errors.Errorf("sample %s: want one label, got %d", key, len(p.label))
	}
	return Sample{
		Key:        key,
		InputIDs:   p.inputIDs,
		InputMask:  p.inputMask,
		SegmentIDs: p.segmentIDs,
		Label:      p.label[0],
	}, nil
}

func parseNumbers(payload []byte) ([]float64, error) {
	fields := strings.Fields(string(payload))
	out := make([]float64, len(fields))
	for i, field := range fields {
		v, err := strconv.ParseFloat(field, 64)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}
