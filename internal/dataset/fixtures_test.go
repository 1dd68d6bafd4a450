package dataset

import (
	"archive/tar"
	"bytes"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"testing"
)

type record struct {
	ids   []int
	label float64
}

func encodeInts(values []int) []byte {
	parts := make([]string, len(values))
	for i, v := range values {
		parts[i] = strconv.Itoa(v)
	}
	return []byte(strings.Join(parts, " "))
}

// writeRecordShard writes a tar shard holding one sample per key with
// all mask and segment entries set to zero.
func writeRecordShard(t *testing.T, path string, records map[string]record) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	keys := make([]string, 0, len(records))
	for key := range records {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	buf := &bytes.Buffer{}
	tw := tar.NewWriter(buf)
	for _, key := range keys {
		rec := records[key]
		zeros := make([]int, len(rec.ids))
		addTarPayload(t, tw, key+".input_ids", encodeInts(rec.ids))
		addTarPayload(t, tw, key+".input_mask", encodeInts(zeros))
		addTarPayload(t, tw, key+".segment_ids", encodeInts(zeros))
		addTarPayload(t, tw, key+".label", []byte(strconv.FormatFloat(rec.label, 'g', -1, 64)))
	}
	if err := tw.Close(); err != nil {
		t.Fatalf("close tar: %v", err)
	}
	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		t.Fatalf("write shard: %v", err)
	}
}

func addTarPayload(t *testing.T, tw *tar.Writer, name string, data []byte) {
	t.Helper()
	hdr := &tar.Header{Name: name, Size: int64(len(data)), Mode: 0o644}
	if err := tw.WriteHeader(hdr); err != nil {
		t.Fatalf("write header: %v", err)
	}
	if _, err := tw.Write(data); err != nil {
		t.Fatalf("write data: %v", err)
	}
}

func mustWrite(t *testing.T, path string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(path, []byte(""), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}
