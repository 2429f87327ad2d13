package objectstore

import (
	"context"
	"errors"
	"testing"
)

func testStore(t *testing.T, s Store) {
	t.Helper()
	ctx := context.Background()

	if err := s.Put(ctx, "pipelines/prun_1/input.json", []byte(`{"x":1}`)); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := s.Put(ctx, "pipelines/prun_1/nested/more.json", []byte(`{}`)); err != nil {
		t.Fatalf("put nested: %v", err)
	}
	if err := s.Put(ctx, "runs/prun_1/output.json", []byte(`{}`)); err != nil {
		t.Fatalf("put other: %v", err)
	}

	data, err := s.Get(ctx, "pipelines/prun_1/input.json")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if string(data) != `{"x":1}` {
		t.Fatalf("round trip mismatch: %q", data)
	}

	keys, err := s.List(ctx, "pipelines/")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(keys) != 2 {
		t.Fatalf("expected 2 keys under pipelines/, got %v", keys)
	}

	if err := s.Delete(ctx, "pipelines/prun_1/input.json"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := s.Get(ctx, "pipelines/prun_1/input.json"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound after delete, got %v", err)
	}
	if err := s.Delete(ctx, "pipelines/prun_1/input.json"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("double delete must be ErrNotFound, got %v", err)
	}

	// Overwrite is allowed.
	if err := s.Put(ctx, "runs/prun_1/output.json", []byte(`{"v":2}`)); err != nil {
		t.Fatalf("overwrite: %v", err)
	}
	data, _ = s.Get(ctx, "runs/prun_1/output.json")
	if string(data) != `{"v":2}` {
		t.Fatalf("overwrite not visible: %q", data)
	}
}

func TestMemoryStore(t *testing.T) {
	testStore(t, NewMemoryStore())
}

func TestFilesystemStore(t *testing.T) {
	fs, err := NewFilesystemStore(t.TempDir())
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	testStore(t, fs)
}

func TestFilesystemStoreRejectsTraversal(t *testing.T) {
	fs, err := NewFilesystemStore(t.TempDir())
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if err := fs.Put(context.Background(), "../escape.txt", []byte("nope")); err == nil {
		t.Fatal("path traversal must be rejected")
	}
	if _, err := fs.Get(context.Background(), "/abs/path"); err == nil {
		t.Fatal("absolute paths must be rejected")
	}
}

func TestPathLayout(t *testing.T) {
	cases := map[string]string{
		PipelineInputPath("prun_1"):           "pipelines/prun_1/input.json",
		StandaloneInputPath("trun_1"):         "standalone/trun_1/input.json",
		RunOutputPath("prun_1", "trun_1"):     "runs/prun_1/outputs/trun_1.json",
		RunAssetPath("prun_1", "trun_1", "k"): "runs/prun_1/assets/trun_1/k",
		RunLogsPath("prun_1", "trun_1"):       "runs/prun_1/logs/trun_1.jsonl",
		PipelineOutputPath("prun_1"):          "runs/prun_1/output.json",
		TempUploadPath("tmp_1", "report.csv"): "temp-uploads/tmp_1/report.csv",
	}
	for got, want := range cases {
		if got != want {
			t.Errorf("path mismatch: got %q want %q", got, want)
		}
	}
}
