package archive

import (
	"bytes"
	"io"
	"reflect"
	"testing"

	"github.com/klauspost/compress/zip"
)

func TestBundleDeduplicatesNames(t *testing.T) {
	data, err := Bundle([]File{
		{Name: "cat.webp", Data: []byte("one")},
		{Name: "cat.webp", Data: []byte("two")},
		{Name: "nested/dir/cat.webp", Data: []byte("three")},
		{Name: "notes.txt", Data: []byte("plain text")},
	})
	if err != nil {
		t.Fatalf("bundle returned error: %v", err)
	}

	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		t.Fatalf("open bundle: %v", err)
	}

	got := map[string]string{}
	for _, f := range zr.File {
		rc, err := f.Open()
		if err != nil {
			t.Fatalf("open %s: %v", f.Name, err)
		}
		body, err := io.ReadAll(rc)
		rc.Close()
		if err != nil {
			t.Fatalf("read %s: %v", f.Name, err)
		}
		got[f.Name] = string(body)
	}

	want := map[string]string{
		"cat.webp":   "one",
		"cat-1.webp": "two",
		"cat-2.webp": "three",
		"notes.txt":  "plain text",
	}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("expected entries %v, got %v", want, got)
	}
}

func TestBundleRejectsEmpty(t *testing.T) {
	if _, err := Bundle(nil); err == nil {
		t.Fatal("expected error for an empty bundle")
	}
}

func TestMethodFor(t *testing.T) {
	if got := methodFor("a.WEBP"); got != zip.Store {
		t.Fatalf("expected webp to be stored, got method %d", got)
	}
	if got := methodFor("a.bmp"); got != zip.Deflate {
		t.Fatalf("expected bmp to be deflated, got method %d", got)
	}
}
