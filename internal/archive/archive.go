// Package archive bundles converted images into a single ZIP download.
package archive

import (
	"bytes"
	"errors"
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/klauspost/compress/zip"
)

type File struct {
	Name string
	Data []byte
}

// Bundle writes files into a ZIP archive. Repeated names get -1, -2, ...
// suffixes before the extension. Formats that are already compressed are
// stored rather than deflated.
func Bundle(files []File) ([]byte, error) {
	if len(files) == 0 {
		return nil, errors.New("archive requires at least one file")
	}

	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	names := newNameSet()
	modified := time.Now().UTC()

	for _, f := range files {
		header := &zip.FileHeader{
			Name:     names.unique(cleanName(f.Name)),
			Method:   methodFor(f.Name),
			Modified: modified,
		}
		w, err := zw.CreateHeader(header)
		if err != nil {
			return nil, fmt.Errorf("create archive entry %s: %w", header.Name, err)
		}
		if _, err := w.Write(f.Data); err != nil {
			return nil, fmt.Errorf("write archive entry %s: %w", header.Name, err)
		}
	}

	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("close archive: %w", err)
	}
	return buf.Bytes(), nil
}

func methodFor(name string) uint16 {
	switch strings.ToLower(path.Ext(name)) {
	case ".webp", ".jpg", ".jpeg", ".png", ".gif":
		return zip.Store
	default:
		return zip.Deflate
	}
}

func cleanName(name string) string {
	name = path.Base(strings.ReplaceAll(strings.TrimSpace(name), "\\", "/"))
	if name == "" || name == "." || name == "/" {
		return "image"
	}
	return name
}

type nameSet map[string]int

func newNameSet() nameSet {
	return make(nameSet)
}

func (s nameSet) unique(name string) string {
	n, seen := s[name]
	s[name] = n + 1
	if !seen {
		return name
	}
	ext := path.Ext(name)
	base := strings.TrimSuffix(name, ext)
	for {
		candidate := fmt.Sprintf("%s-%d%s", base, n, ext)
		if _, taken := s[candidate]; !taken {
			s[candidate] = 1
			return candidate
		}
		n++
		s[name] = n + 1
	}
}
