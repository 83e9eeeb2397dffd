package client

import (
	"archive/zip"
	"bytes"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"time"
)

type entry struct {
	src  string
	name string
	size int64
}

// Bundle is the set of files packed into one shared ZIP. A single source
// keeps its own name at the root of the archive; several sources are nested
// under a generated folder.
type Bundle struct {
	Name    string
	entries []entry
}

func Pack(sources []Source, now time.Time) (*Bundle, error) {
	if len(sources) == 0 {
		return nil, fmt.Errorf("no sources to pack")
	}

	root := ""
	name := filepath.Base(sources[0].Path)
	if len(sources) > 1 {
		root = "share_" + now.Format("2006_01_02_150405")
		name = root
	}

	b := &Bundle{Name: name + ".zip"}
	seen := make(map[string]string)

	add := func(src, archivePath string, size int64) error {
		if prev, ok := seen[archivePath]; ok {
			return &ValidationError{Arg: src, Cause: fmt.Sprintf("clashes with %s inside the bundle", prev)}
		}
		seen[archivePath] = src
		b.entries = append(b.entries, entry{src: src, name: archivePath, size: size})
		return nil
	}

	for _, s := range sources {
		base := path.Join(root, filepath.Base(s.Path))

		if s.Kind == SourceFile {
			info, err := os.Stat(s.Path)
			if err != nil {
				return nil, err
			}
			if err := add(s.Path, base, info.Size()); err != nil {
				return nil, err
			}
			continue
		}

		err := filepath.WalkDir(s.Path, func(p string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			// Symlinks and devices are left out.
			if !d.Type().IsRegular() {
				return nil
			}
			rel, err := filepath.Rel(s.Path, p)
			if err != nil {
				return err
			}
			info, err := d.Info()
			if err != nil {
				return err
			}
			return add(p, path.Join(base, filepath.ToSlash(rel)), info.Size())
		})
		if err != nil {
			return nil, err
		}
	}

	if len(b.entries) == 0 {
		return nil, &ValidationError{Arg: sources[0].Path, Cause: "contains no files"}
	}
	return b, nil
}

// Entries lists the archive paths in the order they are written.
func (b *Bundle) Entries() []string {
	out := make([]string, len(b.entries))
	for i, e := range b.entries {
		out[i] = e.name
	}
	return out
}

// Size is the total uncompressed size of the bundled files.
func (b *Bundle) Size() int64 {
	var total int64
	for _, e := range b.entries {
		total += e.size
	}
	return total
}

// Zip compresses the bundle in memory.
func (b *Bundle) Zip() ([]byte, error) {
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)

	for _, e := range b.entries {
		if err := addFileToZip(zw, e.src, e.name); err != nil {
			zw.Close()
			return nil, err
		}
	}

	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("failed to close zip writer: %w", err)
	}
	return buf.Bytes(), nil
}

func addFileToZip(zw *zip.Writer, srcPath, archivePath string) error {
	file, err := os.Open(srcPath)
	if err != nil {
		return fmt.Errorf("failed to open file %s: %w", srcPath, err)
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return fmt.Errorf("failed to stat file: %w", err)
	}

	header, err := zip.FileInfoHeader(info)
	if err != nil {
		return fmt.Errorf("failed to create zip header: %w", err)
	}
	header.Name = archivePath
	header.Method = zip.Deflate

	writer, err := zw.CreateHeader(header)
	if err != nil {
		return fmt.Errorf("failed to create zip entry: %w", err)
	}

	if _, err := io.Copy(writer, file); err != nil {
		return fmt.Errorf("failed to write file to zip: %w", err)
	}
	return nil
}
