package archive

import (
	"archive/zip"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
)

// WriteZip deflates the whole tree into w.
func (t *Tree) WriteZip(w io.Writer) error {
	zw := zip.NewWriter(w)
	if err := compressNode(zw, t.Root, ""); err != nil {
		zw.Close()
		return err
	}
	if err := zw.Close(); err != nil {
		return fmt.Errorf("failed to close zip writer: %w", err)
	}
	return nil
}

// ZipFile writes a zip at dst holding src under the entry name. An empty
// name keeps the source file name.
func ZipFile(src, dst, name string) error {
	if name == "" {
		name = filepath.Base(src)
	}
	out, err := os.Create(dst)
	if err != nil {
		return fmt.Errorf("failed to create archive %s: %w", dst, err)
	}

	tree := &Tree{Root: &File{path: src, name: name}}
	if err := tree.WriteZip(out); err != nil {
		out.Close()
		os.Remove(dst)
		return err
	}
	if err := out.Close(); err != nil {
		os.Remove(dst)
		return fmt.Errorf("failed to close archive: %w", err)
	}
	return nil
}

func compressNode(zw *zip.Writer, node Node, basePath string) error {
	// zip entry names always use forward slashes
	archivePath := path.Join(basePath, node.Name())

	switch n := node.(type) {
	case *File:
		return addFileToZip(zw, n.Path(), archivePath)
	case *Dir:
		for _, child := range n.Children() {
			if err := compressNode(zw, child, archivePath); err != nil {
				return err
			}
		}
	}
	return nil
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
