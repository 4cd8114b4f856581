package archive

import (
	"archive/zip"
	"bytes"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

// helpers

func setupTestFile(t *testing.T, name string, content string) string {
	t.Helper()
	filePath := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(filePath, []byte(content), 0644); err != nil {
		t.Fatalf("failed to create test file: %v", err)
	}
	return filePath
}

func createStructure(t *testing.T, basePath string, structure map[string]interface{}) {
	t.Helper()
	for name, content := range structure {
		p := filepath.Join(basePath, name)

		switch v := content.(type) {
		case string:
			if err := os.WriteFile(p, []byte(v), 0644); err != nil {
				t.Fatalf("failed to create file %s: %v", p, err)
			}
		case map[string]interface{}:
			if err := os.Mkdir(p, 0755); err != nil {
				t.Fatalf("failed to create directory %s: %v", p, err)
			}
			createStructure(t, p, v)
		default:
			t.Fatalf("unsupported structure type for %s", name)
		}
	}
}

func verifyZipContents(t *testing.T, zipBytes []byte, expectedFiles map[string]string) {
	t.Helper()

	reader, err := zip.NewReader(bytes.NewReader(zipBytes), int64(len(zipBytes)))
	if err != nil {
		t.Fatalf("failed to create zip reader: %v", err)
	}

	if len(reader.File) != len(expectedFiles) {
		t.Errorf("expected %d files in zip, got %d", len(expectedFiles), len(reader.File))
	}

	for _, f := range reader.File {
		expectedContent, exists := expectedFiles[f.Name]
		if !exists {
			t.Errorf("unexpected file in zip: %s", f.Name)
			continue
		}

		rc, err := f.Open()
		if err != nil {
			t.Errorf("failed to open file %s in zip: %v", f.Name, err)
			continue
		}
		content, err := io.ReadAll(rc)
		rc.Close()
		if err != nil {
			t.Errorf("failed to read file %s: %v", f.Name, err)
			continue
		}

		if string(content) != expectedContent {
			t.Errorf("file %s: expected content %q, got %q", f.Name, expectedContent, string(content))
		}
	}
}

// Tests

func TestParseArgs(t *testing.T) {
	t.Run("empty args returns error", func(t *testing.T) {
		result, err := ParseArgs([]string{})
		if err == nil {
			t.Fatal("expected error for empty args")
		}
		if result != nil {
			t.Error("expected nil result for empty args")
		}
		verr, ok := err.(*ValidationError)
		if !ok || verr.Cause != "no files provided" {
			t.Errorf("unexpected error: %v", err)
		}
	})

	t.Run("classifies files and directories", func(t *testing.T) {
		file := setupTestFile(t, "clip.mp4", "data")
		dir := t.TempDir()

		result, err := ParseArgs([]string{file, dir + "/"})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if len(result) != 2 {
			t.Fatalf("expected 2 parsed paths, got %d", len(result))
		}
		if result[0].Kind != PathFile || result[0].FullPath != file {
			t.Errorf("unexpected file entry: %+v", result[0])
		}
		if result[1].Kind != PathDir || result[1].FullPath != filepath.Clean(dir) {
			t.Errorf("unexpected dir entry: %+v", result[1])
		}
	})

	t.Run("missing path", func(t *testing.T) {
		_, err := ParseArgs([]string{"/does/not/exist.mp4"})
		verr, ok := err.(*ValidationError)
		if !ok {
			t.Fatalf("expected ValidationError, got %T", err)
		}
		if verr.Arg != "/does/not/exist.mp4" {
			t.Errorf("expected Arg to name the path, got %q", verr.Arg)
		}
	})
}

func TestBuild(t *testing.T) {
	t.Run("single file is the root", func(t *testing.T) {
		file := setupTestFile(t, "song.mp3", "abc")
		tree, err := Build([]ParsedPath{{FullPath: file, Kind: PathFile}})
		if err != nil {
			t.Fatal(err)
		}
		if _, ok := tree.Root.(*File); !ok {
			t.Fatalf("expected file root, got %T", tree.Root)
		}
		size, err := tree.Size()
		if err != nil {
			t.Fatal(err)
		}
		if size != 3 {
			t.Errorf("expected size 3, got %d", size)
		}
	})

	t.Run("several paths get a virtual root", func(t *testing.T) {
		a := setupTestFile(t, "a.txt", "1")
		b := setupTestFile(t, "b.txt", "22")
		tree, err := Build([]ParsedPath{{FullPath: a}, {FullPath: b}})
		if err != nil {
			t.Fatal(err)
		}
		root, ok := tree.Root.(*Dir)
		if !ok {
			t.Fatalf("expected dir root, got %T", tree.Root)
		}
		if !strings.HasPrefix(root.Name(), "bundle_") {
			t.Errorf("unexpected virtual root name %q", root.Name())
		}
		if n := len(tree.Files()); n != 2 {
			t.Errorf("expected 2 files, got %d", n)
		}
	})

	t.Run("empty input", func(t *testing.T) {
		if _, err := Build(nil); err == nil {
			t.Error("expected error for no paths")
		}
	})
}

func TestTree_WriteZip(t *testing.T) {
	t.Run("nested directories", func(t *testing.T) {
		rootDir := t.TempDir()
		createStructure(t, rootDir, map[string]interface{}{
			"project": map[string]interface{}{
				"README.md": "# Project",
				"src": map[string]interface{}{
					"main.go": "package main",
				},
			},
		})

		tree, err := Build([]ParsedPath{{FullPath: filepath.Join(rootDir, "project"), Kind: PathDir}})
		if err != nil {
			t.Fatal(err)
		}

		var buf bytes.Buffer
		if err := tree.WriteZip(&buf); err != nil {
			t.Fatalf("failed to compress: %v", err)
		}

		verifyZipContents(t, buf.Bytes(), map[string]string{
			"project/README.md":   "# Project",
			"project/src/main.go": "package main",
		})
		if n := len(tree.Files()); n != 2 {
			t.Errorf("expected 2 files, got %d", n)
		}
	})
}

func TestZipFile(t *testing.T) {
	t.Run("zips one file under the given name", func(t *testing.T) {
		src := setupTestFile(t, "upload_8f3a.pdf", "pdf bytes")
		dst := filepath.Join(t.TempDir(), "out.zip")

		if err := ZipFile(src, dst, "report.pdf"); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}

		data, err := os.ReadFile(dst)
		if err != nil {
			t.Fatal(err)
		}
		verifyZipContents(t, data, map[string]string{"report.pdf": "pdf bytes"})
	})

	t.Run("missing source leaves no archive", func(t *testing.T) {
		dst := filepath.Join(t.TempDir(), "out.zip")
		if err := ZipFile("/nope/missing.txt", dst, ""); err == nil {
			t.Fatal("expected error")
		}
		if _, err := os.Stat(dst); !os.IsNotExist(err) {
			t.Error("expected partial archive to be removed")
		}
	})
}
