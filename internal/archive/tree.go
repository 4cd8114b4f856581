package archive

import (
	"fmt"
	"os"
	"path/filepath"
	"time"
)

type Node interface {
	Path() string
	Name() string
}

type File struct {
	path string
	name string
}

type Dir struct {
	path     string
	name     string
	children []Node
}

func (f *File) Path() string { return f.path }
func (f *File) Name() string { return f.name }

func (d *Dir) Path() string { return d.path }
func (d *Dir) Name() string { return d.name }
func (d *Dir) Children() []Node { return d.children }

// Tree is a set of files and directories rooted at one node. Several
// top-level paths are grouped under a virtual directory.
type Tree struct {
	Root Node
}

func Build(paths []ParsedPath) (*Tree, error) {
	var rootNodes []Node

	for _, parsedPath := range paths {
		if parsedPath.Kind == PathDir {
			dirNode, err := buildDir(parsedPath.FullPath)
			if err != nil {
				return nil, err
			}
			rootNodes = append(rootNodes, dirNode)
			continue
		}
		rootNodes = append(rootNodes, &File{
			path: parsedPath.FullPath,
			name: filepath.Base(parsedPath.FullPath),
		})
	}

	switch len(rootNodes) {
	case 0:
		return nil, fmt.Errorf("no valid paths provided")
	case 1:
		return &Tree{Root: rootNodes[0]}, nil
	default:
		name := fmt.Sprintf("bundle_%s", time.Now().Format("2006_01_02_150405"))
		return &Tree{Root: &Dir{path: name, name: name, children: rootNodes}}, nil
	}
}

func buildDir(dirPath string) (*Dir, error) {
	dir := &Dir{
		path:     dirPath,
		name:     filepath.Base(dirPath),
		children: []Node{},
	}

	entries, err := os.ReadDir(dirPath)
	if err != nil {
		return nil, err
	}

	for _, entry := range entries {
		childPath := filepath.Join(dirPath, entry.Name())

		if entry.IsDir() {
			childDir, err := buildDir(childPath)
			if err != nil {
				return nil, err
			}
			dir.children = append(dir.children, childDir)
		} else if entry.Type().IsRegular() {
			dir.children = append(dir.children, &File{path: childPath, name: entry.Name()})
		}
	}

	return dir, nil
}

// Files lists every file in the tree, depth first.
func (t *Tree) Files() []*File {
	var out []*File
	var walk func(Node)
	walk = func(n Node) {
		switch v := n.(type) {
		case *File:
			out = append(out, v)
		case *Dir:
			for _, c := range v.children {
				walk(c)
			}
		}
	}
	walk(t.Root)
	return out
}

// Size sums the on-disk size of every file in the tree.
func (t *Tree) Size() (int64, error) {
	var total int64
	for _, f := range t.Files() {
		info, err := os.Stat(f.Path())
		if err != nil {
			return 0, err
		}
		total += info.Size()
	}
	return total, nil
}
