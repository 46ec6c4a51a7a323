// Copyright (c) WithSecure Corporation
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package sfs

import (
	"fmt"
	"io"
	"io/fs"
	"path"
	"strings"

	"github.com/usbarmory/go-firmware/efi"
)

// FS returns a [Filesystem] backed by an [fs.FS].
//
// Paths use EFI backslash separators, are resolved relative to the opening
// directory unless rooted and are matched case insensitively against either
// the long or 8.3 short names, like FAT volumes.
func FS(fsys fs.FS) Filesystem {
	return &ioFS{fsys: fsys}
}

type ioFS struct {
	fsys fs.FS
}

type ioNode struct {
	fs    *ioFS
	path  string
	entry Entry

	file    fs.File
	entries []fs.DirEntry
	short   map[string]string
	listed  bool
}

// ShortName returns the uppercase 8.3 form of a file name, truncated names
// carry a ~1 numeric tail.
func ShortName(name string) string {
	s, _ := shortName(name, 1)
	return s
}

// shortNames returns the 8.3 form of all directory entry names, truncated
// names get numeric tails unique within the directory.
func shortNames(entries []fs.DirEntry) map[string]string {
	names := make(map[string]string, len(entries))
	used := make(map[string]bool, len(entries))

	for _, e := range entries {
		s, truncated := shortName(e.Name(), 1)

		for n := 2; truncated && used[s] && n < 1e6; n++ {
			s, _ = shortName(e.Name(), n)
		}

		names[e.Name()] = s
		used[s] = true
	}

	return names
}

func shortName(name string, tail int) (string, bool) {
	if name == "." || name == ".." {
		return name, false
	}

	base, ext := name, ""

	if i := strings.LastIndex(name, "."); i > 0 {
		base, ext = name[:i], name[i+1:]
	}

	clean := func(s string, n int) (string, bool) {
		var b strings.Builder

		for _, c := range strings.ToUpper(s) {
			switch {
			case c == ' ' || c == '.':
				continue
			case c > 0x7f || strings.ContainsRune(`"*+,/:;<=>?[\]|`, c):
				c = '_'
			}

			b.WriteRune(c)
		}

		s = b.String()

		if len(s) > n {
			return s[:n], true
		}

		return s, false
	}

	base, truncated := clean(base, 8)
	ext, _ = clean(ext, 3)

	if truncated {
		t := fmt.Sprintf("~%d", tail)
		base = base[:8-len(t)] + t
	}

	if ext == "" {
		return base, truncated
	}

	return base + "." + ext, truncated
}

func (f *ioFS) node(p string) (*ioNode, error) {
	fi, err := fs.Stat(f.fsys, p)

	if err != nil {
		return nil, err
	}

	n := &ioNode{
		fs:   f,
		path: p,
	}

	if p != "." {
		entries, err := fs.ReadDir(f.fsys, path.Dir(p))

		if err != nil {
			return nil, err
		}

		n.entry = newEntry(fi, shortNames(entries)[fi.Name()])
	} else {
		n.entry = Entry{Type: Directory}
	}

	return n, nil
}

func newEntry(fi fs.FileInfo, short string) (e Entry) {
	e.ShortName = short

	if e.ShortName != fi.Name() {
		e.LongName = fi.Name()
	}

	if fi.IsDir() {
		e.Type = Directory
		e.Attribute = efi.EFI_FILE_DIRECTORY
	} else {
		e.Size = uint64(fi.Size())
		e.Attribute = efi.EFI_FILE_ARCHIVE
	}

	if fi.Mode().Perm()&0200 == 0 {
		e.Attribute |= efi.EFI_FILE_READ_ONLY
	}

	return
}

// lookup returns the name of the directory entry matching the argument
// name.
func (f *ioFS) lookup(dir string, name string) (string, error) {
	if _, err := fs.Stat(f.fsys, path.Join(dir, name)); err == nil {
		return name, nil
	}

	entries, err := fs.ReadDir(f.fsys, dir)

	if err != nil {
		return "", err
	}

	for _, e := range entries {
		if strings.EqualFold(e.Name(), name) {
			return e.Name(), nil
		}
	}

	short := shortNames(entries)

	for _, e := range entries {
		if strings.EqualFold(short[e.Name()], name) {
			return e.Name(), nil
		}
	}

	return "", &fs.PathError{Op: "open", Path: path.Join(dir, name), Err: fs.ErrNotExist}
}

// Root implements [Filesystem].
func (f *ioFS) Root() (Node, error) {
	return f.node(".")
}

// Open implements [Filesystem].
func (f *ioFS) Open(dir Node, name string) (Node, error) {
	d, ok := dir.(*ioNode)

	if !ok || d.fs != f {
		return nil, fs.ErrInvalid
	}

	p := d.path
	name = strings.ReplaceAll(name, `\`, "/")

	if strings.HasPrefix(name, "/") {
		p = "."
	} else if d.entry.Type != Directory {
		return nil, &fs.PathError{Op: "open", Path: name, Err: fs.ErrInvalid}
	}

	for _, seg := range strings.Split(name, "/") {
		switch seg {
		case "", ".":
			continue
		case "..":
			if p == "." {
				return nil, &fs.PathError{Op: "open", Path: name, Err: fs.ErrNotExist}
			}

			p = path.Dir(p)
		default:
			match, err := f.lookup(p, seg)

			if err != nil {
				return nil, err
			}

			p = path.Join(p, match)
		}
	}

	return f.node(p)
}

// Entry implements [Node].
func (n *ioNode) Entry() Entry {
	return n.entry
}

// Parent implements [Node].
func (n *ioNode) Parent() (Node, error) {
	if n.path == "." {
		return nil, ErrNoParent
	}

	return n.fs.node(path.Dir(n.path))
}

// Read implements [Node].
func (n *ioNode) Read(p []byte) (_ int, err error) {
	if n.entry.Type == Directory {
		return 0, fs.ErrInvalid
	}

	if n.file == nil {
		if n.file, err = n.fs.fsys.Open(n.path); err != nil {
			return
		}
	}

	return n.file.Read(p)
}

// Next implements [Node].
func (n *ioNode) Next() (e Entry, err error) {
	if n.entry.Type != Directory {
		return e, fs.ErrInvalid
	}

	if !n.listed {
		if n.entries, err = fs.ReadDir(n.fs.fsys, n.path); err != nil {
			return
		}

		n.short = shortNames(n.entries)

		n.listed = true
	}

	if len(n.entries) == 0 {
		return e, io.EOF
	}

	fi, err := n.entries[0].Info()
	n.entries = n.entries[1:]

	if err != nil {
		return
	}

	return newEntry(fi, n.short[fi.Name()]), nil
}

// Close releases the node open file, if any.
func (n *ioNode) Close() error {
	if n.file == nil {
		return nil
	}

	return n.file.Close()
}
