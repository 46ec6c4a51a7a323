// Copyright (c) WithSecure Corporation
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package uapi implements Boot Loader Entries parsing
// following the specifications at:
//
//	https://uapi-group.org/specifications/specs/boot_loader_specification/
package uapi

import (
	"errors"
	"io/fs"
	"path"
	"slices"
	"strings"
)

// EntriesDir represents the Type #1 Boot Loader Entries directory.
const EntriesDir = "loader/entries"

// Entry represents the parsed contents of Type #1 Boot Loader Entry Keys.
type Entry struct {
	Title   string
	Version string

	// Linux represents the kernel image path.
	Linux string
	// Initrd represents the initial ramdisk paths.
	Initrd []string
	// Efi represents the EFI program path.
	Efi string

	Options string

	parsed  string
	ignored string
}

// Path converts an entry path to an [fs.FS] one.
func Path(p string) string {
	p = strings.ReplaceAll(p, `\`, "/")
	return path.Clean(strings.TrimLeft(p, "/"))
}

func (e *Entry) parseKey(line string) {
	kv := strings.Fields(line)

	if len(kv) < 2 || strings.HasPrefix(kv[0], "#") {
		e.ignored += line
		return
	}

	k := kv[0]
	v := strings.Join(kv[1:], " ")

	switch k {
	case "title":
		e.Title = v
	case "version":
		e.Version = v
	case "linux":
		e.Linux = Path(v)
	case "initrd":
		e.Initrd = append(e.Initrd, Path(v))
	case "efi":
		e.Efi = Path(v)
	case "options":
		if e.Options != "" {
			e.Options += " "
		}

		e.Options += v
	default:
		e.ignored += line
		return
	}

	e.parsed += line
}

// String returns the lines successfully parsed.
func (e *Entry) String() string {
	return e.parsed
}

// Ignored returns the lines ignored during parsing.
func (e *Entry) Ignored() string {
	return e.ignored
}

// Image returns the path of the image to be started, the kernel (which is
// expected to carry an EFI stub) takes precedence over an EFI program.
func (e *Entry) Image() string {
	if e.Linux != "" {
		return e.Linux
	}

	return e.Efi
}

// CommandLine returns the image load options, initial ramdisks are passed
// as EFI stub initrd= arguments.
func (e *Entry) CommandLine() string {
	var args []string

	for _, initrd := range e.Initrd {
		args = append(args, "initrd="+`\`+strings.ReplaceAll(initrd, "/", `\`))
	}

	if e.Options != "" {
		args = append(args, e.Options)
	}

	return strings.Join(args, " ")
}

// ReadImage reads the entry image from the argument file system.
func (e *Entry) ReadImage(fsys fs.FS) ([]byte, error) {
	if e.Image() == "" {
		return nil, errors.New("entry has no linux or efi key")
	}

	return fs.ReadFile(fsys, e.Image())
}

// ReadInitrd reads and concatenates the entry initial ramdisks from the
// argument file system.
func (e *Entry) ReadInitrd(fsys fs.FS) (initrd []byte, err error) {
	for _, p := range e.Initrd {
		buf, err := fs.ReadFile(fsys, p)

		if err != nil {
			return nil, err
		}

		initrd = append(initrd, buf...)
	}

	return
}

// LoadEntry parses Type #1 Boot Loader Specification Entries from the argument
// file.
func LoadEntry(fsys fs.FS, path string) (e *Entry, err error) {
	e = &Entry{}

	entry, err := fs.ReadFile(fsys, Path(path))

	if err != nil {
		return
	}

	for line := range strings.Lines(string(entry)) {
		e.parseKey(line)
	}

	if e.Image() == "" {
		return nil, errors.New("entry has no linux or efi key")
	}

	return
}

// Entries returns the sorted list of entry files found in [EntriesDir].
func Entries(fsys fs.FS) (entries []string, err error) {
	files, err := fs.ReadDir(fsys, EntriesDir)

	if err != nil {
		return
	}

	for _, f := range files {
		if !f.IsDir() && strings.HasSuffix(f.Name(), ".conf") {
			entries = append(entries, path.Join(EntriesDir, f.Name()))
		}
	}

	slices.Sort(entries)

	return
}
