// Package bundle models an iOS .app bundle: its Info.plist and the nested
// app extensions and frameworks that carry their own.
package bundle

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/apex/log"
	"github.com/blacktop/go-plist"
	"golang.org/x/sync/errgroup"
)

const (
	infoPlist      = "Info.plist"
	plugInsDir     = "PlugIns"
	frameworksDir  = "Frameworks"
	dylibExtension = ".dylib"

	keyIdentifier  = "CFBundleIdentifier"
	keyName        = "CFBundleName"
	keyDisplayName = "CFBundleDisplayName"
)

// Error is a bundle that could not be loaded or saved
type Error struct {
	Path string
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("invalid bundle %s: %v", e.Path, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Bundle is an on-disk bundle and its parsed Info.plist
type Bundle struct {
	Info map[string]any
	Dir  string

	AppExtensions []*Bundle
	Frameworks    []*Bundle
	// Dylibs are the *.dylib files in the tree, relative to Dir
	Dylibs []string
}

// Load parses dir/Info.plist and every PlugIns/Frameworks sub-bundle below it
func Load(dir string) (*Bundle, error) {
	dir = filepath.Clean(dir)

	data, err := os.ReadFile(filepath.Join(dir, infoPlist))
	if err != nil {
		return nil, &Error{Path: dir, Err: err}
	}
	info := make(map[string]any)
	if _, err := plist.Unmarshal(data, &info); err != nil {
		return nil, &Error{Path: dir, Err: fmt.Errorf("failed to parse %s: %w", infoPlist, err)}
	}

	b := &Bundle{Info: info, Dir: dir}

	if b.AppExtensions, err = loadSubBundles(filepath.Join(dir, plugInsDir)); err != nil {
		return nil, err
	}
	if b.Frameworks, err = loadSubBundles(filepath.Join(dir, frameworksDir)); err != nil {
		return nil, err
	}
	if b.Dylibs, err = findDylibs(dir); err != nil {
		return nil, &Error{Path: dir, Err: err}
	}

	log.WithFields(log.Fields{
		"id":         b.BundleIdentifier(),
		"extensions": len(b.AppExtensions),
		"frameworks": len(b.Frameworks),
		"dylibs":     len(b.Dylibs),
	}).Debugf("Loaded bundle %s", dir)

	return b, nil
}

// loadSubBundles loads every child of dir that has an Info.plist, in directory order
func loadSubBundles(dir string) ([]*Bundle, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, &Error{Path: dir, Err: err}
	}

	var paths []string
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		p := filepath.Join(dir, e.Name())
		if _, err := os.Stat(filepath.Join(p, infoPlist)); err == nil {
			paths = append(paths, p)
		}
	}
	if len(paths) == 0 {
		return nil, nil
	}

	subs := make([]*Bundle, len(paths))
	var eg errgroup.Group
	for i, p := range paths {
		eg.Go(func() error {
			sub, err := Load(p)
			if err != nil {
				return err
			}
			subs[i] = sub
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, err
	}

	return subs, nil
}

func findDylibs(root string) ([]string, error) {
	var dylibs []string
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.Type().IsRegular() && strings.HasSuffix(d.Name(), dylibExtension) {
			rel, err := filepath.Rel(root, path)
			if err != nil {
				return err
			}
			dylibs = append(dylibs, rel)
		}
		return nil
	})
	return dylibs, err
}

func (b *Bundle) str(key string) string {
	if v, ok := b.Info[key].(string); ok {
		return v
	}
	return ""
}

// BundleIdentifier returns CFBundleIdentifier or "" when unset
func (b *Bundle) BundleIdentifier() string {
	return b.str(keyIdentifier)
}

func (b *Bundle) SetBundleIdentifier(id string) {
	b.Info[keyIdentifier] = id
}

// BundleName returns CFBundleName, falling back to the display name and then
// the directory name.
func (b *Bundle) BundleName() string {
	if name := b.str(keyName); name != "" {
		return name
	}
	if name := b.str(keyDisplayName); name != "" {
		return name
	}
	return strings.TrimSuffix(filepath.Base(b.Dir), filepath.Ext(b.Dir))
}

// WriteInfo saves Info as a binary plist over the bundle's Info.plist, then
// does the same for every app extension.
func (b *Bundle) WriteInfo() error {
	buf := new(bytes.Buffer)
	if err := plist.NewEncoderForFormat(buf, plist.BinaryFormat).Encode(b.Info); err != nil {
		return &Error{Path: b.Dir, Err: fmt.Errorf("failed to encode %s: %w", infoPlist, err)}
	}
	if err := os.WriteFile(filepath.Join(b.Dir, infoPlist), buf.Bytes(), 0644); err != nil {
		return &Error{Path: b.Dir, Err: err}
	}
	for _, ext := range b.AppExtensions {
		if err := ext.WriteInfo(); err != nil {
			return err
		}
	}
	return nil
}
