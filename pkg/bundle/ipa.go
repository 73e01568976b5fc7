package bundle

import (
	"archive/zip"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/apex/log"
	"github.com/pkg/errors"
)

const payloadDir = "Payload"

// Open loads path as an .app directory, or extracts it first when it is an IPA
func Open(path, workDir string) (*Bundle, error) {
	fi, err := os.Stat(path)
	if err != nil {
		return nil, &Error{Path: path, Err: err}
	}
	if fi.IsDir() {
		return Load(path)
	}
	return OpenIPA(path, workDir)
}

// OpenIPA extracts ipaPath into a fresh directory under workDir and loads the
// single Payload/*.app it contains.
func OpenIPA(ipaPath, workDir string) (*Bundle, error) {
	zr, err := zip.OpenReader(ipaPath)
	if err != nil {
		return nil, &Error{Path: ipaPath, Err: errors.Wrap(err, "failed to open IPA")}
	}
	defer zr.Close()

	dest, err := os.MkdirTemp(workDir, strings.TrimSuffix(filepath.Base(ipaPath), filepath.Ext(ipaPath))+"-")
	if err != nil {
		return nil, errors.Wrap(err, "failed to create extraction directory")
	}

	log.WithField("dest", dest).Debugf("Extracting %s", ipaPath)
	for _, f := range zr.File {
		if err := extract(f, dest); err != nil {
			return nil, &Error{Path: ipaPath, Err: err}
		}
	}

	entries, err := os.ReadDir(filepath.Join(dest, payloadDir))
	if err != nil {
		return nil, &Error{Path: ipaPath, Err: fmt.Errorf("no %s directory in archive", payloadDir)}
	}
	var apps []string
	for _, e := range entries {
		if e.IsDir() && filepath.Ext(e.Name()) == ".app" {
			apps = append(apps, filepath.Join(dest, payloadDir, e.Name()))
		}
	}
	switch len(apps) {
	case 0:
		return nil, &Error{Path: ipaPath, Err: fmt.Errorf("no .app directory found in %s", payloadDir)}
	case 1:
		return Load(apps[0])
	default:
		return nil, &Error{Path: ipaPath, Err: fmt.Errorf("multiple .app directories found in %s", payloadDir)}
	}
}

func extract(f *zip.File, dest string) error {
	target := filepath.Join(dest, f.Name)
	if !strings.HasPrefix(target, filepath.Clean(dest)+string(os.PathSeparator)) {
		return fmt.Errorf("illegal file path in archive: %s", f.Name)
	}

	if f.FileInfo().IsDir() {
		return os.MkdirAll(target, 0755)
	}
	if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
		return err
	}

	rc, err := f.Open()
	if err != nil {
		return errors.Wrapf(err, "failed to open %s", f.Name)
	}
	defer rc.Close()

	mode := f.Mode().Perm()
	if mode == 0 {
		mode = 0644
	}
	out, err := os.OpenFile(target, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, mode)
	if err != nil {
		return err
	}
	defer out.Close()

	if _, err := io.Copy(out, rc); err != nil {
		return errors.Wrapf(err, "failed to extract %s", f.Name)
	}
	return nil
}
