package refstore

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	apperrors "github.com/GriffinCanCode/egm-detector/internal/errors"
)

// File is one reference image on disk.
type File struct {
	Name    string    `json:"name"`
	Size    int64     `json:"size"`
	ModTime time.Time `json:"mod_time"`
}

// Files lists a state's reference images, newest first.
func (s *Store) Files(state string) ([]File, error) {
	st, ok := s.states[state]
	if !ok {
		return nil, apperrors.Newf(apperrors.CodeNotFound, "unknown state %q", state)
	}
	entries, err := os.ReadDir(st.RefsDir)
	if os.IsNotExist(err) {
		return []File{}, nil
	}
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.CodeReferenceLoad, "list references").WithMetadata("dir", st.RefsDir)
	}

	files := make([]File, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || !isImage(e.Name()) {
			continue
		}
		fi, err := e.Info()
		if err != nil {
			continue
		}
		files = append(files, File{Name: e.Name(), Size: fi.Size(), ModTime: fi.ModTime()})
	}
	sort.Slice(files, func(i, j int) bool { return files[i].ModTime.After(files[j].ModTime) })
	return files, nil
}

// Add writes a new reference image into the state's directory and reloads
// the state. ext selects the file type and defaults to .jpg.
func (s *Store) Add(state string, data []byte, ext string) (string, error) {
	st, ok := s.states[state]
	if !ok {
		return "", apperrors.Newf(apperrors.CodeNotFound, "unknown state %q", state)
	}
	if ext == "" {
		ext = ".jpg"
	}
	if !isImage("x" + ext) {
		return "", apperrors.Newf(apperrors.CodeInvalidArgument, "unsupported reference type %q", ext)
	}
	if err := os.MkdirAll(st.RefsDir, 0o755); err != nil {
		return "", apperrors.Wrap(err, apperrors.CodeInternal, "create reference directory")
	}

	name := fmt.Sprintf("%s_%s%s", time.Now().Format("20060102_150405"), uuid.NewString()[:8], ext)
	if err := writeAtomic(filepath.Join(st.RefsDir, name), data); err != nil {
		return "", apperrors.Wrap(err, apperrors.CodeInternal, "write reference")
	}
	return name, s.Reload(state)
}

// FilePath resolves a reference image name to its path. The file must exist.
func (s *Store) FilePath(state, name string) (string, error) {
	path, err := s.refPath(state, name)
	if err != nil {
		return "", err
	}
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return "", apperrors.Newf(apperrors.CodeNotFound, "reference %s not found", name)
		}
		return "", apperrors.Wrap(err, apperrors.CodeInternal, "stat reference")
	}
	return path, nil
}

// Remove deletes one reference image and reloads the state.
func (s *Store) Remove(state, name string) error {
	path, err := s.refPath(state, name)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil {
		if os.IsNotExist(err) {
			return apperrors.Newf(apperrors.CodeNotFound, "reference %s not found", name)
		}
		return apperrors.Wrap(err, apperrors.CodeInternal, "remove reference")
	}
	return s.Reload(state)
}

func (s *Store) refPath(state, name string) (string, error) {
	st, ok := s.states[state]
	if !ok {
		return "", apperrors.Newf(apperrors.CodeNotFound, "unknown state %q", state)
	}
	if name == "" || name != filepath.Base(name) || strings.HasPrefix(name, ".") || !isImage(name) {
		return "", apperrors.Newf(apperrors.CodeInvalidArgument, "invalid reference name %q", name)
	}
	return filepath.Join(st.RefsDir, name), nil
}

// writeAtomic writes to a temp file in the same directory and renames it.
func writeAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".ref-*.tmp")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}
