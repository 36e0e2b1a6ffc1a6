// Package refstore caches reference fingerprints per state and ROI, and
// recomputes a state's cache only when its reference directory changes.
package refstore

import (
	"image"
	_ "image/jpeg" // JPEG decoder
	_ "image/png"  // PNG decoder
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	_ "golang.org/x/image/webp" // WebP decoder

	"github.com/GriffinCanCode/egm-detector/internal/config"
	apperrors "github.com/GriffinCanCode/egm-detector/internal/errors"
	"github.com/GriffinCanCode/egm-detector/internal/fingerprint"
)

// Extensions lists the reference image types that are loaded.
var Extensions = []string{".jpg", ".jpeg", ".png", ".webp"}

// RegionHasher fingerprints a rectangle of an image.
type RegionHasher interface {
	ComputeRegion(img image.Image, r image.Rectangle) (fingerprint.Fingerprint, error)
}

type stateCache struct {
	fingerprints map[string][]fingerprint.Fingerprint
	version      time.Time
	images       int
}

// Stats describes one state's cache.
type Stats struct {
	State   string    `json:"state"`
	Dir     string    `json:"dir"`
	Images  int       `json:"images"`
	ROIs    int       `json:"rois"`
	Version time.Time `json:"version"`
	Loads   int       `json:"loads"`
}

// Store owns every ReferenceFingerprintSet. Each state's cache is replaced
// wholesale, so readers see either the old set or the new one.
type Store struct {
	hasher RegionHasher
	states map[string]config.State
	order  []string

	mu     sync.RWMutex
	caches map[string]*stateCache
	loads  map[string]int
}

// New creates an empty store. Call LoadAll before matching.
func New(states []config.State, hasher RegionHasher) *Store {
	s := &Store{
		hasher: hasher,
		states: make(map[string]config.State, len(states)),
		caches: make(map[string]*stateCache, len(states)),
		loads:  make(map[string]int, len(states)),
	}
	for _, st := range states {
		s.states[st.Name] = st
		s.order = append(s.order, st.Name)
	}
	return s
}

// LoadAll computes every state's cache regardless of staleness.
func (s *Store) LoadAll() {
	for _, name := range s.order {
		s.load(s.states[name], dirVersion(s.states[name].RefsDir))
	}
}

// ReloadIfNeeded recomputes the states whose directory version changed and
// returns their names.
func (s *Store) ReloadIfNeeded() []string {
	var reloaded []string
	for _, name := range s.order {
		st := s.states[name]
		v := dirVersion(st.RefsDir)

		s.mu.RLock()
		c, ok := s.caches[name]
		stale := !ok || !c.version.Equal(v)
		s.mu.RUnlock()

		if stale {
			s.load(st, v)
			reloaded = append(reloaded, name)
		}
	}
	return reloaded
}

// Reload forces a recompute of one state.
func (s *Store) Reload(state string) error {
	st, ok := s.states[state]
	if !ok {
		return apperrors.Newf(apperrors.CodeNotFound, "unknown state %q", state)
	}
	s.load(st, dirVersion(st.RefsDir))
	return nil
}

// Fingerprints returns the cached set for (state, roi). An empty result
// means no evidence.
func (s *Store) Fingerprints(state, roi string) []fingerprint.Fingerprint {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if c, ok := s.caches[state]; ok {
		return c.fingerprints[roi]
	}
	return nil
}

// Stats reports every state's cache in configuration order.
func (s *Store) Stats() []Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Stats, 0, len(s.order))
	for _, name := range s.order {
		st := Stats{State: name, Dir: s.states[name].RefsDir, Loads: s.loads[name]}
		if c, ok := s.caches[name]; ok {
			st.Images = c.images
			st.ROIs = len(c.fingerprints)
			st.Version = c.version
		}
		out = append(out, st)
	}
	return out
}

func (s *Store) load(st config.State, version time.Time) {
	start := time.Now()
	log := slog.With("state", st.Name, "dir", st.RefsDir)

	rois := make([]config.ROI, 0, len(st.ROIs))
	for _, roi := range st.ROIs {
		if roi.LinkedState == "" {
			rois = append(rois, roi)
		}
	}

	cache := &stateCache{
		fingerprints: make(map[string][]fingerprint.Fingerprint, len(rois)),
		version:      version,
	}

	files, err := listImages(st.RefsDir)
	if err != nil {
		log.Warn("reference directory unreadable", "error", err)
	}

	for _, path := range files {
		img, err := decodeFile(path)
		if err != nil {
			log.Warn("skipping reference image", "file", filepath.Base(path), "error", err)
			continue
		}
		cache.images++
		for _, roi := range rois {
			fp, err := s.hasher.ComputeRegion(img, roi.Rect)
			if err != nil {
				log.Warn("roi outside reference image", "file", filepath.Base(path), "roi", roi.Name, "error", err)
				continue
			}
			cache.fingerprints[roi.Name] = append(cache.fingerprints[roi.Name], fp)
		}
	}

	s.mu.Lock()
	s.caches[st.Name] = cache
	s.loads[st.Name]++
	s.mu.Unlock()

	log.Info("references loaded", "images", cache.images, "rois", len(rois), "duration", time.Since(start))
}

// dirVersion is the newest of the directory's own mtime and its files'
// mtimes. A missing directory has the zero version.
func dirVersion(dir string) time.Time {
	info, err := os.Stat(dir)
	if err != nil {
		return time.Time{}
	}
	version := info.ModTime()
	entries, err := os.ReadDir(dir)
	if err != nil {
		return version
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		fi, err := e.Info()
		if err != nil {
			continue
		}
		if fi.ModTime().After(version) {
			version = fi.ModTime()
		}
	}
	return version
}

func listImages(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var files []string
	for _, e := range entries {
		if e.IsDir() || !isImage(e.Name()) {
			continue
		}
		files = append(files, filepath.Join(dir, e.Name()))
	}
	sort.Strings(files)
	return files, nil
}

func isImage(name string) bool {
	return slices.Contains(Extensions, strings.ToLower(filepath.Ext(name)))
}

func decodeFile(path string) (image.Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	img, _, err := image.Decode(f)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.CodeReferenceLoad, "decode reference").WithMetadata("file", filepath.Base(path))
	}
	return img, nil
}
