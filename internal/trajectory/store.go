// Package trajectory reads precomputed run trajectories from a directory
// of GeoJSON files named <tripId>-<date>.json.
package trajectory

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/bluele/gcache"
	"go.uber.org/zap"

	"gtfs-prognosis/internal/gtfs"
)

// ErrNotFound is returned for ids without a trajectory file.
var ErrNotFound = gtfs.ErrTrajectoryNotFound

const DefaultCacheSize = 1000

type Store struct {
	dir   string
	cache gcache.Cache
	log   *zap.Logger
}

// NewStore reads trajectories from dir, keeping up to cacheSize of them
// in memory. Lookups of missing files are not cached.
func NewStore(dir string, cacheSize int, log *zap.Logger) *Store {
	if cacheSize <= 0 {
		cacheSize = DefaultCacheSize
	}
	if log == nil {
		log = zap.NewNop()
	}
	s := &Store{dir: dir, log: log}
	s.cache = gcache.New(cacheSize).
		LRU().
		LoaderFunc(func(key interface{}) (interface{}, error) {
			return s.read(key.(string))
		}).
		Build()
	return s
}

// path maps id to its file. Ids that cannot name a file in dir (GTFS
// allows '/' in trip ids) have no trajectory.
func (s *Store) path(id string) (string, error) {
	if id == "" || strings.ContainsAny(id, `/\`) || id == "." || id == ".." {
		return "", fmt.Errorf("trajectory %q: %w", id, ErrNotFound)
	}
	return filepath.Join(s.dir, id+".json"), nil
}

// ResolveTrajectory returns the trajectory with the given id, or an error
// wrapping ErrNotFound if there is none.
func (s *Store) ResolveTrajectory(ctx context.Context, id string) (*gtfs.Trajectory, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	v, err := s.cache.Get(id)
	if err != nil {
		return nil, err
	}
	return v.(*gtfs.Trajectory), nil
}

// ResolveMany returns the trajectories found for ids, in order. Missing
// ones are skipped.
func (s *Store) ResolveMany(ctx context.Context, ids []string) ([]*gtfs.Trajectory, error) {
	out := make([]*gtfs.Trajectory, 0, len(ids))
	for _, id := range ids {
		tr, err := s.ResolveTrajectory(ctx, id)
		if errors.Is(err, ErrNotFound) {
			s.log.Debug("no trajectory", zap.String("trajectory", id))
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, tr)
	}
	return out, nil
}

func (s *Store) read(id string) (*gtfs.Trajectory, error) {
	p, err := s.path(id)
	if err != nil {
		return nil, err
	}
	b, err := os.ReadFile(p)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("trajectory %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("read trajectory %s: %w", id, err)
	}
	tr, err := Decode(b)
	if err != nil {
		return nil, fmt.Errorf("decode trajectory %s: %w", id, err)
	}
	if tr.ID == "" {
		tr.ID = id
	}
	return tr, nil
}

// Write stores tr as <dir>/<id>.json and drops any cached copy.
func (s *Store) Write(tr *gtfs.Trajectory) error {
	p, err := s.path(tr.ID)
	if err != nil {
		return err
	}
	b, err := Encode(tr)
	if err != nil {
		return err
	}
	if err := os.WriteFile(p, b, 0o644); err != nil {
		return fmt.Errorf("write trajectory %s: %w", tr.ID, err)
	}
	s.cache.Remove(tr.ID)
	return nil
}
