// Package checkpoint persists model parameters and optimizer state as
// fastcache snapshots and keeps an index of the most recent ones.
package checkpoint

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"

	"github.com/VictoriaMetrics/fastcache"
	"github.com/cespare/xxhash/v2"
	"go.uber.org/multierr"
	"gopkg.in/yaml.v3"

	"github.com/racl_absa/internal/log"
	"github.com/racl_absa/pkg/autodiff"
)

// IndexFile lists the snapshots of a directory, newest last
const IndexFile = "checkpoint"

const (
	manifestKey = "__manifest__"

	// cache size is minCacheBytes + cacheHeadroom * payload
	minCacheBytes = 64 << 20
	cacheHeadroom = 32
)

// ErrNoCheckpoint is returned when a directory holds no snapshot
var ErrNoCheckpoint = errors.New("no checkpoint found")

type tensorEntry struct {
	Key      string `yaml:"key"`
	Rows     int    `yaml:"rows"`
	Cols     int    `yaml:"cols"`
	Checksum uint64 `yaml:"checksum"`
}

type manifest struct {
	Step    int           `yaml:"step"`
	Metric  float64       `yaml:"metric"`
	AdamT   int           `yaml:"adam_t"`
	Tensors []tensorEntry `yaml:"tensors"`
}

// Entry describes one snapshot in the index
type Entry struct {
	Name   string  `yaml:"name"`
	Step   int     `yaml:"step"`
	Metric float64 `yaml:"metric"`
}

type index struct {
	Snapshots []Entry `yaml:"snapshots"`
}

// State is everything a snapshot restores
type State struct {
	Params    map[string]*autodiff.Tensor
	Optimizer *autodiff.AdamOptimizer
	Step      int
	Metric    float64
}

// Saver writes snapshots into Dir and prunes all but the newest MaxToKeep
type Saver struct {
	Dir       string
	MaxToKeep int
	Prefix    string

	log log.Modular
}

// NewSaver creates a saver for dir
func NewSaver(dir string, maxToKeep int, logger log.Modular) *Saver {
	if logger == nil {
		logger = log.Noop()
	}
	return &Saver{Dir: dir, MaxToKeep: maxToKeep, Prefix: "RACL", log: logger}
}

func encodeFloats(values []float64) []byte {
	buf := make([]byte, 8*len(values))
	for i, v := range values {
		binary.LittleEndian.PutUint64(buf[8*i:], math.Float64bits(v))
	}
	return buf
}

func decodeFloats(dst []float64, buf []byte) error {
	if len(buf) != 8*len(dst) {
		return fmt.Errorf("payload holds %d bytes, expected %d", len(buf), 8*len(dst))
	}
	for i := range dst {
		dst[i] = math.Float64frombits(binary.LittleEndian.Uint64(buf[8*i:]))
	}
	return nil
}

// stateMatrices lists every matrix of s under its cache key
func stateMatrices(s *State) (map[string]*autodiff.Matrix, error) {
	out := make(map[string]*autodiff.Matrix)
	for _, name := range autodiff.SortedNames(s.Params) {
		out["param/"+name] = s.Params[name].Data
		if s.Optimizer == nil {
			continue
		}
		p := s.Params[name]
		m, ok := s.Optimizer.M[name]
		if !ok {
			m = autodiff.MustNewMatrix(p.Data.Rows, p.Data.Cols)
			s.Optimizer.M[name] = m
		}
		v, ok := s.Optimizer.V[name]
		if !ok {
			v = autodiff.MustNewMatrix(p.Data.Rows, p.Data.Cols)
			s.Optimizer.V[name] = v
		}
		if !m.SameShape(p.Data) || !v.SameShape(p.Data) {
			return nil, fmt.Errorf("optimizer state of %s does not match parameter shape", name)
		}
		out["adam_m/"+name] = m
		out["adam_v/"+name] = v
	}
	return out, nil
}

func sortedKeys(ms map[string]*autodiff.Matrix) []string {
	keys := make([]string, 0, len(ms))
	for k := range ms {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// verifyStored checks that every tensor and the manifest survived in cache
func verifyStored(cache *fastcache.Cache, entries []tensorEntry, manBytes []byte) error {
	for _, e := range entries {
		buf := cache.GetBig(nil, []byte(e.Key))
		if len(buf) != 8*e.Rows*e.Cols || xxhash.Sum64(buf) != e.Checksum {
			return fmt.Errorf("tensor %s was not retained by the snapshot cache", e.Key)
		}
	}
	if !bytes.Equal(cache.GetBig(nil, []byte(manifestKey)), manBytes) {
		return fmt.Errorf("manifest was not retained by the snapshot cache")
	}
	return nil
}

// SnapshotName is the directory name of a snapshot taken at step
func (s *Saver) SnapshotName(metric float64, step int) string {
	return fmt.Sprintf("%s-dev:%.4f-%d", s.Prefix, metric, step)
}

// Save writes a snapshot of st, records it in the index and prunes older
// snapshots. It returns the snapshot path.
func (s *Saver) Save(st *State) (string, error) {
	matrices, err := stateMatrices(st)
	if err != nil {
		return "", err
	}
	payload := 0
	for _, m := range matrices {
		payload += 8 * len(m.Data)
	}

	cache := fastcache.New(minCacheBytes + cacheHeadroom*payload)
	defer cache.Reset()

	man := manifest{Step: st.Step, Metric: st.Metric}
	if st.Optimizer != nil {
		man.AdamT = st.Optimizer.T
	}
	for _, key := range sortedKeys(matrices) {
		m := matrices[key]
		buf := encodeFloats(m.Data)
		cache.SetBig([]byte(key), buf)
		man.Tensors = append(man.Tensors, tensorEntry{
			Key:      key,
			Rows:     m.Rows,
			Cols:     m.Cols,
			Checksum: xxhash.Sum64(buf),
		})
	}
	manBytes, err := yaml.Marshal(&man)
	if err != nil {
		return "", fmt.Errorf("encode manifest: %w", err)
	}
	cache.SetBig([]byte(manifestKey), manBytes)
	if err := verifyStored(cache, man.Tensors, manBytes); err != nil {
		return "", err
	}

	if err := os.MkdirAll(s.Dir, 0o755); err != nil {
		return "", fmt.Errorf("create checkpoint dir: %w", err)
	}
	name := s.SnapshotName(st.Metric, st.Step)
	path := filepath.Join(s.Dir, name)
	if err := cache.SaveToFile(path); err != nil {
		return "", fmt.Errorf("write snapshot %s: %w", path, err)
	}
	s.log.Debug("Wrote snapshot %s with %d tensors", path, len(man.Tensors))

	if err := s.record(Entry{Name: name, Step: st.Step, Metric: st.Metric}); err != nil {
		return "", err
	}
	return path, nil
}

func readIndex(dir string) (*index, error) {
	data, err := os.ReadFile(filepath.Join(dir, IndexFile))
	if errors.Is(err, os.ErrNotExist) {
		return &index{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read checkpoint index: %w", err)
	}
	var idx index
	if err := yaml.Unmarshal(data, &idx); err != nil {
		return nil, fmt.Errorf("parse checkpoint index: %w", err)
	}
	return &idx, nil
}

func (s *Saver) record(e Entry) error {
	idx, err := readIndex(s.Dir)
	if err != nil {
		return err
	}
	kept := idx.Snapshots[:0]
	for _, old := range idx.Snapshots {
		if old.Name != e.Name {
			kept = append(kept, old)
		}
	}
	idx.Snapshots = append(kept, e)

	var errs error
	if s.MaxToKeep > 0 && len(idx.Snapshots) > s.MaxToKeep {
		drop := idx.Snapshots[:len(idx.Snapshots)-s.MaxToKeep]
		for _, old := range drop {
			s.log.Debug("Removing snapshot %s", old.Name)
			errs = multierr.Append(errs, os.RemoveAll(filepath.Join(s.Dir, old.Name)))
		}
		idx.Snapshots = append([]Entry(nil), idx.Snapshots[len(drop):]...)
	}

	data, err := yaml.Marshal(idx)
	if err != nil {
		return multierr.Append(errs, fmt.Errorf("encode checkpoint index: %w", err))
	}
	tmp := filepath.Join(s.Dir, IndexFile+".tmp")
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return multierr.Append(errs, fmt.Errorf("write checkpoint index: %w", err))
	}
	return multierr.Append(errs, os.Rename(tmp, filepath.Join(s.Dir, IndexFile)))
}

// Snapshots lists the indexed snapshots of dir, oldest first
func Snapshots(dir string) ([]Entry, error) {
	idx, err := readIndex(dir)
	if err != nil {
		return nil, err
	}
	return idx.Snapshots, nil
}

// Latest returns the path of the newest snapshot in dir
func Latest(dir string) (string, error) {
	snaps, err := Snapshots(dir)
	if err != nil {
		return "", err
	}
	if len(snaps) == 0 {
		return "", fmt.Errorf("%s: %w", dir, ErrNoCheckpoint)
	}
	return filepath.Join(dir, snaps[len(snaps)-1].Name), nil
}

// Restore loads the snapshot at path into st. Every parameter of st must be
// present with the same shape and an intact checksum. The optimizer state
// is restored when st.Optimizer is set.
func Restore(path string, st *State) error {
	cache, err := fastcache.LoadFromFile(path)
	if err != nil {
		return fmt.Errorf("load snapshot %s: %w", path, err)
	}
	defer cache.Reset()

	manBytes := cache.GetBig(nil, []byte(manifestKey))
	if len(manBytes) == 0 {
		return fmt.Errorf("snapshot %s has no manifest", path)
	}
	var man manifest
	if err := yaml.Unmarshal(manBytes, &man); err != nil {
		return fmt.Errorf("parse manifest of %s: %w", path, err)
	}
	entries := make(map[string]tensorEntry, len(man.Tensors))
	for _, e := range man.Tensors {
		entries[e.Key] = e
	}

	matrices, err := stateMatrices(st)
	if err != nil {
		return err
	}
	payloads := make(map[string][]byte, len(matrices))
	for _, key := range sortedKeys(matrices) {
		m := matrices[key]
		e, ok := entries[key]
		if !ok {
			return fmt.Errorf("snapshot %s is missing %s", path, key)
		}
		if e.Rows != m.Rows || e.Cols != m.Cols {
			return fmt.Errorf("snapshot %s: %s is %dx%d, model expects %dx%d",
				path, key, e.Rows, e.Cols, m.Rows, m.Cols)
		}
		buf := cache.GetBig(nil, []byte(key))
		if xxhash.Sum64(buf) != e.Checksum {
			return fmt.Errorf("snapshot %s: checksum mismatch for %s", path, key)
		}
		if len(buf) != 8*len(m.Data) {
			return fmt.Errorf("snapshot %s: %s holds %d bytes, expected %d", path, key, len(buf), 8*len(m.Data))
		}
		payloads[key] = buf
	}
	for key, buf := range payloads {
		if err := decodeFloats(matrices[key].Data, buf); err != nil {
			return fmt.Errorf("snapshot %s: %s: %w", path, key, err)
		}
	}
	if st.Optimizer != nil {
		st.Optimizer.T = man.AdamT
	}
	st.Step = man.Step
	st.Metric = man.Metric
	return nil
}
