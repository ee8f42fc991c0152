package config

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/peycheff-com/titan-trading-system-sub008/internal/envelope"
)

// historyDirName is the hidden subdirectory holding one file per
// (type, key) pair.
const historyDirName = ".history"

// historyFile is the on-disk shape. Next survives pruning and clearing so
// version numbers are never reused.
type historyFile struct {
	Next     int             `json:"next"`
	Versions []ConfigVersion `json:"versions"`
}

// HistoryStore is the append-only version history backing the manager.
type HistoryStore struct {
	mu  sync.Mutex
	dir string
}

// NewHistoryStore creates the store rooted at <root>/.history.
func NewHistoryStore(root string) (*HistoryStore, error) {
	dir := filepath.Join(root, historyDirName)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("config: history dir: %w", err)
	}
	return &HistoryStore{dir: dir}, nil
}

func (h *HistoryStore) path(cfgType, key string) string {
	return filepath.Join(h.dir, cfgType+"_"+key+".json")
}

func (h *HistoryStore) read(cfgType, key string) (*historyFile, error) {
	data, err := os.ReadFile(h.path(cfgType, key))
	if err != nil {
		if os.IsNotExist(err) {
			return &historyFile{Next: 1}, nil
		}
		return nil, err
	}
	var hf historyFile
	if err := json.Unmarshal(data, &hf); err != nil {
		return nil, fmt.Errorf("config: history %s/%s: %w", cfgType, key, err)
	}
	if hf.Next == 0 {
		hf.Next = 1
	}
	return &hf, nil
}

func (h *HistoryStore) write(cfgType, key string, hf *historyFile) error {
	data, err := json.MarshalIndent(hf, "", "  ")
	if err != nil {
		return err
	}
	tmp := h.path(cfgType, key) + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, h.path(cfgType, key))
}

// payloadHash digests the canonical form of a payload so semantically
// equal payloads hash identically regardless of map iteration order.
func payloadHash(payload map[string]interface{}) string {
	cj, err := envelope.CanonicalJSON(payload)
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(cj)
	return hex.EncodeToString(sum[:])
}

// Append records a new version and returns it. Version numbers are
// strictly increasing per (type, key) and survive pruning.
func (h *HistoryStore) Append(cfgType, key string, payload map[string]interface{}, author, comment string, tags []string) (ConfigVersion, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	hf, err := h.read(cfgType, key)
	if err != nil {
		return ConfigVersion{}, err
	}
	v := ConfigVersion{
		Version:   hf.Next,
		Payload:   payload,
		Author:    author,
		Comment:   comment,
		Tags:      tags,
		Timestamp: time.Now().UTC(),
		Hash:      payloadHash(payload),
	}
	hf.Next++
	hf.Versions = append(hf.Versions, v)
	if err := h.write(cfgType, key, hf); err != nil {
		return ConfigVersion{}, err
	}
	return v, nil
}

// GetVersion fetches one version.
func (h *HistoryStore) GetVersion(cfgType, key string, version int) (ConfigVersion, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	hf, err := h.read(cfgType, key)
	if err != nil {
		return ConfigVersion{}, err
	}
	for _, v := range hf.Versions {
		if v.Version == version {
			return v, nil
		}
	}
	return ConfigVersion{}, fmt.Errorf("%w: %s/%s v%d", ErrVersionNotFound, cfgType, key, version)
}

// GetAllVersions returns the full retained history, oldest first.
func (h *HistoryStore) GetAllVersions(cfgType, key string) ([]ConfigVersion, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	hf, err := h.read(cfgType, key)
	if err != nil {
		return nil, err
	}
	out := make([]ConfigVersion, len(hf.Versions))
	copy(out, hf.Versions)
	return out, nil
}

// Latest returns the newest retained version, ok=false for empty history.
func (h *HistoryStore) Latest(cfgType, key string) (ConfigVersion, bool, error) {
	all, err := h.GetAllVersions(cfgType, key)
	if err != nil || len(all) == 0 {
		return ConfigVersion{}, false, err
	}
	return all[len(all)-1], true, nil
}

// SearchQuery filters versions. Zero fields match everything.
type SearchQuery struct {
	Author  string
	Tags    []string // any-of
	From    time.Time
	To      time.Time
	Comment string // substring, case-insensitive
}

// SearchVersions returns the versions matching the query, oldest first.
func (h *HistoryStore) SearchVersions(cfgType, key string, q SearchQuery) ([]ConfigVersion, error) {
	all, err := h.GetAllVersions(cfgType, key)
	if err != nil {
		return nil, err
	}
	var out []ConfigVersion
	for _, v := range all {
		if q.Author != "" && v.Author != q.Author {
			continue
		}
		if len(q.Tags) > 0 && !hasAnyTag(v.Tags, q.Tags) {
			continue
		}
		if !q.From.IsZero() && v.Timestamp.Before(q.From) {
			continue
		}
		if !q.To.IsZero() && v.Timestamp.After(q.To) {
			continue
		}
		if q.Comment != "" && !strings.Contains(strings.ToLower(v.Comment), strings.ToLower(q.Comment)) {
			continue
		}
		out = append(out, v)
	}
	return out, nil
}

func hasAnyTag(have, want []string) bool {
	for _, w := range want {
		for _, t := range have {
			if t == w {
				return true
			}
		}
	}
	return false
}

// DiffKind classifies one structural difference.
type DiffKind string

const (
	DiffAdded   DiffKind = "added"
	DiffRemoved DiffKind = "removed"
	DiffChanged DiffKind = "changed"
)

// DiffEntry describes one difference at a dotted path.
type DiffEntry struct {
	Path string      `json:"path"`
	Kind DiffKind    `json:"kind"`
	Old  interface{} `json:"old,omitempty"`
	New  interface{} `json:"new,omitempty"`
}

// CompareVersions produces the structural diff from v1 to v2.
func (h *HistoryStore) CompareVersions(cfgType, key string, v1, v2 int) ([]DiffEntry, error) {
	a, err := h.GetVersion(cfgType, key, v1)
	if err != nil {
		return nil, err
	}
	b, err := h.GetVersion(cfgType, key, v2)
	if err != nil {
		return nil, err
	}
	var out []DiffEntry
	diffMaps("", a.Payload, b.Payload, &out)
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out, nil
}

func diffMaps(prefix string, a, b map[string]interface{}, out *[]DiffEntry) {
	keys := map[string]struct{}{}
	for k := range a {
		keys[k] = struct{}{}
	}
	for k := range b {
		keys[k] = struct{}{}
	}
	for k := range keys {
		path := k
		if prefix != "" {
			path = prefix + "." + k
		}
		av, aok := a[k]
		bv, bok := b[k]
		switch {
		case !aok:
			*out = append(*out, DiffEntry{Path: path, Kind: DiffAdded, New: bv})
		case !bok:
			*out = append(*out, DiffEntry{Path: path, Kind: DiffRemoved, Old: av})
		default:
			am, amok := av.(map[string]interface{})
			bm, bmok := bv.(map[string]interface{})
			if amok && bmok {
				diffMaps(path, am, bm, out)
				continue
			}
			if !jsonEqual(av, bv) {
				*out = append(*out, DiffEntry{Path: path, Kind: DiffChanged, Old: av, New: bv})
			}
		}
	}
}

// jsonEqual compares values by canonical serialization, which tolerates
// the int/float and map-ordering differences the YAML/JSON round trips
// introduce.
func jsonEqual(a, b interface{}) bool {
	ca, err1 := envelope.CanonicalJSON(a)
	cb, err2 := envelope.CanonicalJSON(b)
	if err1 != nil || err2 != nil {
		return false
	}
	return string(ca) == string(cb)
}

// PruneHistory retains only the newest keepN versions. The Next counter is
// untouched so numbering never restarts.
func (h *HistoryStore) PruneHistory(cfgType, key string, keepN int) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	hf, err := h.read(cfgType, key)
	if err != nil {
		return err
	}
	if keepN < 0 {
		keepN = 0
	}
	if len(hf.Versions) > keepN {
		hf.Versions = append([]ConfigVersion(nil), hf.Versions[len(hf.Versions)-keepN:]...)
	}
	return h.write(cfgType, key, hf)
}

// ClearHistory drops all retained versions, preserving the counter.
func (h *HistoryStore) ClearHistory(cfgType, key string) error {
	return h.PruneHistory(cfgType, key, 0)
}

// exportFile is the portable dump shape for Export/Import.
type exportFile struct {
	ExportedAt time.Time              `json:"exported_at"`
	Histories  map[string]historyFile `json:"histories"` // "<type>_<key>"
}

// ExportHistory writes every (type, key) history to one portable file.
func (h *HistoryStore) ExportHistory(path string) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	entries, err := os.ReadDir(h.dir)
	if err != nil {
		return err
	}
	dump := exportFile{ExportedAt: time.Now().UTC(), Histories: map[string]historyFile{}}
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(h.dir, e.Name()))
		if err != nil {
			return err
		}
		var hf historyFile
		if err := json.Unmarshal(data, &hf); err != nil {
			return fmt.Errorf("config: export %s: %w", e.Name(), err)
		}
		dump.Histories[strings.TrimSuffix(e.Name(), ".json")] = hf
	}
	data, err := json.MarshalIndent(dump, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

// ImportHistory loads a dump. With merge=false each imported history
// replaces the local one; with merge=true versions are unioned by number
// (local wins on conflict) and the counter advances past both sides.
func (h *HistoryStore) ImportHistory(path string, merge bool) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	var dump exportFile
	if err := json.Unmarshal(data, &dump); err != nil {
		return fmt.Errorf("config: import: %w", err)
	}

	for name, imported := range dump.Histories {
		cfgType, key, ok := strings.Cut(name, "_")
		if !ok {
			continue
		}
		if !merge {
			imp := imported
			if err := h.write(cfgType, key, &imp); err != nil {
				return err
			}
			continue
		}
		local, err := h.read(cfgType, key)
		if err != nil {
			return err
		}
		byVersion := map[int]ConfigVersion{}
		for _, v := range imported.Versions {
			byVersion[v.Version] = v
		}
		for _, v := range local.Versions {
			byVersion[v.Version] = v
		}
		versions := make([]ConfigVersion, 0, len(byVersion))
		for _, v := range byVersion {
			versions = append(versions, v)
		}
		sort.Slice(versions, func(i, j int) bool { return versions[i].Version < versions[j].Version })
		next := local.Next
		if imported.Next > next {
			next = imported.Next
		}
		if n := len(versions); n > 0 && versions[n-1].Version >= next {
			next = versions[n-1].Version + 1
		}
		if err := h.write(cfgType, key, &historyFile{Next: next, Versions: versions}); err != nil {
			return err
		}
	}
	return nil
}
