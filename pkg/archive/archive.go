package archive

import (
	"fmt"
	"path"
	"sort"
	"strings"

	"github.com/agenthands/autonet/pkg/core"
	"github.com/fxamacker/cbor/v2"
)

// CurrentVersion is the only archive version this package reads and writes.
const CurrentVersion = 1

// Metadata is what a file needs besides its bytes to be restored.
// Times are unix seconds; Mode holds permission bits only.
type Metadata struct {
	_        struct{} `cbor:",toarray"`
	Size     uint64
	Created  int64
	Modified int64
	Mode     uint32
}

// Entry points a path at stored content.
type Entry struct {
	_       struct{} `cbor:",toarray"`
	Path    string
	Address core.Address
	Meta    Metadata
}

// Archive maps relative slash-separated paths to content addresses.
type Archive struct {
	entries map[string]Entry
}

// New returns an empty Archive.
func New() *Archive {
	return &Archive{entries: make(map[string]Entry)}
}

// AddFile adds or replaces the entry at p.
func (a *Archive) AddFile(p string, addr core.Address, meta Metadata) error {
	clean, err := CleanPath(p)
	if err != nil {
		return err
	}
	a.entries[clean] = Entry{Path: clean, Address: addr, Meta: meta}
	return nil
}

// RenameFile moves the entry at from to to. The target must not exist.
func (a *Archive) RenameFile(from, to string) error {
	src, err := CleanPath(from)
	if err != nil {
		return err
	}
	dst, err := CleanPath(to)
	if err != nil {
		return err
	}
	e, ok := a.entries[src]
	if !ok {
		return fmt.Errorf("%w: %s not in archive", core.ErrNotFound, src)
	}
	if src == dst {
		return nil
	}
	if _, exists := a.entries[dst]; exists {
		return fmt.Errorf("%w: %s already in archive", core.ErrInvalidInput, dst)
	}
	delete(a.entries, src)
	e.Path = dst
	a.entries[dst] = e
	return nil
}

// RemoveFile drops the entry at p.
func (a *Archive) RemoveFile(p string) error {
	clean, err := CleanPath(p)
	if err != nil {
		return err
	}
	if _, ok := a.entries[clean]; !ok {
		return fmt.Errorf("%w: %s not in archive", core.ErrNotFound, clean)
	}
	delete(a.entries, clean)
	return nil
}

// Lookup returns the entry at p.
func (a *Archive) Lookup(p string) (Entry, bool) {
	clean, err := CleanPath(p)
	if err != nil {
		return Entry{}, false
	}
	e, ok := a.entries[clean]
	return e, ok
}

// Files returns all entries sorted by path.
func (a *Archive) Files() []Entry {
	out := make([]Entry, 0, len(a.entries))
	for _, e := range a.entries {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out
}

// Addresses returns the distinct content addresses in path order.
func (a *Archive) Addresses() []core.Address {
	seen := make(map[core.Address]struct{}, len(a.entries))
	var out []core.Address
	for _, e := range a.Files() {
		if _, ok := seen[e.Address]; ok {
			continue
		}
		seen[e.Address] = struct{}{}
		out = append(out, e.Address)
	}
	return out
}

// Map returns a copy of the entries keyed by path.
func (a *Archive) Map() map[string]Entry {
	out := make(map[string]Entry, len(a.entries))
	for p, e := range a.entries {
		out[p] = e
	}
	return out
}

// Len is the number of entries.
func (a *Archive) Len() int { return len(a.entries) }

// CleanPath normalizes p to a relative slash-separated path. Absolute paths,
// parent references and empty paths are rejected.
func CleanPath(p string) (string, error) {
	if p == "" {
		return "", fmt.Errorf("%w: empty path", core.ErrInvalidInput)
	}
	if strings.ContainsRune(p, 0) {
		return "", fmt.Errorf("%w: path contains NUL", core.ErrInvalidInput)
	}
	if strings.HasPrefix(p, "/") {
		return "", fmt.Errorf("%w: absolute path %q", core.ErrInvalidInput, p)
	}
	for _, seg := range strings.Split(p, "/") {
		if seg == ".." {
			return "", fmt.Errorf("%w: parent reference in %q", core.ErrInvalidInput, p)
		}
	}
	clean := path.Clean(p)
	if clean == "." {
		return "", fmt.Errorf("%w: path %q names no file", core.ErrInvalidInput, p)
	}
	return clean, nil
}

type wire struct {
	Version uint16  `cbor:"v"`
	Entries []Entry `cbor:"entries"`
}

// Codec serializes archives deterministically.
type Codec struct {
	maxEntries int
	encMode    cbor.EncMode
	decMode    cbor.DecMode
}

// NewCodec returns a Codec accepting up to limits.MaxArchiveEntries entries.
func NewCodec(limits core.LimitsConfig) *Codec {
	em, _ := cbor.CanonicalEncOptions().EncMode()

	maxElems := limits.MaxArchiveEntries
	if maxElems < 16 {
		maxElems = 16
	}
	dm, _ := cbor.DecOptions{
		MaxArrayElements: maxElems,
		DupMapKey:        cbor.DupMapKeyEnforcedAPF,
	}.DecMode()

	return &Codec{maxEntries: limits.MaxArchiveEntries, encMode: em, decMode: dm}
}

// Serialize encodes a with entries sorted by path.
func (c *Codec) Serialize(a *Archive) ([]byte, error) {
	if c.maxEntries > 0 && a.Len() > c.maxEntries {
		return nil, fmt.Errorf("%w: %d entries exceed limit %d", core.ErrTooLarge, a.Len(), c.maxEntries)
	}
	entries := a.Files()
	if entries == nil {
		entries = []Entry{}
	}
	return c.encMode.Marshal(wire{Version: CurrentVersion, Entries: entries})
}

// Deserialize decodes b. Entries must be valid, unique and sorted by path.
func (c *Codec) Deserialize(b []byte) (*Archive, error) {
	var w wire
	if err := c.decMode.Unmarshal(b, &w); err != nil {
		return nil, fmt.Errorf("%w: failed to unmarshal archive: %v", core.ErrCorrupt, err)
	}
	if w.Version != CurrentVersion {
		return nil, fmt.Errorf("%w: unsupported archive version %d", core.ErrCorrupt, w.Version)
	}
	if c.maxEntries > 0 && len(w.Entries) > c.maxEntries {
		return nil, fmt.Errorf("%w: %d entries exceed limit %d", core.ErrCorrupt, len(w.Entries), c.maxEntries)
	}

	a := New()
	for i, e := range w.Entries {
		clean, err := CleanPath(e.Path)
		if err != nil || clean != e.Path {
			return nil, fmt.Errorf("%w: invalid path %q", core.ErrCorrupt, e.Path)
		}
		if i > 0 && w.Entries[i-1].Path >= e.Path {
			return nil, fmt.Errorf("%w: entries unsorted or duplicated at %q", core.ErrCorrupt, e.Path)
		}
		a.entries[e.Path] = e
	}
	return a, nil
}

var defaultCodec = NewCodec(core.DefaultConfig().Limits)

// Serialize encodes a with the default limits.
func Serialize(a *Archive) ([]byte, error) { return defaultCodec.Serialize(a) }

// Deserialize decodes b with the default limits.
func Deserialize(b []byte) (*Archive, error) { return defaultCodec.Deserialize(b) }
