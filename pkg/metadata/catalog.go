// Package metadata holds the point catalog: which points exist, which
// store owns each of them and who may read or write them.
package metadata

import (
	"fmt"
	"os"
	"sort"
	"sync"
	"sync/atomic"

	"gopkg.in/yaml.v3"

	"github.com/vjranagit/historian/pkg/types"
)

// Point describes one catalog entry.
type Point struct {
	UUID  types.PointRef `yaml:"uuid" json:"uuid"`
	Name  string         `yaml:"name" json:"name"`
	Store string         `yaml:"store" json:"store"`
	// Readers and Writers restrict access; an empty list allows everyone.
	Readers []string `yaml:"readers,omitempty" json:"readers,omitempty"`
	Writers []string `yaml:"writers,omitempty" json:"writers,omitempty"`
	// NullRemoves turns updates without a value into deletes.
	NullRemoves bool `yaml:"null_removes,omitempty" json:"null_removes,omitempty"`
}

// Resolver looks up catalog points.
type Resolver interface {
	Point(ref types.PointRef) (*Point, bool)
}

// File is the on-disk catalog document.
type File struct {
	Points []*Point `yaml:"points"`
}

// Snapshot is one catalog generation. It never changes once built.
type Snapshot struct {
	generation uint64
	// point UUID -> point
	points map[types.PointRef]*Point
	// point name -> point UUID
	names map[string]types.PointRef
	// store name -> point UUIDs
	storeIndex map[string][]types.PointRef
}

// NewSnapshot validates points and indexes them.
func NewSnapshot(points []*Point) (*Snapshot, error) {
	s := &Snapshot{
		points:     make(map[types.PointRef]*Point, len(points)),
		names:      make(map[string]types.PointRef, len(points)),
		storeIndex: make(map[string][]types.PointRef),
	}

	for i, p := range points {
		if p == nil {
			continue
		}
		if p.UUID.IsZero() {
			return nil, fmt.Errorf("catalog point %d (%q) has no uuid", i, p.Name)
		}
		if _, exists := s.points[p.UUID]; exists {
			return nil, fmt.Errorf("duplicate catalog point %s", p.UUID)
		}
		if p.Name != "" {
			if other, exists := s.names[p.Name]; exists {
				return nil, fmt.Errorf("catalog point name %q used by %s and %s", p.Name, other, p.UUID)
			}
			s.names[p.Name] = p.UUID
		}
		s.points[p.UUID] = p
		s.storeIndex[p.Store] = append(s.storeIndex[p.Store], p.UUID)
	}

	for _, refs := range s.storeIndex {
		sort.Slice(refs, func(i, j int) bool { return refs[i].Compare(refs[j]) < 0 })
	}
	return s, nil
}

// Generation numbers the Replace call that installed the snapshot.
func (s *Snapshot) Generation() uint64 {
	return s.generation
}

// Point returns the catalog entry of ref.
func (s *Snapshot) Point(ref types.PointRef) (*Point, bool) {
	p, ok := s.points[ref]
	return p, ok
}

// PointByName returns the catalog entry named name.
func (s *Snapshot) PointByName(name string) (*Point, bool) {
	ref, ok := s.names[name]
	if !ok {
		return nil, false
	}
	return s.points[ref], true
}

// OwningStore returns the name of the store holding ref.
func (s *Snapshot) OwningStore(ref types.PointRef) (string, bool) {
	p, ok := s.points[ref]
	if !ok || p.Store == "" {
		return "", false
	}
	return p.Store, true
}

// StorePoints returns the points owned by store, ordered by UUID.
func (s *Snapshot) StorePoints(store string) []types.PointRef {
	refs := s.storeIndex[store]
	out := make([]types.PointRef, len(refs))
	copy(out, refs)
	return out
}

// Stores returns the names of the stores that own at least one point.
func (s *Snapshot) Stores() []string {
	var stores []string
	for name := range s.storeIndex {
		if name != "" {
			stores = append(stores, name)
		}
	}
	sort.Strings(stores)
	return stores
}

// Len returns the number of points.
func (s *Snapshot) Len() int {
	return len(s.points)
}

// Catalog is the in-memory point catalog. Replace swaps the whole content,
// so readers see either the previous or the next snapshot, never a mix.
type Catalog struct {
	// replaceMu serializes Replace calls.
	replaceMu sync.Mutex
	current   atomic.Pointer[Snapshot]

	listenersMu sync.Mutex
	listeners   []func(*Catalog)
}

// NewCatalog creates a catalog holding points.
func NewCatalog(points ...*Point) (*Catalog, error) {
	c := &Catalog{}
	if err := c.Replace(points); err != nil {
		return nil, err
	}
	return c, nil
}

// LoadFile reads a YAML catalog.
func LoadFile(path string) ([]*Point, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read catalog: %w", err)
	}
	return Parse(data)
}

// Parse decodes a YAML catalog document.
func Parse(data []byte) ([]*Point, error) {
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse catalog: %w", err)
	}
	return f.Points, nil
}

// Replace installs a new set of points and notifies listeners.
func (c *Catalog) Replace(points []*Point) error {
	next, err := NewSnapshot(points)
	if err != nil {
		return err
	}

	c.replaceMu.Lock()
	if prev := c.current.Load(); prev != nil {
		next.generation = prev.generation
	}
	next.generation++
	c.current.Store(next)
	c.replaceMu.Unlock()

	c.listenersMu.Lock()
	listeners := append([]func(*Catalog){}, c.listeners...)
	c.listenersMu.Unlock()
	for _, fn := range listeners {
		fn(c)
	}
	return nil
}

// OnChange registers fn to run after every Replace.
func (c *Catalog) OnChange(fn func(*Catalog)) {
	c.listenersMu.Lock()
	defer c.listenersMu.Unlock()
	c.listeners = append(c.listeners, fn)
}

// Snapshot returns the current content.
func (c *Catalog) Snapshot() *Snapshot {
	return c.current.Load()
}

// Generation increases with every Replace.
func (c *Catalog) Generation() uint64 {
	return c.Snapshot().Generation()
}

// Point returns the catalog entry of ref.
func (c *Catalog) Point(ref types.PointRef) (*Point, bool) {
	return c.Snapshot().Point(ref)
}

// PointByName returns the catalog entry named name.
func (c *Catalog) PointByName(name string) (*Point, bool) {
	return c.Snapshot().PointByName(name)
}

// OwningStore returns the name of the store holding ref.
func (c *Catalog) OwningStore(ref types.PointRef) (string, bool) {
	return c.Snapshot().OwningStore(ref)
}

// StorePoints returns the points owned by store, ordered by UUID.
func (c *Catalog) StorePoints(store string) []types.PointRef {
	return c.Snapshot().StorePoints(store)
}

// Stores returns the names of the stores that own at least one point.
func (c *Catalog) Stores() []string {
	return c.Snapshot().Stores()
}

// Len returns the number of points.
func (c *Catalog) Len() int {
	return c.Snapshot().Len()
}

// CanRead reports whether id may read the point.
func (p *Point) CanRead(id *types.Identity) bool {
	return allowed(p.Readers, id)
}

// CanWrite reports whether id may update the point.
func (p *Point) CanWrite(id *types.Identity) bool {
	return allowed(p.Writers, id)
}

func allowed(users []string, id *types.Identity) bool {
	if len(users) == 0 {
		return true
	}
	name := id.Name()
	for _, u := range users {
		if u == name || (u == "*" && name != "") {
			return true
		}
	}
	return false
}
