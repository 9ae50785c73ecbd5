package schema

import (
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/dgraph-io/ristretto"
	"github.com/rs/zerolog"

	"github.com/ehr/hl7struct/internal/platform/hl7v2/structure"
)

const (
	// Generic is the structure used for message types nobody registered.
	Generic = "GENERIC"

	// DefaultCacheSize is the number of compiled structures kept in memory.
	DefaultCacheSize = 256
)

// ErrUnknownStructure is returned when no definition matches a name or
// message type.
var ErrUnknownStructure = errors.New("schema: unknown message structure")

//go:embed definitions/*.yaml
var builtin embed.FS

// Registry resolves message types to compiled structure definitions.
// Compiled definitions are cached; a cache miss recompiles from the
// registered YAML. A Registry is safe for concurrent use.
type Registry struct {
	mu      sync.RWMutex
	files   map[string]*File
	aliases map[string]string
	cache   *ristretto.Cache
	logger  zerolog.Logger
}

// NewRegistry creates an empty registry caching up to cacheSize compiled
// structures.
func NewRegistry(cacheSize int64, logger zerolog.Logger) (*Registry, error) {
	if cacheSize <= 0 {
		cacheSize = DefaultCacheSize
	}
	cache, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: cacheSize * 10,
		MaxCost:     cacheSize,
		BufferItems: 64,
		// MaxCost counts structures, not bytes
		IgnoreInternalCost: true,
	})
	if err != nil {
		return nil, fmt.Errorf("schema: create cache: %w", err)
	}
	return &Registry{
		files:   make(map[string]*File),
		aliases: make(map[string]string),
		cache:   cache,
		logger:  logger,
	}, nil
}

// NewDefaultRegistry creates a registry holding the built-in structures.
func NewDefaultRegistry(cacheSize int64, logger zerolog.Logger) (*Registry, error) {
	r, err := NewRegistry(cacheSize, logger)
	if err != nil {
		return nil, err
	}
	if err := r.LoadBuiltin(); err != nil {
		r.Close()
		return nil, err
	}
	return r, nil
}

// Close releases the cache.
func (r *Registry) Close() {
	r.cache.Close()
}

// LoadBuiltin registers the embedded definitions.
func (r *Registry) LoadBuiltin() error {
	entries, err := fs.ReadDir(builtin, "definitions")
	if err != nil {
		return fmt.Errorf("schema: read built-in definitions: %w", err)
	}
	for _, e := range entries {
		data, err := fs.ReadFile(builtin, path.Join("definitions", e.Name()))
		if err != nil {
			return fmt.Errorf("schema: read %s: %w", e.Name(), err)
		}
		f, err := Parse(data)
		if err != nil {
			return fmt.Errorf("schema: built-in %s: %w", e.Name(), err)
		}
		if err := r.Register(f); err != nil {
			return err
		}
	}
	return nil
}

// LoadDir registers every *.yaml and *.yml file in dir, in name order, and
// returns how many were loaded. Later files replace earlier structures of the
// same name, including built-ins.
func (r *Registry) LoadDir(dir string) (int, error) {
	var paths []string
	for _, pattern := range []string{"*.yaml", "*.yml"} {
		matches, err := filepath.Glob(filepath.Join(dir, pattern))
		if err != nil {
			return 0, fmt.Errorf("schema: glob %s: %w", dir, err)
		}
		paths = append(paths, matches...)
	}
	sort.Strings(paths)

	for i, p := range paths {
		f, err := LoadFile(p)
		if err != nil {
			return i, err
		}
		if err := r.Register(f); err != nil {
			return i, err
		}
	}
	return len(paths), nil
}

// Register adds or replaces a structure definition.
func (r *Registry) Register(f *File) error {
	if err := f.Validate(); err != nil {
		return err
	}

	r.mu.Lock()
	r.files[f.Name] = f
	for _, alias := range f.Aliases {
		r.aliases[alias] = f.Name
	}
	// aliases may point at the replaced structure. Clearing under the write
	// lock drops any set a concurrent Lookup made from the old file.
	r.cache.Clear()
	r.mu.Unlock()

	r.logger.Debug().
		Str("structure", f.Name).
		Strs("aliases", f.Aliases).
		Msg("registered message structure")
	return nil
}

// Names returns the registered structure names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.files))
	for name := range r.files {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Aliases returns a copy of the alias table.
func (r *Registry) Aliases() map[string]string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]string, len(r.aliases))
	for k, v := range r.aliases {
		out[k] = v
	}
	return out
}

// Lookup returns the compiled definition registered under name or under an
// alias of it.
func (r *Registry) Lookup(name string) (*structure.Definition, error) {
	if v, ok := r.cache.Get(name); ok {
		return v.(*structure.Definition), nil
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	f, ok := r.files[name]
	if !ok {
		if target, isAlias := r.aliases[name]; isAlias {
			f, ok = r.files[target]
		}
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownStructure, name)
	}

	// set under the read lock so Register cannot clear in between
	def := f.Compile()
	r.cache.Set(name, def, 1)
	return def, nil
}

// Resolve maps an MSH-9 message type to a structure. MSH-9.3 wins when
// present, then TYPE_TRIGGER (also through aliases), then the bare message
// type, so "ACK^A01" resolves to ACK.
func (r *Registry) Resolve(messageType string) (*structure.Definition, error) {
	for _, name := range candidates(messageType) {
		def, err := r.Lookup(name)
		if err == nil {
			return def, nil
		}
		if !errors.Is(err, ErrUnknownStructure) {
			return nil, err
		}
	}
	return nil, fmt.Errorf("%w: message type %q", ErrUnknownStructure, messageType)
}

func candidates(messageType string) []string {
	parts := strings.Split(strings.TrimSpace(messageType), "^")
	var out []string
	if len(parts) >= 3 && parts[2] != "" {
		out = append(out, parts[2])
	}
	if len(parts) >= 2 && parts[0] != "" && parts[1] != "" {
		out = append(out, parts[0]+"_"+parts[1])
	}
	if parts[0] != "" {
		out = append(out, parts[0])
	}
	return out
}
