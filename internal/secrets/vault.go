// Package secrets holds the credentials forwarded into worker containers.
// Values are reloadable at runtime and can be masked out of worker output.
package secrets

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

// minRedactLen is the shortest value RedactString replaces. Shorter values
// would match ordinary text.
const minRedactLen = 4

// Loader retrieves credential values from a source.
type Loader func() (map[string]string, error)

// Vault holds credential values in memory and supports atomic reloading.
type Vault struct {
	mu       sync.RWMutex
	values   map[string]string
	replacer *strings.Replacer
	loader   Loader
}

// NewVault creates a Vault, calling the loader once to populate initial values.
func NewVault(loader Loader) (*Vault, error) {
	v := &Vault{loader: loader}
	if err := v.load(); err != nil {
		return nil, fmt.Errorf("initial credential load: %w", err)
	}
	return v, nil
}

// Get returns the value for key, or "" when unset. Its signature matches
// os.Getenv so a Vault can stand in as a worker backend's credential lookup.
func (v *Vault) Get(key string) string {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.values[key]
}

// Keys returns the names of all loaded credentials, sorted.
func (v *Vault) Keys() []string {
	v.mu.RLock()
	defer v.mu.RUnlock()
	keys := make([]string, 0, len(v.values))
	for k := range v.values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Reload calls the loader and swaps in the new values atomically.
// If the loader returns an error, existing values are preserved.
func (v *Vault) Reload() error {
	if err := v.load(); err != nil {
		return fmt.Errorf("reload credentials: %w", err)
	}
	return nil
}

// Redacted returns the masked form of a single credential: the first two
// characters followed by "****", or "****" alone for short values.
func (v *Vault) Redacted(key string) string {
	val := v.Get(key)
	if val == "" {
		return ""
	}
	return mask(val)
}

// RedactString replaces every loaded credential value in s with its masked
// form.
func (v *Vault) RedactString(s string) string {
	v.mu.RLock()
	r := v.replacer
	v.mu.RUnlock()
	if r == nil || s == "" {
		return s
	}
	return r.Replace(s)
}

func (v *Vault) load() error {
	vals, err := v.loader()
	if err != nil {
		return err
	}
	if vals == nil {
		vals = map[string]string{}
	}

	// Longest values first so a credential containing another is masked whole.
	secretVals := make([]string, 0, len(vals))
	for _, val := range vals {
		if len(val) >= minRedactLen {
			secretVals = append(secretVals, val)
		}
	}
	sort.Slice(secretVals, func(i, j int) bool { return len(secretVals[i]) > len(secretVals[j]) })

	var replacer *strings.Replacer
	if len(secretVals) > 0 {
		pairs := make([]string, 0, 2*len(secretVals))
		for _, val := range secretVals {
			pairs = append(pairs, val, mask(val))
		}
		replacer = strings.NewReplacer(pairs...)
	}

	v.mu.Lock()
	v.values = vals
	v.replacer = replacer
	v.mu.Unlock()
	return nil
}

func mask(val string) string {
	if len(val) <= minRedactLen {
		return "****"
	}
	return val[:2] + "****"
}
