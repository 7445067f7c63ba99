package plugin

import (
	"fmt"
	"sort"
	"strings"

	"github.com/spf13/viper"
)

// Configuration keys recognized by the descriptor cache.
const (
	// ClassnameKey names the implementation id of a declared entry.
	ClassnameKey = "classname"

	// SearchPathsKey lists implementation namespaces, either globally under
	// GlobalSearchPathsKey or per radix as "<radix>.search_paths".
	SearchPathsKey = "search_paths"

	// GlobalSearchPathsKey lists implementation namespaces for every radix.
	GlobalSearchPathsKey = "plugin.search_paths"
)

// Descriptor is one declared plugin entry.
type Descriptor struct {
	// Name is the short name the entry was declared under.
	Name string

	// Classname is the implementation id to resolve.
	Classname string

	// Config is the entry's private configuration sub-tree. Never nil.
	Config *viper.Viper
}

// Descriptors is the parsed view of one configuration radix.
//
// It is built once and read-only afterwards.
type Descriptors struct {
	radix   string
	entries map[string]Descriptor
	skipped []string

	radixPaths  []string
	globalPaths []string
}

// searchPaths picks search_paths out of a section beside its entries.
type searchPaths struct {
	SearchPaths []string `mapstructure:"search_paths"`
}

// LoadDescriptors scans root for entries shaped "<radix>.<name>.classname".
//
// root must keep the declared case of its keys: entry names are matched
// exactly, so "CSV" and "csv" are two entries. Radix segments and the
// classname key are matched exactly first, then ignoring case. Entries
// without a classname are skipped rather than rejected; Skipped reports
// them. A nil root or a missing radix yields an empty set.
func LoadDescriptors(root map[string]any, radix string) (*Descriptors, error) {
	d := &Descriptors{
		radix:   radix,
		entries: make(map[string]Descriptor),
	}
	if root == nil {
		return d, nil
	}

	if plugin, ok := lookupMap(root, "plugin"); ok {
		var global searchPaths
		if err := DecodeMap(plugin, &global); err != nil {
			return nil, fmt.Errorf("%s: %w", GlobalSearchPathsKey, err)
		}
		d.globalPaths = cleanPaths(global.SearchPaths)
	}

	section, ok := lookupPath(root, radix)
	if !ok {
		return d, nil
	}
	var local searchPaths
	if err := DecodeMap(section, &local); err != nil {
		return nil, fmt.Errorf("%s.%s: %w", radix, SearchPathsKey, err)
	}
	d.radixPaths = cleanPaths(local.SearchPaths)

	for name, raw := range section {
		entry, ok := raw.(map[string]any)
		if !ok {
			// search_paths and other scalar settings live beside the entries.
			continue
		}
		classname := ""
		if v, ok := lookupKey(entry, ClassnameKey); ok && v != nil {
			classname = strings.TrimSpace(fmt.Sprint(v))
		}
		if classname == "" {
			d.skipped = append(d.skipped, name)
			continue
		}
		cfg := viper.New()
		if err := cfg.MergeConfigMap(entry); err != nil {
			return nil, fmt.Errorf("%s.%s: %w", radix, name, err)
		}
		d.entries[name] = Descriptor{Name: name, Classname: classname, Config: cfg}
	}
	sort.Strings(d.skipped)

	return d, nil
}

// lookupPath walks a dotted path of nested maps.
func lookupPath(root map[string]any, path string) (map[string]any, bool) {
	cur := root
	for _, seg := range strings.Split(path, ".") {
		next, ok := lookupMap(cur, seg)
		if !ok {
			return nil, false
		}
		cur = next
	}
	return cur, true
}

func lookupMap(m map[string]any, key string) (map[string]any, bool) {
	v, ok := lookupKey(m, key)
	if !ok {
		return nil, false
	}
	sub, ok := v.(map[string]any)
	return sub, ok
}

// lookupKey prefers the exact key and falls back to the first key equal
// under case folding, in sorted order.
func lookupKey(m map[string]any, key string) (any, bool) {
	if v, ok := m[key]; ok {
		return v, true
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		if strings.EqualFold(k, key) {
			keys = append(keys, k)
		}
	}
	if len(keys) == 0 {
		return nil, false
	}
	sort.Strings(keys)
	return m[keys[0]], true
}

// Radix returns the configuration radix these descriptors came from.
func (d *Descriptors) Radix() string {
	return d.radix
}

// Names returns the declared short names, sorted.
func (d *Descriptors) Names() []string {
	names := make([]string, 0, len(d.entries))
	for name := range d.entries {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Lookup returns the descriptor declared under name. Lookup is exact.
func (d *Descriptors) Lookup(name string) (Descriptor, bool) {
	desc, ok := d.entries[name]
	return desc, ok
}

// Skipped returns names that were declared without a classname.
func (d *Descriptors) Skipped() []string {
	return append([]string(nil), d.skipped...)
}

// SearchPaths returns the radix-scoped paths followed by the global ones.
func (d *Descriptors) SearchPaths() []string {
	out := make([]string, 0, len(d.radixPaths)+len(d.globalPaths))
	out = append(out, d.radixPaths...)
	out = append(out, d.globalPaths...)
	return out
}

func cleanPaths(in []string) []string {
	out := make([]string, 0, len(in))
	seen := make(map[string]struct{}, len(in))
	for _, p := range in {
		p = strings.TrimSuffix(strings.TrimSpace(p), ".")
		if p == "" {
			continue
		}
		if _, dup := seen[p]; dup {
			continue
		}
		seen[p] = struct{}{}
		out = append(out, p)
	}
	return out
}
