// Package catalog provides the read-only hierarchical chart of accounts.
package catalog

import (
	"bytes"
	_ "embed"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"github.com/Veraticus/the-books-must-balance/internal/common"
	"gopkg.in/yaml.v3"
)

//go:embed catalog.yaml
var defaultCatalog []byte

// Level is the depth of a code in the hierarchy.
type Level int

// Hierarchy levels.
const (
	LevelFamily Level = iota + 1
	LevelSubfamily
	LevelAccount
)

func (l Level) String() string {
	switch l {
	case LevelFamily:
		return "family"
	case LevelSubfamily:
		return "subfamily"
	case LevelAccount:
		return "account"
	default:
		return fmt.Sprintf("level(%d)", int(l))
	}
}

// ErrInvalidCatalog reports a catalog file that fails validation.
var ErrInvalidCatalog = errors.New("invalid catalog")

// Entry is one node of the catalog.
type Entry struct {
	Code        string
	Name        string
	Description string
	Parent      string
	Keys        []string
	Level       Level
}

// Catalog is an immutable, validated chart of accounts.
type Catalog struct {
	entries  map[string]Entry
	children map[string][]string
	version  string
	families []string
}

type fileAccount struct {
	Code        string   `yaml:"code"`
	Name        string   `yaml:"name"`
	Description string   `yaml:"description"`
	Keys        []string `yaml:"keys"`
}

type fileSubfamily struct {
	Code     string        `yaml:"code"`
	Name     string        `yaml:"name"`
	Accounts []fileAccount `yaml:"accounts"`
}

type fileFamily struct {
	Code        string          `yaml:"code"`
	Name        string          `yaml:"name"`
	Subfamilies []fileSubfamily `yaml:"subfamilies"`
}

type file struct {
	Version  string       `yaml:"version"`
	Families []fileFamily `yaml:"families"`
}

// Default loads the embedded catalog.
func Default() (*Catalog, error) {
	return Load(bytes.NewReader(defaultCatalog))
}

// LoadFile loads a catalog from a YAML file.
func LoadFile(path string) (*Catalog, error) {
	f, err := os.Open(path) //nolint:gosec // path comes from operator configuration
	if err != nil {
		return nil, fmt.Errorf("failed to open catalog: %w", err)
	}
	defer func() { _ = f.Close() }()
	return Load(f)
}

// Load parses and validates a catalog.
func Load(r io.Reader) (*Catalog, error) {
	var doc file
	decoder := yaml.NewDecoder(r)
	decoder.KnownFields(true)
	if err := decoder.Decode(&doc); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidCatalog, err)
	}

	c := &Catalog{
		entries:  make(map[string]Entry),
		children: make(map[string][]string),
		version:  doc.Version,
	}

	if len(doc.Families) == 0 {
		return nil, fmt.Errorf("%w: no families defined", ErrInvalidCatalog)
	}

	for _, fam := range doc.Families {
		if err := c.add(Entry{Code: fam.Code, Name: fam.Name, Level: LevelFamily}); err != nil {
			return nil, err
		}
		c.families = append(c.families, fam.Code)

		for _, sub := range fam.Subfamilies {
			if err := c.add(Entry{Code: sub.Code, Name: sub.Name, Level: LevelSubfamily, Parent: fam.Code}); err != nil {
				return nil, err
			}
			for _, acct := range sub.Accounts {
				entry := Entry{
					Code:        acct.Code,
					Name:        acct.Name,
					Description: acct.Description,
					Keys:        acct.Keys,
					Level:       LevelAccount,
					Parent:      sub.Code,
				}
				if err := c.add(entry); err != nil {
					return nil, err
				}
			}
		}
	}

	return c, nil
}

func (c *Catalog) add(e Entry) error {
	e.Code = strings.TrimSpace(e.Code)
	if e.Code == "" {
		return fmt.Errorf("%w: empty %s code", ErrInvalidCatalog, e.Level)
	}
	if strings.TrimSpace(e.Name) == "" {
		return fmt.Errorf("%w: %s %s has no name", ErrInvalidCatalog, e.Level, e.Code)
	}
	if _, dup := c.entries[e.Code]; dup {
		return fmt.Errorf("%w: duplicate code %s", ErrInvalidCatalog, e.Code)
	}
	if e.Parent != "" {
		if e.Code == e.Parent || !strings.HasPrefix(e.Code, e.Parent) {
			return fmt.Errorf("%w: %s %s is not prefixed by its parent %s", ErrInvalidCatalog, e.Level, e.Code, e.Parent)
		}
		c.children[e.Parent] = append(c.children[e.Parent], e.Code)
	}
	c.entries[e.Code] = e
	return nil
}

// Version returns the catalog version string.
func (c *Catalog) Version() string {
	return c.version
}

// Len returns the number of codes at every level.
func (c *Catalog) Len() int {
	return len(c.entries)
}

// Lookup returns the entry for a code.
func (c *Catalog) Lookup(code string) (Entry, bool) {
	e, ok := c.entries[strings.TrimSpace(code)]
	return e, ok
}

// Exists reports whether a code is in the catalog.
func (c *Catalog) Exists(code string) bool {
	_, ok := c.Lookup(code)
	return ok
}

// IsAccount reports whether a code is an account-level code.
func (c *Catalog) IsAccount(code string) bool {
	e, ok := c.Lookup(code)
	return ok && e.Level == LevelAccount
}

// Families returns the top-level families in catalog order.
func (c *Catalog) Families() []Entry {
	out := make([]Entry, 0, len(c.families))
	for _, code := range c.families {
		out = append(out, c.entries[code])
	}
	return out
}

// Children returns the direct children of a code in catalog order.
func (c *Catalog) Children(code string) []Entry {
	codes := c.children[strings.TrimSpace(code)]
	out := make([]Entry, 0, len(codes))
	for _, child := range codes {
		out = append(out, c.entries[child])
	}
	return out
}

// Accounts returns every account-level entry whose code starts with prefix, sorted by code.
// An empty prefix returns all accounts.
func (c *Catalog) Accounts(prefix string) []Entry {
	var out []Entry
	for code, e := range c.entries {
		if e.Level == LevelAccount && strings.HasPrefix(code, prefix) {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Code < out[j].Code })
	return out
}

// Ancestry resolves the family and subfamily above an account code.
func (c *Catalog) Ancestry(code string) (family, subfamily, account string, err error) {
	e, ok := c.Lookup(code)
	if !ok {
		return "", "", "", fmt.Errorf("%w: %s", common.ErrUnknownCode, code)
	}
	switch e.Level {
	case LevelAccount:
		sub := c.entries[e.Parent]
		return sub.Parent, sub.Code, e.Code, nil
	case LevelSubfamily:
		return e.Parent, e.Code, "", nil
	default:
		return e.Code, "", "", nil
	}
}

// HasKey reports whether an account lists the given product/service key.
func (e Entry) HasKey(key string) bool {
	if key == "" {
		return false
	}
	for _, k := range e.Keys {
		if k == key {
			return true
		}
	}
	return false
}
