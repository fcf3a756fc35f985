// Package catalog describes the bacterial families the detector reports.
package catalog

import (
	"bytes"
	_ "embed"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/pome-analysis/backend/internal/models"
	"gopkg.in/yaml.v3"
)

//go:embed categories.yaml
var defaultCatalog []byte

// Category is one detectable bacterial family.
type Category struct {
	Key         string `yaml:"key" json:"key"`
	Name        string `yaml:"name" json:"name"`
	Color       string `yaml:"color,omitempty" json:"color,omitempty"`
	Description string `yaml:"description" json:"description"`
	Taxonomy    string `yaml:"taxonomy" json:"taxonomy"`
	Function    string `yaml:"function" json:"function"`
}

// Catalog is an ordered, case-insensitively indexed set of categories.
type Catalog struct {
	categories []Category
	index      map[string]int
}

type catalogFile struct {
	Categories []Category `yaml:"categories"`
}

// Default returns the catalog compiled into the binary.
func Default() (*Catalog, error) {
	return Parse(bytes.NewReader(defaultCatalog))
}

// Load reads a catalog from a YAML file.
func Load(filePath string) (*Catalog, error) {
	file, err := os.Open(filePath)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	return Parse(file)
}

// Parse reads a catalog from r.
func Parse(r io.Reader) (*Catalog, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}

	var f catalogFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parsing catalog: %w", err)
	}

	c := &Catalog{index: make(map[string]int, 2*len(f.Categories))}
	for _, cat := range f.Categories {
		if cat.Name == "" {
			return nil, fmt.Errorf("parsing catalog: category %q has no name", cat.Key)
		}
		if cat.Key == "" {
			cat.Key = strings.ToLower(cat.Name)
		}
		if _, dup := c.index[strings.ToLower(cat.Key)]; dup {
			return nil, fmt.Errorf("parsing catalog: duplicate category %q", cat.Key)
		}
		c.categories = append(c.categories, cat)
		i := len(c.categories) - 1
		c.index[strings.ToLower(cat.Key)] = i
		c.index[strings.ToLower(cat.Name)] = i
	}
	return c, nil
}

// All returns the categories in file order.
func (c *Catalog) All() []Category {
	return append([]Category(nil), c.categories...)
}

// Lookup finds a category by key or name, ignoring case.
func (c *Catalog) Lookup(name string) (Category, bool) {
	i, ok := c.index[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return Category{}, false
	}
	return c.categories[i], true
}

// Row is a distribution entry labelled with its catalog category, if known.
type Row struct {
	models.CategoryShare
	Category *Category `json:"category,omitempty"`
}

// Label attaches catalog entries to an outcome's distribution.
func (c *Catalog) Label(shares []models.CategoryShare) []Row {
	rows := make([]Row, 0, len(shares))
	for _, share := range shares {
		row := Row{CategoryShare: share}
		if cat, ok := c.Lookup(share.Name); ok {
			row.Category = &cat
		}
		rows = append(rows, row)
	}
	return rows
}
