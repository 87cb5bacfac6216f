package config

import (
	"fmt"
	"net/url"
	"os"
	"path"
	"strconv"
	"strings"

	"sjsage522/listingworker/pkg/errors"

	"gopkg.in/yaml.v3"
)

// CatalogEntry is one catalog segment the crawler walks
type CatalogEntry struct {
	Segment          string `yaml:"segment"`
	Site             string `yaml:"site"`
	Manufacturer     string `yaml:"manufacturer"`
	Model            string `yaml:"model"`
	SearchURL        string `yaml:"searchUrl"`
	Page2URL         string `yaml:"page2Url"`
	MaxPages         int    `yaml:"maxPages"`
	ExpectedPageSize int    `yaml:"expectedPageSize"`
	MinYear          int    `yaml:"minYear"`
	Priority         int    `yaml:"priority"`
	Enabled          *bool  `yaml:"enabled"`
	Notes            string `yaml:"notes"`
}

// Catalog is the ordered list of segments to crawl
type Catalog struct {
	Entries []CatalogEntry `yaml:"segments"`
}

// LoadCatalog reads and validates a YAML catalog file
func LoadCatalog(file string) (*Catalog, error) {
	data, err := os.ReadFile(file)
	if err != nil {
		return nil, errors.NewConfiguration("read catalog "+file, err)
	}
	return ParseCatalog(data)
}

// ParseCatalog decodes a YAML catalog and applies defaults
func ParseCatalog(data []byte) (*Catalog, error) {
	var catalog Catalog
	if err := yaml.Unmarshal(data, &catalog); err != nil {
		return nil, errors.NewConfiguration("parse catalog", err)
	}
	if err := catalog.Validate(); err != nil {
		return nil, err
	}
	return &catalog, nil
}

// Validate checks entries and fills in defaults
func (c *Catalog) Validate() error {
	if len(c.Entries) == 0 {
		return errors.NewConfiguration("catalog has no segments", nil)
	}

	seen := make(map[string]bool, len(c.Entries))
	for i := range c.Entries {
		e := &c.Entries[i]
		if e.Segment == "" {
			return errors.NewConfiguration(fmt.Sprintf("catalog entry %d has no segment", i), nil)
		}
		if seen[e.Segment] {
			return errors.NewConfiguration("duplicate catalog segment "+e.Segment, nil)
		}
		seen[e.Segment] = true

		if _, err := parseAbsolute(e.SearchURL); err != nil {
			return errors.NewConfiguration("segment "+e.Segment+": invalid searchUrl", err)
		}
		if e.Page2URL != "" {
			if _, err := parseAbsolute(e.Page2URL); err != nil {
				return errors.NewConfiguration("segment "+e.Segment+": invalid page2Url", err)
			}
		}
		if e.Site == "" {
			e.Site = SiteCarSensor
		}
		if e.MaxPages <= 0 {
			e.MaxPages = 50
		}
		if e.ExpectedPageSize <= 0 {
			e.ExpectedPageSize = 30
		}
	}
	return nil
}

// Active returns enabled entries in file order
func (c *Catalog) Active() []CatalogEntry {
	active := make([]CatalogEntry, 0, len(c.Entries))
	for _, e := range c.Entries {
		if e.IsEnabled() {
			active = append(active, e)
		}
	}
	return active
}

// SiteCarSensor is the only site rule set shipped
const SiteCarSensor = "carsensor"

// IsEnabled treats a missing flag as enabled
func (e CatalogEntry) IsEnabled() bool {
	return e.Enabled == nil || *e.Enabled
}

// DisplayName is the human readable "<manufacturer> <model>" pair
func (e CatalogEntry) DisplayName() string {
	name := strings.TrimSpace(e.Manufacturer + " " + e.Model)
	if name == "" {
		return e.Segment
	}
	return name
}

// PageURL returns the search result URL for a 1-based page number.
// Page 2 uses page2Url when configured; later pages rewrite the
// indexN.html file name of page 2.
func (e CatalogEntry) PageURL(page int) string {
	if page <= 1 {
		return e.SearchURL
	}

	base := e.Page2URL
	if base == "" {
		base = e.SearchURL
	}

	u, err := url.Parse(base)
	if err != nil {
		return base
	}

	dir, file := path.Split(u.Path)
	if strings.HasPrefix(file, "index") && strings.HasSuffix(file, ".html") {
		file = "index" + strconv.Itoa(page) + ".html"
	} else {
		dir = strings.TrimSuffix(u.Path, "/") + "/"
		file = "index" + strconv.Itoa(page) + ".html"
	}
	u.Path = dir + file
	return u.String()
}

func parseAbsolute(raw string) (*url.URL, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, err
	}
	if u.Scheme != "http" && u.Scheme != "https" || u.Host == "" {
		return nil, fmt.Errorf("not an absolute http(s) url: %q", raw)
	}
	return u, nil
}
