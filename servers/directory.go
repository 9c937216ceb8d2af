// Package servers provides the server directory consumed by the connection
// controller. This file contains the Directory type which loads the
// country/city/server tree from disk.
package servers

import (
	"bytes"
	"fmt"
	"os"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

// City groups the servers of one city.
type City struct {
	Name    string   `json:"name" yaml:"name"`
	Code    string   `json:"code" yaml:"code"`
	Servers []Server `json:"servers" yaml:"servers"`
}

// Country groups cities.
type Country struct {
	Name   string `json:"name" yaml:"name"`
	Code   string `json:"code" yaml:"code"`
	Cities []City `json:"cities" yaml:"cities"`
}

type directoryFile struct {
	Countries []Country `json:"countries" yaml:"countries"`
}

// Directory holds the server list. It is safe for concurrent use; Reload
// swaps the whole tree at once.
type Directory struct {
	mu        sync.RWMutex
	path      string
	countries []Country
}

// NewDirectory builds a directory from an in-memory list.
func NewDirectory(countries []Country) *Directory {
	return &Directory{countries: countries}
}

// LoadDirectory reads a YAML (or JSON) server file.
func LoadDirectory(path string) (*Directory, error) {
	d := &Directory{path: path}
	if err := d.Reload(); err != nil {
		return nil, err
	}
	return d, nil
}

// Reload re-reads the server file. The previous list is kept on error.
func (d *Directory) Reload() error {
	if d.path == "" {
		return nil
	}

	data, err := os.ReadFile(d.path)
	if err != nil {
		return fmt.Errorf("failed to read server file: %w", err)
	}

	countries, err := parseDirectory(data)
	if err != nil {
		return err
	}

	d.mu.Lock()
	d.countries = countries
	d.mu.Unlock()
	return nil
}

func parseDirectory(data []byte) ([]Country, error) {
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)

	var file directoryFile
	if err := decoder.Decode(&file); err != nil {
		return nil, fmt.Errorf("failed to parse server file: %w", err)
	}

	for ci := range file.Countries {
		for ti := range file.Countries[ci].Cities {
			city := &file.Countries[ci].Cities[ti]
			for si := range city.Servers {
				if err := city.Servers[si].Validate(); err != nil {
					return nil, err
				}
			}
		}
	}
	return file.Countries, nil
}

// Countries returns a snapshot of the tree.
func (d *Directory) Countries() []Country {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]Country, len(d.countries))
	copy(out, d.countries)
	return out
}

// Servers returns the servers of a city. Country and city match by code
// or name, case-insensitively.
func (d *Directory) Servers(country, city string) []Server {
	d.mu.RLock()
	defer d.mu.RUnlock()

	for _, c := range d.countries {
		if !matches(c.Code, c.Name, country) {
			continue
		}
		for _, ct := range c.Cities {
			if matches(ct.Code, ct.Name, city) {
				out := make([]Server, len(ct.Servers))
				copy(out, ct.Servers)
				return out
			}
		}
	}
	return nil
}

// Lookup finds a server by public key.
func (d *Directory) Lookup(publicKey string) (Server, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	for _, c := range d.countries {
		for _, ct := range c.Cities {
			for _, s := range ct.Servers {
				if s.PublicKey == publicKey {
					return s, true
				}
			}
		}
	}
	return Server{}, false
}

func matches(code, name, query string) bool {
	query = strings.TrimSpace(query)
	return strings.EqualFold(code, query) || strings.EqualFold(name, query)
}
