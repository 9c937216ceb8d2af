package vpn

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/yllada/tunnelctl/servers"
)

// Common errors returned by favorite operations.
var (
	ErrFavoriteNotFound = errors.New("favorite not found")
	ErrDuplicateName    = errors.New("favorite name already exists")
)

// Favorite is a named server location.
type Favorite struct {
	// ID is a unique identifier for the favorite (UUID format).
	ID string `json:"id" yaml:"id"`
	// Name is what the user types to connect.
	Name string `json:"name" yaml:"name"`
	// Location is the exit and optional entry city.
	Location servers.Location `json:"location" yaml:"location"`
	// Created is the timestamp when the favorite was saved.
	Created time.Time `json:"created" yaml:"created"`
	// LastUsed is the timestamp of the last connection through it.
	LastUsed time.Time `json:"last_used,omitempty" yaml:"last_used,omitempty"`
}

// Validate checks if the favorite has all required fields.
func (f *Favorite) Validate() error {
	if strings.TrimSpace(f.Name) == "" {
		return errors.New("favorite name is required")
	}
	if strings.Contains(f.Name, "/") {
		return errors.New("favorite name cannot contain '/'")
	}
	if f.Location.ExitCountry == "" || f.Location.ExitCity == "" {
		return errors.New("exit location is required")
	}
	return nil
}

// Favorites manages named locations stored in a YAML file.
type Favorites struct {
	mu    sync.Mutex
	items []*Favorite
	path  string
	now   func() time.Time
}

// NewFavorites loads favorites from path. A missing file means none.
func NewFavorites(path string, now func() time.Time) (*Favorites, error) {
	if now == nil {
		now = time.Now
	}
	f := &Favorites{path: path, now: now}
	if err := f.load(); err != nil {
		return nil, err
	}
	return f, nil
}

func (f *Favorites) load() error {
	data, err := os.ReadFile(f.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to read favorites file: %w", err)
	}

	if err := yaml.Unmarshal(data, &f.items); err != nil {
		return fmt.Errorf("failed to parse favorites file: %w", err)
	}
	return nil
}

func (f *Favorites) save() error {
	data, err := yaml.Marshal(&f.items)
	if err != nil {
		return fmt.Errorf("failed to serialize favorites: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(f.path), 0700); err != nil {
		return fmt.Errorf("failed to create favorites directory: %w", err)
	}
	if err := os.WriteFile(f.path, data, 0600); err != nil {
		return fmt.Errorf("failed to write favorites file: %w", err)
	}
	return nil
}

// Add saves loc under name. Remembered server keys are dropped so the
// favorite always picks a fresh server.
func (f *Favorites) Add(name string, loc servers.Location) (Favorite, error) {
	loc.ExitPublicKey = ""
	loc.EntryPublicKey = ""
	fav := &Favorite{
		ID:       uuid.NewString(),
		Name:     strings.TrimSpace(name),
		Location: loc,
	}
	if err := fav.Validate(); err != nil {
		return Favorite{}, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if f.find(fav.Name) >= 0 {
		return Favorite{}, fmt.Errorf("%w: %s", ErrDuplicateName, fav.Name)
	}
	fav.Created = f.now()
	f.items = append(f.items, fav)
	return *fav, f.save()
}

// Remove deletes the favorite called name.
func (f *Favorites) Remove(name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	i := f.find(name)
	if i < 0 {
		return ErrFavoriteNotFound
	}
	f.items = slices.Delete(f.items, i, i+1)
	return f.save()
}

// Get returns the favorite called name.
func (f *Favorites) Get(name string) (Favorite, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	i := f.find(name)
	if i < 0 {
		return Favorite{}, ErrFavoriteNotFound
	}
	return *f.items[i], nil
}

// List returns all favorites, most recently used first.
func (f *Favorites) List() []Favorite {
	f.mu.Lock()
	defer f.mu.Unlock()

	list := make([]Favorite, 0, len(f.items))
	for _, fav := range f.items {
		list = append(list, *fav)
	}
	slices.SortStableFunc(list, func(a, b Favorite) int {
		return b.LastUsed.Compare(a.LastUsed)
	})
	return list
}

// MarkUsed updates the LastUsed timestamp of a favorite.
func (f *Favorites) MarkUsed(name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	i := f.find(name)
	if i < 0 {
		return ErrFavoriteNotFound
	}
	f.items[i].LastUsed = f.now()
	return f.save()
}

func (f *Favorites) find(name string) int {
	return slices.IndexFunc(f.items, func(fav *Favorite) bool {
		return fav.Name == name
	})
}
