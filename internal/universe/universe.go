// Package universe holds the reference set of known companies and resolves
// free-text feed names against it.
package universe

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
)

// Entity is one row of the reference universe.
type Entity struct {
	Name   string
	Symbol string
}

// Universe is immutable after construction and safe for concurrent reads.
// Entities are kept sorted by canonical name so every scan is reproducible.
type Universe struct {
	entities []Entity
	norms    []string // Normalize(entities[i].Name)
	tokens   []map[string]struct{}

	names   map[string]struct{}
	folded  map[string]string // lower(name) -> canonical
	index   map[string]string // normalized -> canonical
	symbols map[string]string
}

// New builds a universe from entities in load order. When two spellings
// normalize to the same key, the later one wins.
func New(entities []Entity) *Universe {
	u := &Universe{
		names:   make(map[string]struct{}, len(entities)),
		folded:  make(map[string]string, len(entities)),
		index:   make(map[string]string, len(entities)),
		symbols: make(map[string]string, len(entities)),
	}
	for _, e := range entities {
		e.Name = strings.TrimSpace(e.Name)
		e.Symbol = strings.TrimSpace(e.Symbol)
		if e.Name == "" {
			continue
		}
		if _, dup := u.names[e.Name]; dup {
			if e.Symbol != "" {
				u.symbols[e.Name] = e.Symbol
			}
			continue
		}
		u.names[e.Name] = struct{}{}
		u.entities = append(u.entities, e)
		if e.Symbol != "" {
			u.symbols[e.Name] = e.Symbol
		}
		if n := Normalize(e.Name); n != "" {
			u.index[n] = e.Name
		}
	}

	sort.SliceStable(u.entities, func(i, j int) bool { return u.entities[i].Name < u.entities[j].Name })
	u.norms = make([]string, len(u.entities))
	u.tokens = make([]map[string]struct{}, len(u.entities))
	for i, e := range u.entities {
		u.norms[i] = Normalize(e.Name)
		u.tokens[i] = tokenSet(u.norms[i])
		if _, ok := u.folded[strings.ToLower(e.Name)]; !ok {
			u.folded[strings.ToLower(e.Name)] = e.Name
		}
	}
	return u
}

// Load reads a CSV file with "Company Name" and "Symbol" columns.
func Load(path string) (*Universe, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open universe: %w", err)
	}
	defer f.Close()
	u, err := Read(f)
	if err != nil {
		return nil, fmt.Errorf("universe %s: %w", path, err)
	}
	return u, nil
}

var ErrNoNameColumn = errors.New(`missing "Company Name" column`)

// Read parses universe CSV from r. Column lookup is case-insensitive; the
// symbol column is optional.
func Read(r io.Reader) (*Universe, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.TrimLeadingSpace = true

	header, err := cr.Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, ErrNoNameColumn
		}
		return nil, err
	}
	nameCol, symCol := -1, -1
	for i, h := range header {
		switch strings.ToLower(strings.TrimSpace(strings.TrimPrefix(h, "\ufeff"))) {
		case "company name":
			nameCol = i
		case "symbol":
			symCol = i
		}
	}
	if nameCol < 0 {
		return nil, ErrNoNameColumn
	}

	var entities []Entity
	for {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, err
		}
		if nameCol >= len(rec) {
			continue
		}
		e := Entity{Name: rec[nameCol]}
		if symCol >= 0 && symCol < len(rec) {
			e.Symbol = rec[symCol]
		}
		entities = append(entities, e)
	}
	return New(entities), nil
}

func (u *Universe) Len() int { return len(u.entities) }

// Contains reports exact (case-sensitive) membership.
func (u *Universe) Contains(name string) bool {
	_, ok := u.names[name]
	return ok
}

// Symbol returns the ticker for a canonical name, or "".
func (u *Universe) Symbol(name string) string { return u.symbols[name] }

// Entities returns a copy in canonical-name order.
func (u *Universe) Entities() []Entity {
	out := make([]Entity, len(u.entities))
	copy(out, u.entities)
	return out
}
