// Package directory is the read-only user directory consulted by the query
// engine and the intent resolver.
package directory

import (
	"sort"
	"strings"

	"github.com/celerix-dev/marauder/pkg/schema"
)

// Lookup is the directory contract the engine depends on.
type Lookup interface {
	Get(id string) (schema.UserIdentity, bool)
	List(role schema.Role) []schema.UserIdentity
	Search(role schema.Role, text string) []schema.UserIdentity
}

// Directory is an immutable in-memory user directory.
type Directory struct {
	users map[string]schema.UserIdentity
	ids   []string
}

// New builds a directory. Later duplicates of an id replace earlier ones.
func New(users []schema.UserIdentity) *Directory {
	d := &Directory{users: make(map[string]schema.UserIdentity, len(users))}
	for _, u := range users {
		if _, ok := d.users[u.ID]; !ok {
			d.ids = append(d.ids, u.ID)
		}
		d.users[u.ID] = u
	}
	sort.Strings(d.ids)
	return d
}

// Get returns the identity for id.
func (d *Directory) Get(id string) (schema.UserIdentity, bool) {
	u, ok := d.users[id]
	return u, ok
}

// List returns users ordered by id. An empty role returns everyone.
func (d *Directory) List(role schema.Role) []schema.UserIdentity {
	out := make([]schema.UserIdentity, 0, len(d.ids))
	for _, id := range d.ids {
		u := d.users[id]
		if role != "" && u.Role != role {
			continue
		}
		out = append(out, u)
	}
	return out
}

// Search lists users of role whose name or department contains text,
// case-insensitively, ordered by id. Empty role and text match everyone.
func (d *Directory) Search(role schema.Role, text string) []schema.UserIdentity {
	needle := strings.ToLower(strings.TrimSpace(text))
	out := d.List(role)
	if needle == "" {
		return out
	}
	kept := out[:0]
	for _, u := range out {
		if strings.Contains(strings.ToLower(u.Name), needle) || strings.Contains(strings.ToLower(u.Department), needle) {
			kept = append(kept, u)
		}
	}
	return kept
}

// Len returns the number of users.
func (d *Directory) Len() int {
	return len(d.ids)
}

// FindByName returns the user whose full name, or failing that first name,
// appears as whole words in text. The longest match wins; ids break ties.
func (d *Directory) FindByName(text string) (schema.UserIdentity, bool) {
	words := " " + strings.Join(strings.FieldsFunc(strings.ToLower(text), isSeparator), " ") + " "

	var best schema.UserIdentity
	bestLen := 0
	for _, id := range d.ids {
		u := d.users[id]
		name := strings.Join(strings.FieldsFunc(strings.ToLower(u.Name), isSeparator), " ")
		if name == "" {
			continue
		}
		candidates := []string{name}
		if first, _, ok := strings.Cut(name, " "); ok {
			candidates = append(candidates, first)
		}
		for _, c := range candidates {
			if len(c) > bestLen && strings.Contains(words, " "+c+" ") {
				best, bestLen = u, len(c)
			}
		}
	}
	return best, bestLen > 0
}

func isSeparator(r rune) bool {
	switch r {
	case ' ', '\t', '\n', ',', '.', '?', '!', ';', ':', '"', '\'':
		return true
	}
	return false
}
