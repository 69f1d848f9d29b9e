// Package campus loads the static campus description: buildings, the user
// directory, privacy policies and consent records.
package campus

import (
	"os"
	"strings"

	"github.com/cockroachdb/errors"
	"gopkg.in/yaml.v3"

	"github.com/celerix-dev/marauder/pkg/schema"
)

// ErrInvalidCampus wraps every validation failure.
var ErrInvalidCampus = errors.New("invalid campus file")

// Building is static building metadata.
type Building struct {
	Name            string   `yaml:"name" json:"name"`
	Capacity        int      `yaml:"capacity" json:"capacity"`
	RestrictedRooms []string `yaml:"restricted_rooms" json:"restricted_rooms,omitempty"`
}

// Restricted reports whether room requires after-hours monitoring.
func (b Building) Restricted(room string) bool {
	for _, r := range b.RestrictedRooms {
		if strings.EqualFold(r, room) {
			return true
		}
	}
	return false
}

// Campus is the parsed campus file.
type Campus struct {
	Buildings []Building             `yaml:"buildings"`
	Users     []schema.UserIdentity  `yaml:"users"`
	Policies  []schema.PrivacyPolicy `yaml:"policies"`
	Consents  []schema.ConsentRecord `yaml:"consents"`
}

// Load reads and validates a campus file. Users without a privacy level get
// defaultLevel.
func Load(path string, defaultLevel schema.PrivacyLevel) (*Campus, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "read campus file %s", path)
	}
	c, err := Parse(data, defaultLevel)
	if err != nil {
		return nil, errors.Wrapf(err, "campus file %s", path)
	}
	return c, nil
}

// Parse decodes and validates campus YAML.
func Parse(data []byte, defaultLevel schema.PrivacyLevel) (*Campus, error) {
	var c Campus
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, errors.Wrap(err, "decode campus yaml")
	}
	if defaultLevel == "" {
		defaultLevel = schema.PrivacyPublic
	}
	for i := range c.Users {
		if c.Users[i].PrivacyLevel == "" {
			c.Users[i].PrivacyLevel = defaultLevel
		}
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// Validate checks names, capacities, roles and privacy levels.
func (c *Campus) Validate() error {
	seen := make(map[string]bool)
	for _, b := range c.Buildings {
		if b.Name == "" {
			return errors.Wrap(ErrInvalidCampus, "building without name")
		}
		if seen[b.Name] {
			return errors.Wrapf(ErrInvalidCampus, "duplicate building %s", b.Name)
		}
		if b.Capacity <= 0 {
			return errors.Wrapf(ErrInvalidCampus, "building %s: capacity must be positive", b.Name)
		}
		seen[b.Name] = true
	}

	ids := make(map[string]bool)
	for _, u := range c.Users {
		if u.ID == "" {
			return errors.Wrap(ErrInvalidCampus, "user without id")
		}
		if ids[u.ID] {
			return errors.Wrapf(ErrInvalidCampus, "duplicate user %s", u.ID)
		}
		if !u.Role.Valid() {
			return errors.Wrapf(ErrInvalidCampus, "user %s: unknown role %q", u.ID, u.Role)
		}
		switch u.PrivacyLevel {
		case schema.PrivacyPublic, schema.PrivacyFriends, schema.PrivacyPrivate:
		default:
			return errors.Wrapf(ErrInvalidCampus, "user %s: unknown privacy level %q", u.ID, u.PrivacyLevel)
		}
		ids[u.ID] = true
	}
	return nil
}

// Building looks up a building by case-insensitive name.
func (c *Campus) Building(name string) (Building, bool) {
	for _, b := range c.Buildings {
		if strings.EqualFold(b.Name, name) {
			return b, true
		}
	}
	return Building{}, false
}
