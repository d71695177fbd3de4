package memory

import (
	"fmt"
	"io"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"gestor.app/internal/auth"
)

// Fixture describes a whole permission graph in YAML. Memberships and grants
// refer to groups by name. Active flags default to true.
type Fixture struct {
	Groups  []FixtureGroup  `yaml:"groups"`
	Users   []FixtureUser   `yaml:"users"`
	Modules []FixtureModule `yaml:"modules"`
}

type FixtureGroup struct {
	ID         int64  `yaml:"id"`
	Name       string `yaml:"name"`
	State      string `yaml:"state"`
	SuperAdmin bool   `yaml:"super_admin"`
}

type FixtureUser struct {
	ID           int64    `yaml:"id"`
	Email        string   `yaml:"email"`
	Name         string   `yaml:"name"`
	Password     string   `yaml:"password"`
	PasswordHash string   `yaml:"password_hash"`
	Active       *bool    `yaml:"active"`
	Groups       []string `yaml:"groups"`
}

type FixtureModule struct {
	ID     int64         `yaml:"id"`
	Name   string        `yaml:"name"`
	Active *bool         `yaml:"active"`
	Order  int           `yaml:"order"`
	Forms  []FixtureForm `yaml:"forms"`
}

type FixtureForm struct {
	ID         int64              `yaml:"id"`
	Name       string             `yaml:"name"`
	Route      string             `yaml:"route"`
	Active     *bool              `yaml:"active"`
	Order      int                `yaml:"order"`
	Components []FixtureComponent `yaml:"components"`
}

type FixtureComponent struct {
	ID     int64    `yaml:"id"`
	Name   string   `yaml:"name"`
	Kind   string   `yaml:"kind"`
	Active *bool    `yaml:"active"`
	Groups []string `yaml:"groups"`
}

// ParseFixture decodes a fixture, rejecting unknown fields.
func ParseFixture(r io.Reader) (Fixture, error) {
	var fx Fixture
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&fx); err != nil {
		return Fixture{}, fmt.Errorf("decode fixture: %w", err)
	}
	return fx, nil
}

// ParseFixtureFile decodes the fixture stored at path.
func ParseFixtureFile(path string) (Fixture, error) {
	f, err := os.Open(path)
	if err != nil {
		return Fixture{}, fmt.Errorf("open fixture: %w", err)
	}
	defer f.Close()
	return ParseFixture(f)
}

// LoadFile builds a store from a fixture file.
func LoadFile(path string) (*Store, error) {
	fx, err := ParseFixtureFile(path)
	if err != nil {
		return nil, err
	}
	return Load(fx)
}

// Load builds a store from fx. Plain passwords are hashed with bcrypt.
func Load(fx Fixture) (*Store, error) {
	s := New()
	byName := make(map[string]int64, len(fx.Groups))
	for _, g := range fx.Groups {
		state := auth.GroupActive
		if g.State != "" {
			st, err := auth.ParseGroupState(g.State)
			if err != nil {
				return nil, fmt.Errorf("group %q: %w", g.Name, err)
			}
			state = st
		}
		key := strings.ToLower(strings.TrimSpace(g.Name))
		if g.ID <= 0 || key == "" {
			return nil, fmt.Errorf("group %q: id and name are required", g.Name)
		}
		if _, dup := byName[key]; dup {
			return nil, fmt.Errorf("group %q defined twice", g.Name)
		}
		byName[key] = g.ID
		s.PutGroup(auth.Group{ID: g.ID, Name: strings.TrimSpace(g.Name), State: state, SuperAdmin: g.SuperAdmin})
	}
	lookup := func(name string) (int64, error) {
		id, ok := byName[strings.ToLower(strings.TrimSpace(name))]
		if !ok {
			return 0, fmt.Errorf("unknown group %q", name)
		}
		return id, nil
	}

	for _, u := range fx.Users {
		hash := u.PasswordHash
		if hash == "" && u.Password != "" {
			h, err := auth.HashPassword(u.Password)
			if err != nil {
				return nil, fmt.Errorf("user %q: %w", u.Email, err)
			}
			hash = h
		}
		s.PutUser(auth.User{ID: u.ID, Email: u.Email, Name: u.Name, PasswordHash: hash, Active: flag(u.Active)})
		for _, name := range u.Groups {
			gid, err := lookup(name)
			if err != nil {
				return nil, fmt.Errorf("user %q: %w", u.Email, err)
			}
			s.AddMember(u.ID, gid)
		}
	}

	routes := make(map[string]struct{})
	for _, m := range fx.Modules {
		s.PutModule(auth.Module{ID: m.ID, Name: m.Name, Active: flag(m.Active), Order: m.Order})
		for _, f := range m.Forms {
			route := auth.NormalizeRoute(f.Route)
			if route == "" {
				return nil, fmt.Errorf("form %q: route is required", f.Name)
			}
			if _, dup := routes[route]; dup {
				return nil, fmt.Errorf("form %q: route %s is not unique", f.Name, route)
			}
			routes[route] = struct{}{}
			s.PutForm(auth.Form{ID: f.ID, ModuleID: m.ID, Name: f.Name, Route: route, Active: flag(f.Active), Order: f.Order})
			for _, c := range f.Components {
				s.PutComponent(auth.Component{ID: c.ID, FormID: f.ID, Name: c.Name, Kind: c.Kind, Active: flag(c.Active)})
				for _, name := range c.Groups {
					gid, err := lookup(name)
					if err != nil {
						return nil, fmt.Errorf("component %d: %w", c.ID, err)
					}
					s.Grant(gid, c.ID)
				}
			}
		}
	}
	return s, nil
}

func flag(b *bool) bool {
	return b == nil || *b
}
