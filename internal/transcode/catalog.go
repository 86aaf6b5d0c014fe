package transcode

import (
	"bytes"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// RenditionProfile is one rung of the ABR ladder.
type RenditionProfile struct {
	Name        string `yaml:"name" json:"name"`
	Width       int    `yaml:"width" json:"width"`
	Height      int    `yaml:"height" json:"height"`
	BitrateKbps int    `yaml:"bitrateKbps" json:"bitrateKbps"`
}

// Resolution formats the profile as WIDTHxHEIGHT.
func (p RenditionProfile) Resolution() string {
	return fmt.Sprintf("%dx%d", p.Width, p.Height)
}

// Catalog is an ordered, read-only list of rendition profiles, highest quality
// first. A profile's index is its variant index and names its outputs.
type Catalog struct {
	profiles []RenditionProfile
}

// DefaultProfiles is the built-in ladder.
var DefaultProfiles = []RenditionProfile{
	{Name: "1080p", Width: 1920, Height: 1080, BitrateKbps: 5000},
	{Name: "720p", Width: 1280, Height: 720, BitrateKbps: 2500},
	{Name: "480p", Width: 854, Height: 480, BitrateKbps: 900},
	{Name: "360p", Width: 640, Height: 360, BitrateKbps: 400},
}

// DefaultCatalog returns a catalog holding DefaultProfiles.
func DefaultCatalog() *Catalog {
	c, _ := NewCatalog(DefaultProfiles)
	return c
}

// NewCatalog validates and copies profiles. Profiles must have a unique
// non-empty name, positive dimensions and bitrate, and be ordered by
// non-increasing bitrate.
func NewCatalog(profiles []RenditionProfile) (*Catalog, error) {
	if len(profiles) == 0 {
		return nil, ErrNoProfiles
	}
	seen := make(map[string]struct{}, len(profiles))
	for i, p := range profiles {
		name := strings.TrimSpace(p.Name)
		if name == "" {
			return nil, fmt.Errorf("profile %d: name is required", i)
		}
		if _, dup := seen[name]; dup {
			return nil, fmt.Errorf("profile %d: duplicate name %q", i, name)
		}
		seen[name] = struct{}{}
		if p.Width <= 0 || p.Height <= 0 {
			return nil, fmt.Errorf("profile %q: width and height must be positive", name)
		}
		if p.BitrateKbps <= 0 {
			return nil, fmt.Errorf("profile %q: bitrate must be positive", name)
		}
		if i > 0 && p.BitrateKbps > profiles[i-1].BitrateKbps {
			return nil, fmt.Errorf("profile %q: profiles must be ordered from highest to lowest bitrate", name)
		}
	}
	out := make([]RenditionProfile, len(profiles))
	copy(out, profiles)
	for i := range out {
		out[i].Name = strings.TrimSpace(out[i].Name)
	}
	return &Catalog{profiles: out}, nil
}

// Profiles returns a copy of the ordered profiles. Jobs keep this copy for
// their whole lifetime.
func (c *Catalog) Profiles() []RenditionProfile {
	if c == nil {
		return nil
	}
	out := make([]RenditionProfile, len(c.profiles))
	copy(out, c.profiles)
	return out
}

// Len returns the number of profiles.
func (c *Catalog) Len() int {
	if c == nil {
		return 0
	}
	return len(c.profiles)
}

type catalogFile struct {
	Profiles []RenditionProfile `yaml:"profiles"`
}

// ParseCatalog decodes a YAML document of the form
//
//	profiles:
//	  - {name: 720p, width: 1280, height: 720, bitrateKbps: 2500}
//
// File order is catalog order.
func ParseCatalog(data []byte) (*Catalog, error) {
	var doc catalogFile
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("decode catalog: %w", err)
	}
	return NewCatalog(doc.Profiles)
}

// LoadCatalogFile reads and parses a YAML catalog from path.
func LoadCatalogFile(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read catalog %s: %w", path, err)
	}
	c, err := ParseCatalog(data)
	if err != nil {
		return nil, fmt.Errorf("catalog %s: %w", path, err)
	}
	return c, nil
}
