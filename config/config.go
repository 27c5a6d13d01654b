// Package config holds the run parameters of a halo exchange run, loaded from
// YAML or TOML and validated before any rank starts.
package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/notargets/meshhalo/cells"
	"github.com/notargets/meshhalo/mesh"
	"github.com/notargets/meshhalo/topology"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

// Transports
const (
	TransportLocal     = "local"
	TransportWebsocket = "websocket"
)

// ValidationError names the first invalid setting
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid config %s: %s", e.Field, e.Reason)
}

// Cells configures the particle decomposition
type Cells struct {
	Type         cells.CellStructureType `yaml:"type" toml:"type"`
	Cutoff       float64                 `yaml:"cutoff" toml:"cutoff"`
	NSquareTypes []int                   `yaml:"nsquare_types" toml:"nsquare_types"`
}

// Config holds everything needed to run the step loop
type Config struct {
	// Decomposition
	Ranks int    `yaml:"ranks" toml:"ranks"`
	Grid  [3]int `yaml:"grid" toml:"grid"` // Process grid; zero entries are chosen automatically

	// Geometry and mesh
	Box  [3]float64 `yaml:"box" toml:"box"`
	Mesh [3]int     `yaml:"mesh" toml:"mesh"`
	CAO  int        `yaml:"cao" toml:"cao"`

	Cells Cells `yaml:"cells" toml:"cells"`

	// Particles and stepping
	Particles    int        `yaml:"particles" toml:"particles"`
	Seed         uint64     `yaml:"seed" toml:"seed"`
	Steps        int        `yaml:"steps" toml:"steps"`
	Displacement float64    `yaml:"displacement" toml:"displacement"` // Largest random move per step and axis
	Field        [3]float64 `yaml:"field" toml:"field"`               // Uniform field returned by the solver

	// Transport
	Transport string   `yaml:"transport" toml:"transport"`
	Rank      int      `yaml:"rank" toml:"rank"`   // This process, websocket only
	Peers     []string `yaml:"peers" toml:"peers"` // host:port of every rank, websocket only

	LogLevel string `yaml:"log_level" toml:"log_level"`
}

// Default returns a small single-rank configuration
func Default() *Config {
	return &Config{
		Ranks: 1,
		Box:   [3]float64{10, 10, 10},
		Mesh:  [3]int{16, 16, 16},
		CAO:   3,
		Cells: Cells{
			Type:   cells.Regular,
			Cutoff: 1.5,
		},
		Particles:    500,
		Seed:         1,
		Steps:        5,
		Displacement: 0.1,
		Field:        [3]float64{0, 0, 1},
		Transport:    TransportLocal,
		LogLevel:     "info",
	}
}

// Load reads path over the defaults; the format follows the file extension
// (.yaml, .yml or .toml). Unknown keys are rejected.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	cfg := Default()
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	case ".toml":
		md, err := toml.Decode(string(data), cfg)
		if err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
		if undecoded := md.Undecoded(); len(undecoded) > 0 {
			return nil, fmt.Errorf("parse %s: unknown keys %v", path, undecoded)
		}
	default:
		return nil, fmt.Errorf("config %s: unsupported extension %q", path, ext)
	}
	return cfg, nil
}

// ProcessGrid returns the process grid for Ranks, completing zero entries of Grid
func (c *Config) ProcessGrid() ([3]int, error) {
	return topology.DimsCreate(c.Ranks, c.Grid)
}

// Validate checks the configuration before any rank starts
func (c *Config) Validate() error {
	if c.Ranks < 1 {
		return &ValidationError{"ranks", fmt.Sprintf("%d, need at least one", c.Ranks)}
	}
	dims, err := c.ProcessGrid()
	if err != nil {
		return &ValidationError{"grid", err.Error()}
	}
	if c.CAO < 1 || c.CAO > mesh.MaxCAO {
		return &ValidationError{"cao", fmt.Sprintf("%d outside [1, %d]", c.CAO, mesh.MaxCAO)}
	}
	for a := 0; a < 3; a++ {
		if !(c.Box[a] > 0) {
			return &ValidationError{"box", fmt.Sprintf("length %g along axis %d", c.Box[a], a)}
		}
		if c.Mesh[a] < dims[a] {
			return &ValidationError{"mesh", fmt.Sprintf("%d points along axis %d leave some of %d ranks empty",
				c.Mesh[a], a, dims[a])}
		}
		// Interiors differ by at most one point; the smallest bounds ghosts and cutoff
		minInterior := mesh.MinSplit(c.Mesh[a], dims[a])
		if g := mesh.GhostThickness(c.CAO); g > minInterior {
			return &ValidationError{"cao", fmt.Sprintf("ghost thickness %d exceeds the %d interior points along axis %d",
				g, minInterior, a)}
		}
		minBox := float64(minInterior) * c.Box[a] / float64(c.Mesh[a])
		if c.Cells.Type != cells.NSquare && c.Cells.Cutoff > minBox {
			return &ValidationError{"cells.cutoff", fmt.Sprintf("%g exceeds the smallest local box %g along axis %d",
				c.Cells.Cutoff, minBox, a)}
		}
		if 2*c.Cells.Cutoff > c.Box[a] {
			return &ValidationError{"cells.cutoff", fmt.Sprintf("%g exceeds half the box along axis %d", c.Cells.Cutoff, a)}
		}
	}
	if !c.Cells.Type.Valid() {
		return &ValidationError{"cells.type", fmt.Sprintf("unknown type %d", int(c.Cells.Type))}
	}
	if !(c.Cells.Cutoff > 0) {
		return &ValidationError{"cells.cutoff", fmt.Sprintf("%g must be positive", c.Cells.Cutoff)}
	}
	if c.Particles < 0 {
		return &ValidationError{"particles", fmt.Sprintf("%d is negative", c.Particles)}
	}
	if c.Steps < 1 {
		return &ValidationError{"steps", fmt.Sprintf("%d, need at least one", c.Steps)}
	}
	if c.Displacement < 0 {
		return &ValidationError{"displacement", fmt.Sprintf("%g is negative", c.Displacement)}
	}
	switch c.Transport {
	case TransportLocal:
	case TransportWebsocket:
		if len(c.Peers) != c.Ranks {
			return &ValidationError{"peers", fmt.Sprintf("%d addresses for %d ranks", len(c.Peers), c.Ranks)}
		}
		if c.Rank < 0 || c.Rank >= c.Ranks {
			return &ValidationError{"rank", fmt.Sprintf("%d outside [0, %d)", c.Rank, c.Ranks)}
		}
	default:
		return &ValidationError{"transport", fmt.Sprintf("unknown transport %q", c.Transport)}
	}
	if _, err := logrus.ParseLevel(c.LogLevel); err != nil {
		return &ValidationError{"log_level", err.Error()}
	}
	return nil
}
