package extension

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/hashicorp/go-multierror"
	"github.com/pelletier/go-toml/v2"
	"github.com/spf13/afero"
	"gopkg.in/yaml.v3"
)

// DescriptorFiles are the descriptor names looked up in a plugin directory,
// in order.
var DescriptorFiles = []string{"plugin.yaml", "plugin.yml", "plugin.toml", "plugin.json"}

// Descriptor errors.
var (
	ErrMissingID          = errors.New("descriptor: id is required")
	ErrInvalidID          = errors.New("descriptor: id must be lowercase alphanumeric with dots or hyphens")
	ErrInvalidVersion     = errors.New("descriptor: version must be valid semver")
	ErrMissingPoint       = errors.New("descriptor: extension point is required")
	ErrMissingImpl        = errors.New("descriptor: extension needs an implementation or a script")
	ErrInvalidOrder       = errors.New("descriptor: order must be first, last or empty")
	ErrUnknownFormat      = errors.New("descriptor: unknown file format")
	ErrDescriptorNotFound = errors.New("descriptor: no plugin descriptor in directory")
)

var idPattern = regexp.MustCompile(`^[a-z][a-z0-9.-]*[a-z0-9]$|^[a-z]$`)

var semverPattern = regexp.MustCompile(`^\d+\.\d+\.\d+(-[a-zA-Z0-9.-]+)?(\+[a-zA-Z0-9.-]+)?$`)

// Descriptor is a plugin's declaration of the extensions it contributes.
type Descriptor struct {
	ID          string `json:"id" yaml:"id" toml:"id"`
	Name        string `json:"name" yaml:"name" toml:"name"`
	Version     string `json:"version" yaml:"version" toml:"version"`
	Description string `json:"description" yaml:"description" toml:"description"`
	Vendor      string `json:"vendor" yaml:"vendor" toml:"vendor"`

	Extensions []Declaration `json:"extensions" yaml:"extensions" toml:"extensions"`

	// dir is the plugin directory on the file system it was loaded from.
	dir string
}

// Declaration is one contribution to an extension point.
type Declaration struct {
	Point          string            `json:"point" yaml:"point" toml:"point"`
	Implementation string            `json:"implementation" yaml:"implementation" toml:"implementation"`
	ID             string            `json:"id" yaml:"id" toml:"id"`
	Order          string            `json:"order" yaml:"order" toml:"order"`
	Language       string            `json:"language" yaml:"language" toml:"language"`
	Script         string            `json:"script" yaml:"script" toml:"script"`
	Attributes     map[string]string `json:"attributes" yaml:"attributes" toml:"attributes"`
}

// Dir returns the plugin directory, or "" for descriptors built in code.
func (d *Descriptor) Dir() string { return d.dir }

// Resolve returns rel relative to the plugin directory.
func (d *Descriptor) Resolve(rel string) string {
	if d.dir == "" || filepath.IsAbs(rel) {
		return rel
	}
	return filepath.Join(d.dir, rel)
}

func (d *Descriptor) applyDefaults() {
	if d.Version == "" {
		d.Version = "0.0.0"
	}
	if d.Name == "" {
		d.Name = d.ID
	}
}

// Validate checks that the descriptor is well formed.
func (d *Descriptor) Validate() error {
	if d.ID == "" {
		return ErrMissingID
	}
	if !idPattern.MatchString(d.ID) {
		return fmt.Errorf("%w: %s", ErrInvalidID, d.ID)
	}
	if !semverPattern.MatchString(d.Version) {
		return fmt.Errorf("%w: %s", ErrInvalidVersion, d.Version)
	}
	for i, e := range d.Extensions {
		if e.Point == "" {
			return fmt.Errorf("%w at index %d", ErrMissingPoint, i)
		}
		if e.Implementation == "" && e.Script == "" {
			return fmt.Errorf("%w at index %d (point: %s)", ErrMissingImpl, i, e.Point)
		}
		if _, err := ParseOrder(e.Order); err != nil {
			return fmt.Errorf("%w at index %d: %q", ErrInvalidOrder, i, e.Order)
		}
	}
	return nil
}

// ParseDescriptor decodes a descriptor; format is the file extension
// ("yaml", "yml", "toml" or "json").
func ParseDescriptor(data []byte, format string) (*Descriptor, error) {
	var d Descriptor
	var err error
	switch strings.TrimPrefix(strings.ToLower(format), ".") {
	case "yaml", "yml":
		err = yaml.Unmarshal(data, &d)
	case "toml":
		err = toml.Unmarshal(data, &d)
	case "json":
		err = json.Unmarshal(data, &d)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownFormat, format)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to parse descriptor: %w", err)
	}
	d.applyDefaults()
	if err := d.Validate(); err != nil {
		return nil, err
	}
	return &d, nil
}

// LoadDescriptor loads and validates the descriptor file at name.
func LoadDescriptor(fs afero.Fs, name string) (*Descriptor, error) {
	data, err := afero.ReadFile(fs, name)
	if err != nil {
		return nil, fmt.Errorf("failed to read descriptor: %w", err)
	}
	d, err := ParseDescriptor(data, path.Ext(filepath.ToSlash(name)))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	d.dir = filepath.Dir(name)
	return d, nil
}

// LoadDescriptorFromDir loads the first of DescriptorFiles found in dir.
func LoadDescriptorFromDir(fs afero.Fs, dir string) (*Descriptor, error) {
	for _, name := range DescriptorFiles {
		p := filepath.Join(dir, name)
		if ok, _ := afero.Exists(fs, p); ok {
			return LoadDescriptor(fs, p)
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrDescriptorNotFound, dir)
}

// Discover loads every plugin found in the immediate subdirectories of
// dirs. Missing directories are skipped; broken plugins are reported in the
// returned error while the rest still load. Results are sorted by ID.
func Discover(fs afero.Fs, dirs ...string) ([]*Descriptor, error) {
	var out []*Descriptor
	var result *multierror.Error
	for _, dir := range dirs {
		entries, err := afero.ReadDir(fs, dir)
		if err != nil {
			if !errors.Is(err, os.ErrNotExist) {
				result = multierror.Append(result, err)
			}
			continue
		}
		for _, e := range entries {
			if !e.IsDir() || strings.HasPrefix(e.Name(), ".") {
				continue
			}
			d, err := LoadDescriptorFromDir(fs, filepath.Join(dir, e.Name()))
			if err != nil {
				if !errors.Is(err, ErrDescriptorNotFound) {
					result = multierror.Append(result, err)
				}
				continue
			}
			out = append(out, d)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, result.ErrorOrNil()
}
