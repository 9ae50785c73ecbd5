// Package schema loads HL7 v2 message structure definitions from YAML and
// compiles them into structure.Definition trees.
package schema

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"strconv"

	"gopkg.in/yaml.v3"

	"github.com/ehr/hl7struct/internal/platform/hl7v2/structure"
)

// ErrInvalidDefinition is returned for structurally invalid YAML definitions.
var ErrInvalidDefinition = errors.New("schema: invalid definition")

var segmentName = regexp.MustCompile(`^[A-Z][A-Z0-9]{2}$`)

// File is one message structure definition document.
//
//	name: ORU_R01
//	version: "2.5.1"
//	aliases: [ORU_R30]
//	structure:
//	  - segment: MSH
//	    required: true
//	  - group: PATIENT_RESULT
//	    repeating: true
//	    required: true
//	    children:
//	      - segment: OBR
//	        required: true
type File struct {
	Name        string    `yaml:"name"`
	Version     string    `yaml:"version,omitempty"`
	Description string    `yaml:"description,omitempty"`
	Aliases     []string  `yaml:"aliases,omitempty"`
	Structure   []Element `yaml:"structure"`
}

// Element is a segment or group entry. Exactly one of Segment and Group is set.
type Element struct {
	Segment   string    `yaml:"segment,omitempty"`
	Group     string    `yaml:"group,omitempty"`
	Repeating bool      `yaml:"repeating,omitempty"`
	Required  bool      `yaml:"required,omitempty"`
	Children  []Element `yaml:"children,omitempty"`
}

// LoadFile reads and parses a YAML definition file.
func LoadFile(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("schema: read %s: %w", path, err)
	}
	f, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return f, nil
}

// Parse parses and validates a YAML definition document.
func Parse(data []byte) (*File, error) {
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("schema: parse yaml: %w", err)
	}
	if err := f.Validate(); err != nil {
		return nil, err
	}
	return &f, nil
}

// Validate checks the definition for shape errors: missing names, empty
// groups, malformed segment names, entries that are both or neither segment
// and group, and duplicate group names within one group.
func (f *File) Validate() error {
	if f.Name == "" {
		return fmt.Errorf("%w: missing name", ErrInvalidDefinition)
	}
	if len(f.Structure) == 0 {
		return fmt.Errorf("%w: %s declares no structure", ErrInvalidDefinition, f.Name)
	}
	return validateElements(f.Name, f.Structure)
}

func validateElements(path string, elems []Element) error {
	groups := make(map[string]bool)
	for i, e := range elems {
		switch {
		case e.Segment != "" && e.Group != "":
			return fmt.Errorf("%w: %s[%d] is both segment %s and group %s", ErrInvalidDefinition, path, i, e.Segment, e.Group)
		case e.Segment != "":
			if !segmentName.MatchString(e.Segment) {
				return fmt.Errorf("%w: %s[%d] bad segment name %q", ErrInvalidDefinition, path, i, e.Segment)
			}
			if len(e.Children) > 0 {
				return fmt.Errorf("%w: segment %s/%s has children", ErrInvalidDefinition, path, e.Segment)
			}
		case e.Group != "":
			if groups[e.Group] {
				return fmt.Errorf("%w: duplicate group %s/%s", ErrInvalidDefinition, path, e.Group)
			}
			groups[e.Group] = true
			if len(e.Children) == 0 {
				return fmt.Errorf("%w: group %s/%s is empty", ErrInvalidDefinition, path, e.Group)
			}
			if err := validateElements(path+"/"+e.Group, e.Children); err != nil {
				return err
			}
		default:
			return fmt.Errorf("%w: %s[%d] is neither segment nor group", ErrInvalidDefinition, path, i)
		}
	}
	return nil
}

// Compile builds the structure definition tree. A segment that occurs more
// than once in the same group gets numbered slot names: PID, PID2, PID3.
func (f *File) Compile() *structure.Definition {
	return &structure.Definition{
		Name:     f.Name,
		Group:    true,
		Children: compileElements(f.Structure),
	}
}

func compileElements(elems []Element) []*structure.Definition {
	seen := make(map[string]int)
	out := make([]*structure.Definition, 0, len(elems))
	for _, e := range elems {
		if e.Group != "" {
			out = append(out, &structure.Definition{
				Name:      e.Group,
				Group:     true,
				Repeating: e.Repeating,
				Required:  e.Required,
				Children:  compileElements(e.Children),
			})
			continue
		}
		seen[e.Segment]++
		name := e.Segment
		if n := seen[e.Segment]; n > 1 {
			name += strconv.Itoa(n)
		}
		out = append(out, &structure.Definition{
			Name:      name,
			Structure: e.Segment,
			Repeating: e.Repeating,
			Required:  e.Required,
		})
	}
	return out
}
