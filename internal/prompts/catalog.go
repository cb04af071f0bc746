// Package prompts builds provider prompts from job input. Templates ship with
// defaults and can be overridden from a YAML file.
package prompts

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"text/template"

	"github.com/patagon3d/renovation-back/internal/domain"
	"gopkg.in/yaml.v3"
)

const (
	defaultRenovationTemplate = `Professional interior design photo of a kitchen renovation featuring {{.ElementType}}.
Design details: {{.Prompt}}.
High-end architectural photography, natural lighting, realistic materials and textures,
magazine-quality interior design photography, 8k resolution. Style: {{.Style}}`

	defaultVideoTemplate = `Cinematic interior design video walkthrough of a beautiful kitchen renovation.
Element focus: {{.ElementType}}.
Design details: {{.Prompt}}.
Style: {{.Style}}.
Professional real estate video quality, smooth camera movement, natural lighting,
high-end finishes, magazine-worthy interior design.`

	defaultMeasurementTemplate = `You estimate room dimensions from a single photo.
Return a JSON object with keys "room_type", "dimensions" (width, length, height),
"elements" (array of {name, width, height, depth}), "confidence" (0-1) and "notes".
Use {{.Unit}} units.{{if .Instructions}}
Additional instructions: {{.Instructions}}{{end}}`
)

var defaultRenovationStyles = []string{
	"bright and airy modern style",
	"warm and cozy transitional style",
	"sleek contemporary luxury style",
}

type RenovationSection struct {
	Template string   `yaml:"template"`
	Styles   []string `yaml:"styles"`
}

type VideoSection struct {
	Template     string `yaml:"template"`
	DefaultStyle string `yaml:"default_style"`
}

type MeasurementSection struct {
	Template    string `yaml:"template"`
	DefaultUnit string `yaml:"default_unit"`
}

// Catalog holds the prompt templates for every provider-backed category.
type Catalog struct {
	Renovation  RenovationSection  `yaml:"renovation"`
	Video       VideoSection       `yaml:"video"`
	Measurement MeasurementSection `yaml:"measurement"`

	renovation  *template.Template
	video       *template.Template
	measurement *template.Template
}

type promptData struct {
	ElementType  string
	Prompt       string
	Style        string
	Unit         string
	Instructions string
}

func Default() *Catalog {
	catalog := &Catalog{
		Renovation: RenovationSection{
			Template: defaultRenovationTemplate,
			Styles:   append([]string(nil), defaultRenovationStyles...),
		},
		Video: VideoSection{
			Template:     defaultVideoTemplate,
			DefaultStyle: "modern",
		},
		Measurement: MeasurementSection{
			Template:    defaultMeasurementTemplate,
			DefaultUnit: "imperial",
		},
	}
	if err := catalog.compile(); err != nil {
		panic(fmt.Sprintf("prompts: default templates invalid: %v", err))
	}
	return catalog
}

// Load reads overrides from path on top of the defaults. An empty path returns
// the defaults.
func Load(path string) (*Catalog, error) {
	catalog := Default()
	if strings.TrimSpace(path) == "" {
		return catalog, nil
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read prompts file: %w", err)
	}
	return parse(catalog, raw)
}

func parse(catalog *Catalog, raw []byte) (*Catalog, error) {
	if err := yaml.Unmarshal(raw, catalog); err != nil {
		return nil, fmt.Errorf("decode prompts file: %w", err)
	}
	if len(catalog.Renovation.Styles) == 0 {
		return nil, errors.New("prompts: renovation.styles must not be empty")
	}
	if err := catalog.compile(); err != nil {
		return nil, err
	}
	return catalog, nil
}

func (c *Catalog) compile() error {
	var err error
	if c.renovation, err = template.New("renovation").Option("missingkey=error").Parse(c.Renovation.Template); err != nil {
		return fmt.Errorf("prompts: renovation template: %w", err)
	}
	if c.video, err = template.New("video").Option("missingkey=error").Parse(c.Video.Template); err != nil {
		return fmt.Errorf("prompts: video template: %w", err)
	}
	if c.measurement, err = template.New("measurement").Option("missingkey=error").Parse(c.Measurement.Template); err != nil {
		return fmt.Errorf("prompts: measurement template: %w", err)
	}
	return nil
}

// RenovationStyles lists the style variants rendered for each renovation job.
func (c *Catalog) RenovationStyles() []string {
	return append([]string(nil), c.Renovation.Styles...)
}

func (c *Catalog) RenovationPrompt(input domain.JobInput, style string) (string, error) {
	return render(c.renovation, promptData{
		ElementType: input.ElementType,
		Prompt:      input.Prompt,
		Style:       style,
	})
}

func (c *Catalog) VideoPrompt(input domain.JobInput) (string, error) {
	style := input.Style
	if style == "" {
		style = c.Video.DefaultStyle
	}
	return render(c.video, promptData{
		ElementType: input.ElementType,
		Prompt:      input.Prompt,
		Style:       style,
	})
}

func (c *Catalog) MeasurementInstructions(input domain.JobInput) (string, error) {
	unit := input.Unit
	if unit == "" {
		unit = c.Measurement.DefaultUnit
	}
	return render(c.measurement, promptData{
		Unit:         unit,
		Instructions: input.Instructions,
	})
}

func render(tmpl *template.Template, data promptData) (string, error) {
	var builder strings.Builder
	if err := tmpl.Execute(&builder, data); err != nil {
		return "", fmt.Errorf("render %s prompt: %w", tmpl.Name(), err)
	}
	return strings.TrimSpace(builder.String()), nil
}
