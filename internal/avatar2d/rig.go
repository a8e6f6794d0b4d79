// Package avatar2d is the rigged-2D backend: layered 2D avatars driven by
// Live2D-style named parameters. Rig files are YAML (or JSON) documents.
package avatar2d

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/go-gl/mathgl/mgl32"
	"github.com/normanking/avatarbridge/internal/protocol"
	"github.com/normanking/avatarbridge/internal/scene"
	"gopkg.in/yaml.v3"
)

const RigName = "rigged2d"

// Standard parameter ids.
const (
	ParamAngleX     = "ParamAngleX"
	ParamAngleY     = "ParamAngleY"
	ParamBodyAngleX = "ParamBodyAngleX"
	ParamEyeLOpen   = "ParamEyeLOpen"
	ParamEyeROpen   = "ParamEyeROpen"
	ParamEyeLSmile  = "ParamEyeLSmile"
	ParamEyeRSmile  = "ParamEyeRSmile"
	ParamEyeBallY   = "ParamEyeBallY"
	ParamBrowLY     = "ParamBrowLY"
	ParamBrowRY     = "ParamBrowRY"
	ParamBrowLForm  = "ParamBrowLForm"
	ParamBrowRForm  = "ParamBrowRForm"
	ParamMouthForm  = "ParamMouthForm"
	ParamMouthOpenY = "ParamMouthOpenY"
	ParamCheek      = "ParamCheek"
)

// File is the on-disk rig description.
type File struct {
	Name       string      `yaml:"name"`
	Version    int         `yaml:"version"`
	Canvas     Canvas      `yaml:"canvas"`
	Parameters []Parameter `yaml:"parameters"`
	Textures   []string    `yaml:"textures,omitempty"`
}

// Canvas is the drawable area in model units, centred on the origin.
type Canvas struct {
	Width  float32 `yaml:"width"`
	Height float32 `yaml:"height"`
}

// Parameter declares one animatable parameter.
type Parameter struct {
	ID      string  `yaml:"id"`
	Min     float32 `yaml:"min"`
	Max     float32 `yaml:"max"`
	Default float32 `yaml:"default"`
}

// Rig2D decodes rig files and animates Live2D-style parameters.
type Rig2D struct{}

var _ scene.Rig = Rig2D{}

func (Rig2D) Name() string { return RigName }

func (Rig2D) Decode(name string, data []byte) (scene.Model, error) {
	f, err := Parse(data)
	if err != nil {
		return nil, err
	}
	ids := make([]string, len(f.Parameters))
	for i, p := range f.Parameters {
		ids[i] = p.ID
	}
	if f.Name != "" {
		name = f.Name
	}
	w, h := f.Canvas.Width/2, f.Canvas.Height/2
	bounds := scene.Bounds{Min: mgl32.Vec3{-w, -h, 0}, Max: mgl32.Vec3{w, h, 0}}
	m := scene.NewParamModel(name, ids, bounds)
	for _, p := range f.Parameters {
		m.SetParameter(p.ID, p.Default)
	}
	return m, nil
}

// Parse decodes and validates a rig file.
func Parse(data []byte) (*File, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, protocol.Errorf(protocol.KindModelParse, "decode rig", "empty rig file")
	}
	var f File
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil {
		return nil, protocol.Wrap(protocol.KindModelParse, "decode rig", err)
	}
	if err := f.validate(); err != nil {
		return nil, protocol.Wrap(protocol.KindModelParse, "validate rig", err)
	}
	return &f, nil
}

func (f *File) validate() error {
	if len(f.Parameters) == 0 {
		return fmt.Errorf("rig declares no parameters")
	}
	if f.Canvas.Width <= 0 || f.Canvas.Height <= 0 {
		return fmt.Errorf("invalid canvas %gx%g", f.Canvas.Width, f.Canvas.Height)
	}
	seen := make(map[string]bool, len(f.Parameters))
	for _, p := range f.Parameters {
		if strings.TrimSpace(p.ID) == "" {
			return fmt.Errorf("parameter without id")
		}
		if seen[p.ID] {
			return fmt.Errorf("duplicate parameter %s", p.ID)
		}
		seen[p.ID] = true
		if p.Max < p.Min {
			return fmt.Errorf("parameter %s: max below min", p.ID)
		}
	}
	return nil
}

var presets = map[string]map[string]float32{
	"listening": {ParamBrowLY: 0.2, ParamBrowRY: 0.2, ParamEyeBallY: 0.05},
	"thinking":  {ParamBrowLForm: -0.3, ParamBrowRForm: -0.3, ParamEyeBallY: 0.4, ParamAngleX: -8},
	"happy":     {ParamEyeLSmile: 1, ParamEyeRSmile: 1, ParamMouthForm: 1, ParamCheek: 0.6},
	"surprised": {ParamBrowLY: 0.8, ParamBrowRY: 0.8, ParamEyeBallY: 0.1, ParamMouthOpenY: 0.4},
	"sad":       {ParamBrowLForm: -0.8, ParamBrowRForm: -0.8, ParamMouthForm: -0.7, ParamAngleY: -6},
}

func (Rig2D) ExpressionParams() []string {
	return []string{
		ParamAngleX, ParamAngleY,
		ParamEyeLSmile, ParamEyeRSmile, ParamEyeBallY,
		ParamBrowLY, ParamBrowRY, ParamBrowLForm, ParamBrowRForm,
		ParamMouthForm, ParamCheek,
	}
}

func (Rig2D) Preset(expression string) map[string]float32 {
	p, ok := presets[expression]
	if !ok {
		return nil
	}
	out := make(map[string]float32, len(p))
	for k, v := range p {
		out[k] = v
	}
	return out
}

func (Rig2D) MouthParams() []string { return []string{ParamMouthOpenY} }

func (Rig2D) MouthShape(open float32) map[string]float32 {
	return map[string]float32{ParamMouthOpenY: clamp(open, 0, 1)}
}

// BlinkShape maps closure onto eye-open parameters, which run the other way.
func (Rig2D) BlinkShape(closed float32) map[string]float32 {
	open := 1 - clamp(closed, 0, 1)
	return map[string]float32{ParamEyeLOpen: open, ParamEyeROpen: open}
}

func clamp(v, lo, hi float32) float32 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
