package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/dandantas/quantflow/internal/pipeline"
	"github.com/dandantas/quantflow/internal/stages"
	"gopkg.in/yaml.v3"
)

// PipelineFile overrides the built-in stage definitions
type PipelineFile struct {
	Stages []StageOverride `yaml:"stages"`
}

// StageOverride changes one stage. Unset fields keep their defaults.
type StageOverride struct {
	Name        string               `yaml:"name"`
	Description string               `yaml:"description"`
	Weight      *float64             `yaml:"weight"`
	Timeout     *time.Duration       `yaml:"timeout"`
	Remote      *stages.RemoteConfig `yaml:"remote"`
}

// LoadPipelineFile reads a YAML pipeline definition. Unknown keys are rejected.
func LoadPipelineFile(path string) (*PipelineFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read pipeline config: %w", err)
	}
	return ParsePipeline(data)
}

// ParsePipeline decodes a YAML pipeline definition
func ParsePipeline(data []byte) (*PipelineFile, error) {
	var file PipelineFile
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&file); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to parse pipeline config: %w", err)
	}
	return &file, nil
}

// BuildPipeline applies the overrides to the default definitions, binds each
// stage to its built-in or remote implementation and validates the result.
// A nil file yields the default pipeline.
func BuildPipeline(file *PipelineFile, builtin map[string]pipeline.Func, client *http.Client) (*pipeline.Pipeline, error) {
	defs := pipeline.DefaultDefinitions()
	index := make(map[string]int, len(defs))
	for i, d := range defs {
		index[d.Name] = i
	}

	remotes := map[string]*stages.RemoteConfig{}
	if file != nil {
		for _, o := range file.Stages {
			i, ok := index[o.Name]
			if !ok {
				return nil, fmt.Errorf("pipeline config: unknown stage %q", o.Name)
			}
			if o.Description != "" {
				defs[i].Description = o.Description
			}
			if o.Weight != nil {
				defs[i].Weight = *o.Weight
			}
			if o.Timeout != nil {
				defs[i].Timeout = *o.Timeout
			}
			if o.Remote != nil {
				if err := o.Remote.Validate(); err != nil {
					return nil, fmt.Errorf("pipeline config: stage %s: %w", o.Name, err)
				}
				remotes[o.Name] = o.Remote
			}
		}
	}

	list := make([]pipeline.Stage, 0, len(defs))
	for _, d := range defs {
		run := builtin[d.Name]
		if r, ok := remotes[d.Name]; ok {
			run = stages.Remote(d.Name, d.Produces, *r, client)
		}
		list = append(list, pipeline.Stage{Definition: d, Run: run})
	}

	p, err := pipeline.New(list...)
	if err != nil {
		return nil, fmt.Errorf("pipeline config: %w", err)
	}
	return p, nil
}
