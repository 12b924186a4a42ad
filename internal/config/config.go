/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

// Package config reads the test session configuration: a YAML file made of named sections,
// each a flat map of string values. Values may refer to environment variables (${NAME}),
// which can also be supplied through dotenv files.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const (
	SectionGdbServer = "gdbServer"
	SectionGdb       = "gdb"
	SectionConsole   = "ioConsole"
	SectionUart4     = "ioUart4"
	SectionRunner    = "runner"

	// Loaded automatically if present next to the configuration file.
	DefaultEnvFileName = ".env"
)

var ErrMissingValue = errors.New("configuration value is missing")

// File is a parsed configuration file.
type File struct {
	path     string
	sections map[string]Section
}

// Section is one named group of configuration values.
type Section struct {
	name   string
	values map[string]string
}

// Load reads the configuration file at path. Dotenv files are loaded first (variables that are
// already set in the environment win); the ".env" file next to the configuration is loaded if it exists.
func Load(path string, envFiles ...string) (*File, error) {
	defaultEnv := filepath.Join(filepath.Dir(path), DefaultEnvFileName)
	if _, statErr := os.Stat(defaultEnv); statErr == nil {
		envFiles = append(envFiles, defaultEnv)
	}
	if len(envFiles) > 0 {
		if err := godotenv.Load(envFiles...); err != nil {
			return nil, fmt.Errorf("could not load environment files %v: %w", envFiles, err)
		}
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("configuration file '%s' does not exist", path)
		}
		return nil, fmt.Errorf("could not read configuration file '%s': %w", path, err)
	}

	f, parseErr := Parse(data)
	if parseErr != nil {
		return nil, fmt.Errorf("configuration file '%s' is invalid: %w", path, parseErr)
	}
	f.path = path
	return f, nil
}

// Parse decodes configuration data and expands environment variable references in its values.
func Parse(data []byte) (*File, error) {
	var raw map[string]map[string]string
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, err
	}

	f := &File{sections: make(map[string]Section, len(raw))}
	for name, values := range raw {
		expanded := make(map[string]string, len(values))
		for k, v := range values {
			expanded[k] = os.ExpandEnv(v)
		}
		f.sections[name] = Section{name: name, values: expanded}
	}
	return f, nil
}

func (f *File) Path() string {
	return f.path
}

// HasSection returns true if the file contains a section with the given name.
func (f *File) HasSection(name string) bool {
	_, found := f.sections[name]
	return found
}

// Section returns the named section. A missing section is returned as an empty one.
func (f *File) Section(name string) Section {
	if s, found := f.sections[name]; found {
		return s
	}
	return Section{name: name}
}

func (s Section) Name() string {
	return s.name
}

func (s Section) lookup(key string) (string, bool) {
	v, found := s.values[key]
	v = strings.TrimSpace(v)
	return v, found && v != ""
}

// String returns the value for the key, or def if it is not set.
func (s Section) String(key, def string) string {
	if v, found := s.lookup(key); found {
		return v
	}
	return def
}

// Required returns the value for the key, or an error if it is not set.
func (s Section) Required(key string) (string, error) {
	if v, found := s.lookup(key); found {
		return v, nil
	}
	return "", fmt.Errorf("%w: %s.%s", ErrMissingValue, s.name, key)
}

func (s Section) Int(key string, def int) (int, error) {
	v, found := s.lookup(key)
	if !found {
		return def, nil
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s.%s must be an integer, got '%s'", s.name, key, v)
	}
	return i, nil
}

func (s Section) Bool(key string, def bool) (bool, error) {
	v, found := s.lookup(key)
	if !found {
		return def, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("%s.%s must be true or false, got '%s'", s.name, key, v)
	}
	return b, nil
}

// Duration accepts Go duration strings ("1m30s") and plain numbers of seconds ("90", "0.5").
func (s Section) Duration(key string, def time.Duration) (time.Duration, error) {
	v, found := s.lookup(key)
	if !found {
		return def, nil
	}
	if seconds, err := strconv.ParseFloat(v, 64); err == nil {
		return time.Duration(seconds * float64(time.Second)), nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s.%s must be a duration, got '%s'", s.name, key, v)
	}
	return d, nil
}
