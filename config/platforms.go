package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Platform describes one streaming platform the relay can address.
type Platform struct {
	Name        string `yaml:"name"`         // wire name, e.g. "twitch"
	Command     string `yaml:"command"`      // conference command prefix, e.g. "/twitch"
	DisplayName string `yaml:"display_name"` // shown in injected messages; defaults to title-cased Name
	Icon        string `yaml:"icon"`         // marker glyph; defaults to 🟢
}

type platformsFile struct {
	Platforms []Platform `yaml:"platforms"`
}

// DefaultPlatforms returns the built-in twitch and youtube definitions.
func DefaultPlatforms() []Platform {
	return []Platform{
		{Name: "twitch", Command: "/twitch", Icon: "🟢"},
		{Name: "youtube", Command: "/youtube", Icon: "🔴"},
	}
}

// LoadPlatforms reads platform definitions from a YAML file of the form:
//
//	platforms:
//	  - name: twitch
//	    command: /twitch
//	    icon: "🟢"
func LoadPlatforms(path string) ([]Platform, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read platforms file: %w", err)
	}
	var f platformsFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse platforms file: %w", err)
	}
	if len(f.Platforms) == 0 {
		return nil, fmt.Errorf("platforms file %s defines no platforms", path)
	}
	seen := make(map[string]bool, len(f.Platforms))
	out := make([]Platform, 0, len(f.Platforms))
	for i, p := range f.Platforms {
		p.Name = strings.ToLower(strings.TrimSpace(p.Name))
		if p.Name == "" {
			return nil, fmt.Errorf("platform %d: name is required", i)
		}
		if p.Command == "" {
			p.Command = "/" + p.Name
		}
		if !strings.HasPrefix(p.Command, "/") {
			return nil, fmt.Errorf("platform %s: command %q must start with /", p.Name, p.Command)
		}
		if seen[p.Command] {
			return nil, fmt.Errorf("platform %s: duplicate command %q", p.Name, p.Command)
		}
		seen[p.Command] = true
		if p.Icon == "" {
			p.Icon = "🟢"
			if p.Name == "youtube" {
				p.Icon = "🔴"
			}
		}
		out = append(out, p)
	}
	return out, nil
}
