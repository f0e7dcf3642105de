package relay

import (
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/onnwee/stream-relay/config"
)

// Markers that prefix every injected message; also used to spot injected messages on feeds
// without provenance.
var builtinMarkers = []string{"**🟢 [", "**🔴 ["}

// Commands maps conference command prefixes to platforms and renders inbound frames.
type Commands struct {
	byCommand map[string]config.Platform
	byName    map[string]config.Platform
	markers   []string
}

// NewCommands builds a command set. An empty list falls back to the twitch/youtube defaults.
func NewCommands(platforms []config.Platform) *Commands {
	if len(platforms) == 0 {
		platforms = config.DefaultPlatforms()
	}
	c := &Commands{
		byCommand: make(map[string]config.Platform, len(platforms)),
		byName:    make(map[string]config.Platform, len(platforms)),
		markers:   append([]string(nil), builtinMarkers...),
	}
	for _, p := range platforms {
		c.byCommand[p.Command] = p
		c.byName[p.Name] = p
		if p.Icon != "" {
			m := "**" + p.Icon + " ["
			if !containsString(c.markers, m) {
				c.markers = append(c.markers, m)
			}
		}
	}
	return c
}

// Parse splits "/twitch hello" into ("twitch", "hello", true). The command must open the text
// and be the whole first token, so "  /twitch hi" and "/twitchy hi" are not commands. An empty body still reports ok.
func (c *Commands) Parse(text string) (platform, body string, ok bool) {
	token, rest := text, ""
	if i := strings.IndexFunc(text, unicode.IsSpace); i >= 0 {
		token, rest = text[:i], text[i:]
	}
	p, found := c.byCommand[token]
	if !found {
		return "", "", false
	}
	return p.Name, strings.TrimSpace(rest), true
}

// HasMarker reports whether text contains an injection marker.
func (c *Commands) HasMarker(text string) bool {
	for _, m := range c.markers {
		if strings.Contains(text, m) {
			return true
		}
	}
	return false
}

// Format renders an inbound frame as conference markdown:
//
//	**🔴 [Youtube]**
//	**alice**: hello
func (c *Commands) Format(f InboundFrame) string {
	icon, display := "🟢", titleCase(f.Platform)
	if f.Platform == "youtube" {
		icon = "🔴"
	}
	if p, ok := c.byName[f.Platform]; ok {
		if p.Icon != "" {
			icon = p.Icon
		}
		if p.DisplayName != "" {
			display = p.DisplayName
		}
	}
	name := f.User.Name
	if name == "" {
		name = "unknown"
	}
	return "**" + icon + " [" + display + "]**\n**" + name + "**: " + f.Text
}

func titleCase(s string) string {
	r, size := utf8.DecodeRuneInString(s)
	if r == utf8.RuneError {
		return s
	}
	return string(unicode.ToUpper(r)) + s[size:]
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
