package relay

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/onnwee/stream-relay/config"
)

func TestCommandsParse(t *testing.T) {
	c := NewCommands(nil)
	tests := []struct {
		name         string
		text         string
		wantPlatform string
		wantBody     string
		wantOK       bool
	}{
		{"twitch", "/twitch hello", "twitch", "hello", true},
		{"youtube multiword", "/youtube  hello   world ", "youtube", "hello   world", true},
		{"bare command", "/twitch", "twitch", "", true},
		{"command with spaces only", "/twitch    ", "twitch", "", true},
		{"newline separator", "/twitch\nhi", "twitch", "hi", true},
		{"no prefix", "hello there", "", "", false},
		{"prefix glued to word", "/twitchy hi", "", "", false},
		{"unknown command", "/kick hi", "", "", false},
		{"case sensitive", "/Twitch hi", "", "", false},
		{"leading whitespace", "  /twitch hi", "", "", false},
		{"leading newline", "\n/youtube hi", "", "", false},
		{"empty", "", "", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, body, ok := c.Parse(tt.text)
			assert.Equal(t, tt.wantOK, ok)
			assert.Equal(t, tt.wantPlatform, p)
			assert.Equal(t, tt.wantBody, body)
		})
	}
}

func TestCommandsCustomPlatforms(t *testing.T) {
	c := NewCommands([]config.Platform{{Name: "kick", Command: "/k", Icon: "🟩", DisplayName: "KICK"}})
	p, body, ok := c.Parse("/k yo")
	assert.True(t, ok)
	assert.Equal(t, "kick", p)
	assert.Equal(t, "yo", body)

	assert.Equal(t, "**🟩 [KICK]**\n**bob**: yo", c.Format(InboundFrame{Platform: "kick", Text: "yo", User: User{Name: "bob"}}))
	assert.True(t, c.HasMarker("**🟩 [KICK]** echo"))
	assert.True(t, c.HasMarker("**🟢 [Twitch]** builtin markers always apply"))
}

func TestCommandsFormat(t *testing.T) {
	c := NewCommands(nil)
	tests := []struct {
		name  string
		frame InboundFrame
		want  string
	}{
		{"twitch", InboundFrame{Platform: "twitch", Text: "hi", User: User{Name: "alice"}}, "**🟢 [Twitch]**\n**alice**: hi"},
		{"youtube", InboundFrame{Platform: "youtube", Text: "yo", User: User{Name: "bob"}}, "**🔴 [Youtube]**\n**bob**: yo"},
		{"unknown author", InboundFrame{Platform: "twitch", Text: "x"}, "**🟢 [Twitch]**\n**unknown**: x"},
		{"unconfigured platform", InboundFrame{Platform: "kick", Text: "x", User: User{Name: "c"}}, "**🟢 [Kick]**\n**c**: x"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, c.Format(tt.frame))
		})
	}
}

func TestFormattedMessagesCarryMarker(t *testing.T) {
	c := NewCommands(nil)
	for _, p := range []string{"twitch", "youtube", "kick"} {
		out := c.Format(InboundFrame{Platform: p, Text: "/twitch sneaky"})
		assert.True(t, c.HasMarker(out), "formatted %s message must be recognizable as injected", p)
	}
}
