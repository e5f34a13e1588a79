package subscription

import (
	"testing"

	"github.com/abboe/broker/pkg/bo"
	"github.com/abboe/broker/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testSubscriber struct {
	mode  ReceiveMode
	rules List
}

func (s *testSubscriber) ReceiveMode() ReceiveMode { return s.mode }
func (s *testSubscriber) Subscriptions() List      { return s.rules }

func createTestSubscriber(t *testing.T, mode ReceiveMode, rules ...string) *testSubscriber {
	t.Helper()
	list, err := Parse(rules)
	require.NoError(t, err)
	return &testSubscriber{mode: mode, rules: list}
}

func TestParseRule(t *testing.T) {
	tests := []struct {
		in   string
		want Rule
	}{
		{"text/plain", Rule{Kind: KindType, Pattern: "text/plain"}},
		{"image/*", Rule{Kind: KindType, Pattern: "image/", Wildcard: true}},
		{"#message", Rule{Kind: KindNature, Pattern: "message"}},
		{"!@error", Rule{Negated: true, Kind: KindEvent, Pattern: "error"}},
		{"@routing/*", Rule{Kind: KindEvent, Pattern: "routing/", Wildcard: true}},
		{"*", Rule{Kind: KindType, Wildcard: true}},
		{"!#*", Rule{Negated: true, Kind: KindNature, Wildcard: true}},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseRule(tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.in, got.String())
		})
	}
}

func TestParseRuleInvalid(t *testing.T) {
	for _, in := range []string{"", "!", "#", "@", "!@", "  "} {
		_, err := ParseRule(in)
		require.Error(t, err, "rule %q", in)
		assert.True(t, types.IsErrCode(err, types.ErrCodeApplication))
	}

	_, err := Parse([]string{"#ok", "!"})
	assert.Error(t, err)
}

func TestListStringsRoundTrip(t *testing.T) {
	in := []string{"#message", "!@error", "*", "text/*"}
	list, err := Parse(in)
	require.NoError(t, err)
	assert.Equal(t, in, list.Strings())
}

func TestLastMatchWins(t *testing.T) {
	list, err := Parse([]string{"#message", "!@error", "*"})
	require.NoError(t, err)

	message := bo.NewText("hi").Natures("message").Build()
	assert.True(t, list.Match(message))

	// the negated rule matches, then the bare wildcard overrides it
	errEvent := bo.NewEvent("error").Build()
	assert.True(t, list.Match(errEvent))
}

func TestMatchSemantics(t *testing.T) {
	text := bo.NewText("hi").Build()
	png := bo.NewContent("image/png", []byte{1}).Natures("photo", "message").Build()
	ping := bo.NewEvent("ping").Build()

	tests := []struct {
		name  string
		rules []string
		obj   *bo.BusinessObject
		want  bool
	}{
		{"empty list passes", nil, text, true},
		{"no match passes", []string{"!image/*"}, text, true},
		{"negated type", []string{"!text/plain"}, text, false},
		{"type prefix", []string{"!*", "image/*"}, png, true},
		{"type prefix miss", []string{"!*", "image/*"}, text, false},
		{"nature any of list", []string{"!*", "#message"}, png, true},
		{"absent nature", []string{"!*", "#message"}, text, false},
		{"event exact", []string{"!*", "@ping"}, ping, true},
		{"event rule ignores content", []string{"!*", "@*"}, text, false},
		{"bare wildcard on event", []string{"!*"}, ping, false},
		{"type rule ignores events", []string{"!text/*"}, ping, true},
		{"later rule wins", []string{"!#photo", "#message"}, png, true},
		{"later negation wins", []string{"#message", "!#photo"}, png, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			list, err := Parse(tt.rules)
			require.NoError(t, err)
			assert.Equal(t, tt.want, list.Match(tt.obj))
		})
	}
}

func TestParseReceiveMode(t *testing.T) {
	tests := map[string]ReceiveMode{
		"all":         ModeAll,
		"NONE":        ModeNone,
		"events-only": ModeEventsOnly,
		"EVENTS_ONLY": ModeEventsOnly,
		" no_echo ":   ModeNoEcho,
	}
	for in, want := range tests {
		got, err := ParseReceiveMode(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got)
	}

	_, err := ParseReceiveMode("sometimes")
	assert.True(t, types.IsErrCode(err, types.ErrCodeApplication))
}

func TestShouldDeliverModes(t *testing.T) {
	content := bo.NewText("hi").Build()
	event := bo.NewEvent("clients/registered").Build()
	source := createTestSubscriber(t, ModeAll)

	for _, mode := range []ReceiveMode{ModeNone, ModeEventsOnly} {
		target := createTestSubscriber(t, mode, "!*")
		assert.False(t, ShouldDeliver(content, source, target), mode)
		assert.True(t, ShouldDeliver(event, source, target), "%s ignores rules for events", mode)
	}

	all := createTestSubscriber(t, ModeAll, "!text/*")
	assert.False(t, ShouldDeliver(content, source, all))
	assert.True(t, ShouldDeliver(event, source, all))
}

func TestShouldDeliverNoEcho(t *testing.T) {
	obj := bo.NewText("hi").Build()
	s := createTestSubscriber(t, ModeNoEcho)
	other := createTestSubscriber(t, ModeNoEcho)

	assert.False(t, ShouldDeliver(obj, s, s))
	assert.True(t, ShouldDeliver(obj, s, other))
	assert.True(t, ShouldDeliver(obj, nil, s))

	// ALL echoes back to the source
	echo := createTestSubscriber(t, ModeAll)
	assert.True(t, ShouldDeliver(obj, echo, echo))
}
