package dialect

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/n0madic/go-chatrelay/internal/stream"
)

// ErrUnknownProfile is returned when a profile name is not registered.
var ErrUnknownProfile = errors.New("unknown backend profile")

// Profile is the static description of one backend: its wire dialect, the
// route requests are posted to and its model naming rule. Profiles are
// selected once per session and never mutated afterwards.
type Profile struct {
	Name    string
	Dialect Dialect
	Path    string
	Policy  stream.Policy

	// ModelProvider, when set, makes model ids provider-qualified
	// ("provider:model"); bare ids get this provider prefixed.
	ModelProvider string
}

// Decoder returns a fresh decoder for the profile's dialect and policy.
func (p Profile) Decoder() Decoder {
	if p.Dialect == OpenAISSE {
		return NewOpenAISSE(p.Policy)
	}
	dec, err := New(p.Dialect)
	if err != nil {
		panic(err)
	}
	return dec
}

// NormalizeModel applies the profile's model naming rule.
func (p Profile) NormalizeModel(model string) string {
	model = strings.TrimSpace(model)
	if p.ModelProvider == "" || model == "" || strings.Contains(model, ":") {
		return model
	}
	return p.ModelProvider + ":" + model
}

var registry = map[string]Profile{
	"openai": {
		Name:    "openai",
		Dialect: OpenAISSE,
		Path:    "/v1/chat/completions",
		Policy:  stream.PolicyLines,
	},
	"worker": {
		Name:          "worker",
		Dialect:       OpenAISSE,
		Path:          "/api/generate",
		Policy:        stream.PolicyEvents,
		ModelProvider: "openai",
	},
	"ollama": {
		Name:    "ollama",
		Dialect: OllamaNDJSON,
		Path:    "/api/chat",
		Policy:  stream.PolicyLines,
	},
	"session": {
		Name:    "session",
		Dialect: SingleJSON,
		Path:    "/api/session",
		Policy:  stream.PolicyLines,
	},
	"edge": {
		Name:    "edge",
		Dialect: EdgeNDJSON,
		Path:    "/api/generate",
		Policy:  stream.PolicyLines,
	},
}

// DefaultProfile is used when a session does not name one.
const DefaultProfile = "edge"

// LookupProfile returns the registered profile with the given name.
func LookupProfile(name string) (Profile, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "" {
		name = DefaultProfile
	}
	p, ok := registry[name]
	if !ok {
		return Profile{}, fmt.Errorf("%w: %q (known: %s)", ErrUnknownProfile, name, strings.Join(ProfileNames(), ", "))
	}
	return p, nil
}

// ProfileNames lists the registered profile names in sorted order.
func ProfileNames() []string {
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
