package config

import (
	"bytes"
	"fmt"
	"io"
	"os"

	"go.uber.org/multierr"
	"gopkg.in/yaml.v3"

	"github.com/SirClappington/enq/internal/channel"
	"github.com/SirClappington/enq/internal/validate"
)

// ChannelSpec is one channel entry of the channels file. Handler names a
// built-in handler to bind at startup.
type ChannelSpec struct {
	channel.Channel `yaml:",inline"`
	Handler         string `yaml:"handler"`
}

type ChannelFile struct {
	// Profanity replaces the built-in blocklist when set.
	Profanity []string      `yaml:"profanity"`
	Channels  []ChannelSpec `yaml:"channels"`
}

// Definitions returns the channel definitions without handler names.
func (f *ChannelFile) Definitions() []channel.Channel {
	out := make([]channel.Channel, 0, len(f.Channels))
	for _, s := range f.Channels {
		out = append(out, s.Channel)
	}
	return out
}

func LoadChannels(path string) (*ChannelFile, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read channels file: %w", err)
	}
	f, err := DecodeChannels(bytes.NewReader(b))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return f, nil
}

func DecodeChannels(r io.Reader) (*ChannelFile, error) {
	var f ChannelFile
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil {
		return nil, fmt.Errorf("decode channels: %w", err)
	}
	if len(f.Channels) == 0 {
		return nil, fmt.Errorf("no channels defined")
	}
	return &f, nil
}

// Build creates the registry and validator chain for the file and checks
// every channel's validators against the chain before anything is served.
func (f *ChannelFile) Build() (*channel.Registry, *validate.Chain, error) {
	reg, err := channel.New(f.Definitions()...)
	if err != nil {
		return nil, nil, err
	}
	chain := validate.NewChain(validate.Defaults(f.Profanity))
	var verr error
	for _, name := range reg.Names() {
		ch, _ := reg.Get(name)
		verr = multierr.Append(verr, chain.Verify(ch))
	}
	if verr != nil {
		return nil, nil, verr
	}
	return reg, chain, nil
}

// Handlers maps channel names to their configured handler name.
func (f *ChannelFile) Handlers() map[string]string {
	out := make(map[string]string, len(f.Channels))
	for _, s := range f.Channels {
		if s.Handler != "" {
			out[s.Name] = s.Handler
		}
	}
	return out
}
