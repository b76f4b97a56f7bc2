package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/SirClappington/enq/internal/channel"
	"github.com/SirClappington/enq/internal/validate"
)

func TestParse_Defaults(t *testing.T) {
	t.Setenv("REDIS_ADDR", "redis:6379")
	t.Setenv("WORKER_BLOCK_TIMEOUT", "2s")

	c, err := Parse()
	require.NoError(t, err)
	assert.Equal(t, "redis:6379", c.RedisAddr)
	assert.Equal(t, ":62023", c.APIAddr)
	assert.Equal(t, 2*time.Second, c.BlockTimeout)
	assert.Equal(t, 10*time.Minute, c.StaleAfter)
	assert.Equal(t, "channels.yaml", c.ChannelsFile)
}

func TestParse_BadDuration(t *testing.T) {
	t.Setenv("ACK_TIMEOUT", "soon")
	_, err := Parse()
	assert.Error(t, err)
}

const channelsYAML = `
profanity: [darn]
channels:
  - name: sample
    handler: echo
    max_message_length: 160
    send_on_accept: true
    accept_response: "Great, we'll get right back to you."
    error_response: "It seems like an error has occurred...please try again later."
    validators:
      - name: profanity
        message: "No profanity, please."
      - name: length
        message: "Too long or empty."
    carrier:
      account_sid: AC1
      auth_token: tok
      from_number: "+1234567890"
  - name: hotline
    handler: noop
    max_message_length: 160
    accept_response: "Connecting you now."
    error_response: "Sorry."
    handler_timeout: 5s
    call:
      timeout: 30s
      busy_response: "All lines are busy."
`

func TestDecodeChannels(t *testing.T) {
	f, err := DecodeChannels(strings.NewReader(channelsYAML))
	require.NoError(t, err)
	assert.Equal(t, []string{"darn"}, f.Profanity)
	require.Len(t, f.Channels, 2)

	s := f.Channels[0]
	assert.Equal(t, "echo", s.Handler)
	assert.Equal(t, "sample", s.Name)
	assert.True(t, s.SendOnAccept)
	assert.Equal(t, []channel.Rule{
		{Name: "profanity", Message: "No profanity, please."},
		{Name: "length", Message: "Too long or empty."},
	}, s.Validators)
	assert.Equal(t, "+1234567890", s.Carrier.FromNumber)

	h := f.Channels[1]
	require.NotNil(t, h.Call)
	assert.Equal(t, 30*time.Second, h.Call.Timeout)
	assert.Equal(t, 5*time.Second, h.HandlerTimeout)

	reg, err := channel.New(f.Definitions()...)
	require.NoError(t, err)
	assert.Equal(t, []string{"hotline", "sample"}, reg.Names())
}

func TestDecodeChannels_Rejects(t *testing.T) {
	_, err := DecodeChannels(strings.NewReader("channels: []"))
	assert.Error(t, err)

	_, err = DecodeChannels(strings.NewReader("channels:\n  - name: x\n    max_len: 3\n"))
	assert.Error(t, err, "unknown fields are rejected")
}

func TestLoadChannels(t *testing.T) {
	path := filepath.Join(t.TempDir(), "channels.yaml")
	require.NoError(t, os.WriteFile(path, []byte(channelsYAML), 0o600))

	f, err := LoadChannels(path)
	require.NoError(t, err)
	assert.Len(t, f.Channels, 2)

	_, err = LoadChannels(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestChannelFile_Build(t *testing.T) {
	f, err := DecodeChannels(strings.NewReader(channelsYAML))
	require.NoError(t, err)

	reg, chain, err := f.Build()
	require.NoError(t, err)
	require.NotNil(t, chain)
	assert.Equal(t, []string{"hotline", "sample"}, reg.Names())
	assert.Equal(t, map[string]string{"sample": "echo", "hotline": "noop"}, f.Handlers())

	f.Channels[0].Validators = append(f.Channels[0].Validators, channel.Rule{Name: "shouting", Message: "Quieter."})
	_, _, err = f.Build()
	assert.ErrorIs(t, err, validate.ErrUnknownValidator)
}
