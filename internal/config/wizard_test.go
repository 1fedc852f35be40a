package config

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWizardAddsWeComAccount(t *testing.T) {
	input := strings.Join([]string{
		"wecom",
		"Corp-A",
		"allowlist",
		"tok",
		"short",
		"abcdefghijklmnopqrstuvwxyz0123456789ABCDEFG",
		"corp-a",
		"",
	}, "\n") + "\n"

	var out bytes.Buffer
	cfg := DefaultConfig()
	require.NoError(t, NewWizard(strings.NewReader(input), &out).Run(cfg))

	acct, ok := cfg.Channels.WeCom.Accounts["corp-a"]
	require.True(t, ok)
	assert.Equal(t, "tok", acct.Token)
	assert.Equal(t, "allowlist", acct.DMPolicy)
	assert.Equal(t, "/wecom", acct.WebhookPath)
	assert.Contains(t, out.String(), "invalid encoding key")
}

func TestWizardRejectsUnknownChannelThenAccepts(t *testing.T) {
	input := "telegram\ndingtalk\n\n\nck\ncs\n"

	var out bytes.Buffer
	cfg := DefaultConfig()
	require.NoError(t, NewWizard(strings.NewReader(input), &out).Run(cfg))

	acct := cfg.Channels.DingTalk.Accounts[DefaultAccountID]
	assert.Equal(t, "ck", acct.ClientID)
	assert.Equal(t, "pairing", acct.DMPolicy)
	assert.Contains(t, out.String(), "choose one of")
}

func TestWizardEOF(t *testing.T) {
	err := NewWizard(strings.NewReader(""), &bytes.Buffer{}).Run(DefaultConfig())
	assert.Error(t, err)
}
