package config

import (
	"bufio"
	"fmt"
	"io"
	"strings"

	"github.com/harun/chatgate/pkg/envelope"
)

// Wizard provides an interactive prompt for adding a channel account
type Wizard struct {
	reader *bufio.Reader
	out    io.Writer
}

// NewWizard creates a new configuration wizard
func NewWizard(in io.Reader, out io.Writer) *Wizard {
	return &Wizard{
		reader: bufio.NewReader(in),
		out:    out,
	}
}

// Run prompts for one channel account and adds it to cfg.
func (w *Wizard) Run(cfg *Config) error {
	fmt.Fprintln(w.out, "=== chatgate channel setup ===")
	fmt.Fprintln(w.out)

	channel, err := w.choose("Channel (wecom, dingtalk, signedhook)", "wecom", []string{"wecom", "dingtalk", "signedhook"})
	if err != nil {
		return err
	}

	accountID, err := w.prompt("Account id", DefaultAccountID)
	if err != nil {
		return err
	}
	accountID = strings.ToLower(accountID)

	fmt.Fprintln(w.out)
	fmt.Fprintln(w.out, "DM policy options:")
	fmt.Fprintln(w.out, "  pairing   - unknown senders get a pairing code (default)")
	fmt.Fprintln(w.out, "  allowlist - only listed senders reach the agent")
	fmt.Fprintln(w.out, "  open      - anyone reaches the agent")
	policy, err := w.choose("DM policy", "pairing", []string{"pairing", "allowlist", "open"})
	if err != nil {
		return err
	}

	base := AccountBase{DMPolicy: policy}

	switch channel {
	case "wecom":
		acct := WeComAccount{AccountBase: base}
		if acct.Token, err = w.required("Token"); err != nil {
			return err
		}
		for {
			if acct.EncodingAESKey, err = w.required("EncodingAESKey (43 chars)"); err != nil {
				return err
			}
			if _, keyErr := envelope.DecodeKey(acct.EncodingAESKey); keyErr != nil {
				fmt.Fprintf(w.out, "Error: %v\n", keyErr)
				continue
			}
			break
		}
		if acct.ReceiveID, err = w.required("Receive id (corp id)"); err != nil {
			return err
		}
		if acct.WebhookPath, err = w.prompt("Webhook path", "/wecom"); err != nil {
			return err
		}
		if cfg.Channels.WeCom.Accounts == nil {
			cfg.Channels.WeCom.Accounts = make(map[string]WeComAccount)
		}
		cfg.Channels.WeCom.Accounts[accountID] = acct

	case "dingtalk":
		acct := DingTalkAccount{AccountBase: base}
		if acct.ClientID, err = w.required("Client id (AppKey)"); err != nil {
			return err
		}
		if acct.ClientSecret, err = w.required("Client secret (AppSecret)"); err != nil {
			return err
		}
		if cfg.Channels.DingTalk.Accounts == nil {
			cfg.Channels.DingTalk.Accounts = make(map[string]DingTalkAccount)
		}
		cfg.Channels.DingTalk.Accounts[accountID] = acct

	case "signedhook":
		acct := SignedHookAccount{AccountBase: base}
		if acct.Secret, err = w.required("Shared secret"); err != nil {
			return err
		}
		if acct.WebhookPath, err = w.prompt("Webhook path", "/hook"); err != nil {
			return err
		}
		if acct.CallbackURL, err = w.prompt("Callback URL for proactive sends", ""); err != nil {
			return err
		}
		if cfg.Channels.SignedHook.Accounts == nil {
			cfg.Channels.SignedHook.Accounts = make(map[string]SignedHookAccount)
		}
		cfg.Channels.SignedHook.Accounts[accountID] = acct
	}

	fmt.Fprintf(w.out, "\nAdded %s account %q\n", channel, accountID)
	return nil
}

func (w *Wizard) prompt(label, def string) (string, error) {
	if def != "" {
		fmt.Fprintf(w.out, "%s [%s]: ", label, def)
	} else {
		fmt.Fprintf(w.out, "%s: ", label)
	}
	line, err := w.readLine()
	if err != nil {
		return "", err
	}
	if line == "" {
		return def, nil
	}
	return line, nil
}

func (w *Wizard) required(label string) (string, error) {
	for {
		v, err := w.prompt(label, "")
		if err != nil {
			return "", err
		}
		if v != "" {
			return v, nil
		}
		fmt.Fprintf(w.out, "Error: %s is required\n", label)
	}
}

func (w *Wizard) choose(label, def string, options []string) (string, error) {
	for {
		v, err := w.prompt(label, def)
		if err != nil {
			return "", err
		}
		v = strings.ToLower(v)
		for _, opt := range options {
			if v == opt {
				return v, nil
			}
		}
		fmt.Fprintf(w.out, "Error: choose one of %s\n", strings.Join(options, ", "))
	}
}

func (w *Wizard) readLine() (string, error) {
	line, err := w.reader.ReadString('\n')
	if err != nil {
		if err == io.EOF && line != "" {
			return strings.TrimSpace(line), nil
		}
		if err == io.EOF {
			return "", fmt.Errorf("unexpected end of input")
		}
		return "", err
	}
	return strings.TrimSpace(line), nil
}
