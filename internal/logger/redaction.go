package logger

import (
	"io"
	"regexp"
	"sync"
)

const redactedMark = "[REDACTED]"

// redactionRule masks whatever its expression matches. When the expression
// has a "key" group, that prefix is kept so the log still shows which field
// was hidden.
type redactionRule struct {
	re      *regexp.Regexp
	keepKey bool
}

func newRule(expr string) (redactionRule, error) {
	re, err := regexp.Compile(expr)
	if err != nil {
		return redactionRule{}, err
	}
	return redactionRule{re: re, keepKey: re.SubexpIndex("key") >= 0}, nil
}

func (r redactionRule) apply(s string) string {
	if !r.keepKey {
		return r.re.ReplaceAllLiteralString(s, redactedMark)
	}
	return r.re.ReplaceAllString(s, "${key}"+redactedMark)
}

// channelSecretRules cover the credentials carried by the WeCom, DingTalk
// and signed webhook channels plus the bridge secret.
var channelSecretRules = []string{
	`(?P<key>Bearer\s+)[a-zA-Z0-9._-]+`,
	`(?i)(?P<key>"?(?:encoding_?aes_?key|client_?secret|app_?secret|shared_secret)"?\s*[:=]\s*"?)[^\s",&]+`,
	`(?i)(?P<key>"?access_?token"?\s*[:=]\s*"?)[^\s",&]+`,
	`(?i)(?P<key>x-acs-dingtalk-access-token:\s*)\S+`,
	`(?i)(?P<key>x-chatgate-secret:\s*)\S+`,
	`(?i)(?P<key>ticket=)[^\s"&]+`,
	`(?P<key>password["\s:=]+)[^\s"]+`,
	`(?P<key>token["\s:=]+)[a-zA-Z0-9._-]{20,}`,
	`(?P<key>secret["\s:=]+)[^\s"]+`,
}

// Redactor masks credentials in log output.
type Redactor struct {
	mu    sync.RWMutex
	rules []redactionRule
}

// NewRedactor returns a redactor loaded with the channel credential rules.
func NewRedactor() *Redactor {
	r := &Redactor{}
	for _, expr := range channelSecretRules {
		rule, err := newRule(expr)
		if err != nil {
			panic(err)
		}
		r.rules = append(r.rules, rule)
	}
	return r
}

// AddPattern registers an extra expression. Matches are replaced whole
// unless the expression names a "key" group.
func (r *Redactor) AddPattern(pattern string) error {
	rule, err := newRule(pattern)
	if err != nil {
		return err
	}
	r.mu.Lock()
	r.rules = append(r.rules, rule)
	r.mu.Unlock()
	return nil
}

// Redact applies every rule to s in registration order.
func (r *Redactor) Redact(s string) string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, rule := range r.rules {
		s = rule.apply(s)
	}
	return s
}

// Wrap returns a writer that redacts each chunk before passing it to w.
func (r *Redactor) Wrap(w io.Writer) io.Writer {
	return redactingWriter{dst: w, r: r}
}

type redactingWriter struct {
	dst io.Writer
	r   *Redactor
}

// Write reports len(p) on success; the redacted line is usually shorter.
func (w redactingWriter) Write(p []byte) (int, error) {
	if _, err := io.WriteString(w.dst, w.r.Redact(string(p))); err != nil {
		return 0, err
	}
	return len(p), nil
}
