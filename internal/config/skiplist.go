package config

import (
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// SkipList holds hosts the proxy never captures. A host matches exactly or
// as a subdomain of a listed entry.
type SkipList struct {
	Hosts []string `yaml:"hosts"`
}

// DefaultSkipHosts returns hosts that should never be captured:
// authentication providers, password managers and payment endpoints whose
// traffic has no debugging value and real leak potential.
func DefaultSkipHosts() []string {
	return []string{
		"accounts.google.com",
		"login.microsoftonline.com",
		"login.live.com",
		"auth0.com",
		"okta.com",
		"onelogin.com",
		"duo.com",
		"1password.com",
		"lastpass.com",
		"bitwarden.com",
		"dashlane.com",
		"paypal.com",
		"checkout.stripe.com",
	}
}

// DefaultSkipList returns a skip list seeded with DefaultSkipHosts.
func DefaultSkipList() *SkipList {
	return &SkipList{Hosts: DefaultSkipHosts()}
}

// LoadSkipList reads a YAML skip-list file. A missing file yields the
// default list rather than an error.
func LoadSkipList(path string) (*SkipList, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return DefaultSkipList(), nil
	}
	if err != nil {
		return nil, err
	}

	var list SkipList
	if err := yaml.Unmarshal(data, &list); err != nil {
		return nil, err
	}
	return &list, nil
}

// Match reports whether host is covered by the skip list.
func (s *SkipList) Match(host string) bool {
	host = strings.ToLower(strings.TrimSuffix(host, "."))
	for _, entry := range s.Hosts {
		entry = strings.ToLower(entry)
		if host == entry || strings.HasSuffix(host, "."+entry) {
			return true
		}
	}
	return false
}
