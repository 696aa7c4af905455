// pkg/restadapter/profile.go
package restadapter

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Profile declares everything vendor-specific about one connector:
// OAuth endpoints, roster paging, and the JMESPath expressions that
// map the vendor's JSON onto the normalized user shape. One generic
// engine plus ~50 of these replaces ~50 near-identical apps.
type Profile struct {
	Name string `yaml:"name"`

	AuthURL  string   `yaml:"auth_url"`
	TokenURL string   `yaml:"token_url"`
	Scopes   []string `yaml:"scopes"`
	// Client credentials are read from the environment, not the file.
	ClientIDEnv     string `yaml:"client_id_env"`
	ClientSecretEnv string `yaml:"client_secret_env"`

	UsersURL      string `yaml:"users_url"`
	RemoveUserURL string `yaml:"remove_user_url"` // contains {userId}
	CursorParam   string `yaml:"cursor_param"`

	// JMESPath expressions evaluated against the page response.
	UsersExpr      string `yaml:"users_expr"`
	NextCursorExpr string `yaml:"next_cursor_expr"`
	// Field expressions evaluated against each user item.
	Fields FieldMap `yaml:"fields"`

	RatePerSec float64 `yaml:"rate_per_sec"`
	Burst      int     `yaml:"burst"`

	RetryAfterDefaultSec int `yaml:"retry_after_default_sec"`
	TokenLeadTimeSec     int `yaml:"token_lead_time_sec"`
}

type FieldMap struct {
	ExternalID       string `yaml:"external_id"`
	DisplayName      string `yaml:"display_name"`
	Email            string `yaml:"email"`
	Role             string `yaml:"role"`
	AuthMethod       string `yaml:"auth_method"`
	IsSuspendable    string `yaml:"is_suspendable"`
	AdditionalEmails string `yaml:"additional_emails"`
}

func (p Profile) TokenLeadTime() time.Duration {
	if p.TokenLeadTimeSec <= 0 {
		return 5 * time.Minute
	}
	return time.Duration(p.TokenLeadTimeSec) * time.Second
}

func (p Profile) validate() error {
	if p.Name == "" {
		return fmt.Errorf("profile: name required")
	}
	if p.UsersURL == "" {
		return fmt.Errorf("profile %s: users_url required", p.Name)
	}
	if p.UsersExpr == "" {
		return fmt.Errorf("profile %s: users_expr required", p.Name)
	}
	if p.Fields.ExternalID == "" {
		return fmt.Errorf("profile %s: fields.external_id required", p.Name)
	}
	return nil
}

// LoadProfile reads and validates a vendor profile YAML.
func LoadProfile(path string) (Profile, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Profile{}, err
	}
	return ParseProfile(raw)
}

func ParseProfile(raw []byte) (Profile, error) {
	var p Profile
	if err := yaml.Unmarshal(raw, &p); err != nil {
		return Profile{}, err
	}
	if p.CursorParam == "" {
		p.CursorParam = "cursor"
	}
	if p.RatePerSec <= 0 {
		p.RatePerSec = 10
	}
	if p.Burst <= 0 {
		p.Burst = 15
	}
	return p, p.validate()
}
