package auth

import "github.com/jmcleod/ironguard/account"

// Config holds the guard's options. The zero value is usable.
type Config struct {
	// DecorateRequest is the JSON key CurrentUserHandler reports the
	// account under. Default "user".
	DecorateRequest string
	// UsernameToLowerCase folds usernames to lower case before lookup and
	// registration. nil means true.
	UsernameToLowerCase *bool
	// UsernameField and PasswordField name the credential fields in login
	// and register request bodies. Defaults "username" and "password".
	UsernameField string
	PasswordField string
	// Filter narrows login lookups, e.g. account.Filter{account.Ne("disabled", true)}.
	Filter account.Filter
	// RegisterFields lists the extra body fields RegisterHandler stores on a
	// new account. Other fields are dropped, as are "disabled" and any field
	// Filter references. Default none.
	RegisterFields []string
}

const (
	DefaultDecorateRequest = "user"
	DefaultUsernameField   = "username"
	DefaultPasswordField   = "password"
)

// Bool returns a pointer to b, for Config.UsernameToLowerCase.
func Bool(b bool) *bool {
	return &b
}

func (c Config) withDefaults() Config {
	if c.DecorateRequest == "" {
		c.DecorateRequest = DefaultDecorateRequest
	}
	if c.UsernameToLowerCase == nil {
		c.UsernameToLowerCase = Bool(true)
	}
	if c.UsernameField == "" {
		c.UsernameField = DefaultUsernameField
	}
	if c.PasswordField == "" {
		c.PasswordField = DefaultPasswordField
	}
	return c
}

// registerable reports whether a client may set field at registration.
func (c Config) registerable(field string) bool {
	if field == account.FieldDisabled || c.Filter.References(field) {
		return false
	}
	for _, f := range c.RegisterFields {
		if f == field {
			return true
		}
	}
	return false
}

// LowerCaseUsernames reports whether usernames are folded to lower case.
func (c Config) LowerCaseUsernames() bool {
	return c.UsernameToLowerCase == nil || *c.UsernameToLowerCase
}
