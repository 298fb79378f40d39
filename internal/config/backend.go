package config

// ConfigBackend abstracts platform-specific config storage: UserDefaults on
// macOS and a JSON file elsewhere. Values that are neither strings nor ints
// are stored in their string form and parsed on load.
type ConfigBackend interface {
	GetString(key string) (val string, ok bool, err error)
	GetInt(key string) (val int, ok bool, err error)
	SetString(key, val string) error
	SetInt(key string, val int) error
	Delete(key string) error
}

const (
	secretService = "ctxrevival"
	secretAccount = "api_token"
)
