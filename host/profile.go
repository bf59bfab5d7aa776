// Copyright (c) 2025 Z5Labs and Contributors
//
// This software is released under the MIT License.
// https://opensource.org/licenses/MIT

package host

import (
	"errors"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

// Profile carries the per-environment configuration a hosted server
// process is built from. Profiles are loaded from a crucible.<env>.yaml
// file, with CRUCIBLE_ prefixed environment variables layered on top.
type Profile struct {
	HTTP struct {
		Port              uint          `mapstructure:"port"`
		ReadTimeout       time.Duration `mapstructure:"read_timeout"`
		ReadHeaderTimeout time.Duration `mapstructure:"read_header_timeout"`
		WriteTimeout      time.Duration `mapstructure:"write_timeout"`
		IdleTimeout       time.Duration `mapstructure:"idle_timeout"`
		MaxHeaderBytes    int           `mapstructure:"max_header_bytes"`
	} `mapstructure:"http"`

	// Values holds free-form application settings, e.g. the file path
	// a sample service persists its state to.
	Values map[string]string `mapstructure:"values"`
}

// Value returns the free-form setting registered under key, or the
// empty string when unset.
func (p Profile) Value(key string) string {
	return p.Values[key]
}

// LoadProfile reads the [Profile] for the named environment. A missing
// profile file is not an error; environment variables and defaults
// still apply. Search paths default to the current directory.
func LoadProfile(environment string, paths ...string) (Profile, error) {
	v := viper.New()
	v.SetConfigName("crucible." + environment)
	v.SetConfigType("yaml")
	if len(paths) == 0 {
		paths = []string{"."}
	}
	for _, path := range paths {
		v.AddConfigPath(path)
	}
	v.SetEnvPrefix("CRUCIBLE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	err := v.ReadInConfig()
	if err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return Profile{}, err
		}
	}

	var p Profile
	err = v.Unmarshal(&p, viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
	)))
	if err != nil {
		return Profile{}, err
	}
	return p, nil
}
