package teleconsult

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"

	"github.com/opd-ai/teleconsult/session"
)

// fileOptions is the on-disk shape of the client configuration.
type fileOptions struct {
	BaseURL          string        `mapstructure:"base_url"`
	AuthToken        string        `mapstructure:"auth_token"`
	AppointmentID    int           `mapstructure:"appointment_id"`
	UserID           int           `mapstructure:"user_id"`
	Role             string        `mapstructure:"role"`
	DisplayName      string        `mapstructure:"display_name"`
	SignalingURL     string        `mapstructure:"signaling_url"`
	ConnectTimeout   time.Duration `mapstructure:"connect_timeout"`
	LowTimeThreshold time.Duration `mapstructure:"low_time_threshold"`
}

// LoadOptions reads Options from a YAML file, with TELECONSULT_-prefixed
// environment variables overriding file values. A missing file is not an
// error; defaults plus environment apply.
func LoadOptions(path string) (*Options, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetConfigFile(path)

	v.SetEnvPrefix("TELECONSULT")
	v.AutomaticEnv()

	v.SetDefault("role", string(session.RolePatient))
	v.SetDefault("connect_timeout", session.DefaultConnectTimeout.String())
	v.SetDefault("low_time_threshold", session.DefaultLowTimeThreshold.String())

	if err := v.ReadInConfig(); err != nil {
		// A present-but-broken file is fatal; a missing one falls back to
		// defaults plus environment.
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !os.IsNotExist(err) {
			return nil, fmt.Errorf("reading config %s: %w", path, err)
		}
		logrus.WithFields(logrus.Fields{
			"function": "LoadOptions",
			"path":     path,
		}).Warn("Config file not found, using defaults")
	}

	var fo fileOptions
	if err := v.Unmarshal(&fo); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	opts := NewOptions()
	opts.BaseURL = fo.BaseURL
	opts.AuthToken = fo.AuthToken
	opts.AppointmentID = fo.AppointmentID
	opts.UserID = fo.UserID
	if fo.Role != "" {
		opts.Role = session.Role(fo.Role)
	}
	opts.DisplayName = fo.DisplayName
	opts.SignalingURL = fo.SignalingURL
	if fo.ConnectTimeout > 0 {
		opts.ConnectTimeout = fo.ConnectTimeout
	}
	if fo.LowTimeThreshold > 0 {
		opts.LowTimeThreshold = fo.LowTimeThreshold
	}
	return opts, nil
}
