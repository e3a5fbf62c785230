package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// ApplyOverrides copies values set through viper (flags or FORMLINE_* env vars)
// onto the config. Unset keys leave the config untouched.
func (c *Config) ApplyOverrides(v *viper.Viper) error {
	if v == nil {
		return nil
	}
	str := func(key string, dst *string) {
		if s := strings.TrimSpace(v.GetString(key)); s != "" {
			*dst = s
		}
	}
	num := func(key string, dst *int) {
		if s := strings.TrimSpace(v.GetString(key)); s != "" {
			if n := v.GetInt(key); n != 0 {
				*dst = n
			}
		}
	}
	dur := func(key string, dst *Duration) error {
		s := strings.TrimSpace(v.GetString(key))
		if s == "" {
			return nil
		}
		d, err := ParseDuration(s)
		if err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
		dst.Duration = d
		return nil
	}

	str("log_env", &c.Service.LogEnv)
	str("log_level", &c.Service.LogLevel)
	str("db_driver", &c.Storage.Driver)
	str("db_dsn", &c.Storage.DSN)
	str("workspace", &c.Storage.Workspace)
	str("http_addr", &c.HTTP.Addr)
	str("base_path", &c.HTTP.BasePath)
	str("public_base_url", &c.HTTP.PublicBaseURL)
	str("jwt_secret", &c.HTTP.JWTSecret)
	str("vault_master_key", &c.Vault.MasterKey)
	str("smtp_host", &c.SMTP.Host)
	num("smtp_port", &c.SMTP.Port)
	str("smtp_username", &c.SMTP.Username)
	str("smtp_password", &c.SMTP.Password)
	str("redis_addr", &c.Redis.Addr)
	str("redis_password", &c.Redis.Password)
	str("gmail_client_id", &c.Providers.Gmail.ClientID)
	str("gmail_client_secret", &c.Providers.Gmail.ClientSecret)
	str("microsoft_client_id", &c.Providers.Microsoft.ClientID)
	str("microsoft_client_secret", &c.Providers.Microsoft.ClientSecret)
	num("reconcile_workers", &c.Reconcile.Workers)

	for key, dst := range map[string]*Duration{
		"poll_interval":   &c.Reconcile.PollInterval,
		"form_ttl":        &c.Forms.TTL,
		"sla_window":      &c.Cases.SLAWindow,
		"mailbox_timeout": &c.Reconcile.MailboxTimeout,
		"refresh_timeout": &c.Vault.RefreshTimeout,
	} {
		if err := dur(key, dst); err != nil {
			return err
		}
	}
	return c.Validate()
}
