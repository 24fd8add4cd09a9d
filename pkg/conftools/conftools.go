package conftools

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/mitchellh/mapstructure"
	flag "github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const redacted = "***REDACTED***"

func decoderHook(dc *mapstructure.DecoderConfig) {
	dc.TagName = "json"
	dc.ErrorUnused = true
	dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	)
}

// Initialize sets up viper to read <name>.yaml from the working directory or /etc/<name>,
// and environment variables prefixed with the uppercased application name.
// The key "kafka.brokers" is read from the environment variable PIPELINED_KAFKA_BROKERS.
func Initialize(name string) {
	viper.SetConfigName(name)
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath(fmt.Sprintf("/etc/%s", name))
	viper.SetEnvPrefix(strings.ToUpper(name))
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	viper.AutomaticEnv()
}

func Load(cfg interface{}) error {
	var err error

	err = viper.ReadInConfig()
	if err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return err
		}
	}

	if !flag.Parsed() {
		flag.Parse()
	}

	err = viper.BindPFlags(flag.CommandLine)
	if err != nil {
		return err
	}

	return viper.Unmarshal(cfg, decoderHook)
}

// Format returns a sorted, human-readable printout of all configuration options.
// Values of keys in maskedKeys are replaced with a placeholder.
func Format(maskedKeys []string) []string {
	masked := make(map[string]bool, len(maskedKeys))
	for _, key := range maskedKeys {
		masked[key] = true
	}

	keys := viper.AllKeys()
	sort.Strings(keys)

	printed := make([]string, 0, len(keys))
	for _, key := range keys {
		if masked[key] {
			printed = append(printed, fmt.Sprintf("%s: %s", key, redacted))
		} else {
			printed = append(printed, fmt.Sprintf("%s: %v", key, viper.Get(key)))
		}
	}

	return printed
}
