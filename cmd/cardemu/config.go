package main

import (
	"os"
	"strings"
	"time"

	"github.com/hexdigest/cardemu/emv"
	"github.com/pkg/errors"
	"github.com/spf13/viper"
)

type Config struct {
	Listen string `mapstructure:"listen"`

	NFC struct {
		//Device is a libnfc connstring, the first device found is used when empty
		Device          string        `mapstructure:"device"`
		DelayAfterError time.Duration `mapstructure:"delay_after_error"`
		ResponseTimeout time.Duration `mapstructure:"response_timeout"`
	} `mapstructure:"nfc"`

	Card struct {
		SwipeData string `mapstructure:"swipe_data"`
		AID       string `mapstructure:"aid"`
	} `mapstructure:"card"`

	SE struct {
		Enabled         bool          `mapstructure:"enabled"`
		ReaderPrefix    string        `mapstructure:"reader_prefix"`
		BasicChannel    bool          `mapstructure:"basic_channel"`
		ConnectTimeout  time.Duration `mapstructure:"connect_timeout"`
		TransmitTimeout time.Duration `mapstructure:"transmit_timeout"`
	} `mapstructure:"se"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("listen", ":8080")

	v.SetDefault("nfc.device", "")
	v.SetDefault("nfc.delay_after_error", time.Second)
	v.SetDefault("nfc.response_timeout", 2*time.Second)

	v.SetDefault("card.swipe_data", emv.DefaultSwipeData)
	v.SetDefault("card.aid", "A0000000031010")

	v.SetDefault("se.enabled", false)
	v.SetDefault("se.reader_prefix", "SIM")
	v.SetDefault("se.basic_channel", false)
	v.SetDefault("se.connect_timeout", 5*time.Second)
	v.SetDefault("se.transmit_timeout", 2*time.Second)
}

//loadConfig reads path on top of the defaults, CARDEMU_* environment variables
//(CARDEMU_SE_ENABLED for se.enabled) override both. A missing file is not an error.
func loadConfig(v *viper.Viper, path string) (Config, error) {
	var cfg Config

	setDefaults(v)

	v.SetEnvPrefix("cardemu")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil && !os.IsNotExist(err) {
		return cfg, errors.Wrapf(err, "failed to read configuration file %s", path)
	}

	if err := v.Unmarshal(&cfg); err != nil {
		return cfg, errors.Wrap(err, "failed to decode configuration")
	}

	return cfg, nil
}
