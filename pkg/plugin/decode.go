package plugin

import (
	"fmt"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
)

// Decode decodes a plugin configuration sub-tree into dst.
//
// Field names are matched through `mapstructure` tags. Weak typing is on so
// YAML strings like "250ms" or "8" land in time.Duration and int fields.
func Decode(cfg *viper.Viper, dst any) error {
	if cfg == nil {
		return nil
	}
	return DecodeMap(cfg.AllSettings(), dst)
}

// DecodeMap decodes an arbitrary key/value bag into dst with the same rules
// as Decode.
func DecodeMap(in map[string]any, dst any) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           dst,
		WeaklyTypedInput: true,
		TagName:          "mapstructure",
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		),
	})
	if err != nil {
		return fmt.Errorf("build decoder: %w", err)
	}
	if err := dec.Decode(in); err != nil {
		return fmt.Errorf("decode config: %w", err)
	}
	return nil
}
