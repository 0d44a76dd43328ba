package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/golobby/cast"
	"gopkg.in/yaml.v3"
)

const (
	tagDefault  = "default"
	tagRequired = "required"
	tagEnv      = "env"
)

var durationType = reflect.TypeOf(time.Duration(0))

// Load reads the file at path, if any, then applies defaults, environment
// overrides and validation. The format is chosen by extension: .yaml, .yml
// or .toml.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if path != "" {
		if err := readFile(path, cfg); err != nil {
			return nil, err
		}
	}
	if err := ProcessDefaults(cfg); err != nil {
		return nil, err
	}
	if err := ApplyEnv(cfg, EnvPrefix); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func readFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading config %s: %w", path, err)
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return fmt.Errorf("parsing YAML config %s: %w", path, err)
		}
	case ".toml":
		if err := toml.Unmarshal(data, cfg); err != nil {
			return fmt.Errorf("parsing TOML config %s: %w", path, err)
		}
	default:
		return fmt.Errorf("%w: %s", ErrUnsupportedFormat, path)
	}
	return nil
}

// ProcessDefaults sets every zero-valued field carrying a `default:"..."` tag.
// Slice defaults are written as JSON arrays.
func ProcessDefaults(cfg any) error {
	v, err := structValue(cfg)
	if err != nil {
		return err
	}
	return processStructDefaults(v)
}

func processStructDefaults(v reflect.Value) error {
	t := v.Type()
	for i := 0; i < v.NumField(); i++ {
		field := v.Field(i)
		fieldType := t.Field(i)
		if !field.CanSet() {
			continue
		}
		if field.Kind() == reflect.Struct {
			if err := processStructDefaults(field); err != nil {
				return err
			}
			continue
		}

		defaultVal, ok := fieldType.Tag.Lookup(tagDefault)
		if !ok || !isZeroValue(field) {
			continue
		}
		if err := setValue(field, defaultVal); err != nil {
			return fmt.Errorf("failed to set default value for %s: %w", fieldType.Name, err)
		}
	}
	return nil
}

// ApplyEnv overrides fields carrying an `env:"..."` tag from the environment.
// Names are built from prefix and the tags of enclosing structs, joined with
// underscores: MODKERNEL_COMMAND_PORT.
func ApplyEnv(cfg any, prefix string) error {
	v, err := structValue(cfg)
	if err != nil {
		return err
	}
	return applyStructEnv(v, strings.ToUpper(prefix))
}

func applyStructEnv(v reflect.Value, prefix string) error {
	t := v.Type()
	for i := 0; i < v.NumField(); i++ {
		field := v.Field(i)
		fieldType := t.Field(i)
		envTag, ok := fieldType.Tag.Lookup(tagEnv)
		if !ok || !field.CanSet() {
			continue
		}

		name := strings.ToUpper(envTag)
		if prefix != "" {
			name = prefix + "_" + name
		}
		if field.Kind() == reflect.Struct {
			if err := applyStructEnv(field, name); err != nil {
				return err
			}
			continue
		}

		value, ok := os.LookupEnv(name)
		if !ok || value == "" {
			continue
		}
		if err := setValue(field, value); err != nil {
			return fmt.Errorf("environment variable %s: %w", name, err)
		}
	}
	return nil
}

// setValue converts a string to the field's type. Durations go through
// time.ParseDuration, slices accept JSON arrays or comma-separated lists,
// everything else is converted by cast.
func setValue(field reflect.Value, value string) error {
	if field.Type() == durationType {
		d, err := time.ParseDuration(value)
		if err != nil {
			return fmt.Errorf("failed to parse duration value: %w", err)
		}
		field.SetInt(int64(d))
		return nil
	}

	switch field.Kind() {
	case reflect.Slice:
		return setSlice(field, value)
	case reflect.Struct, reflect.Map, reflect.Ptr, reflect.Interface, reflect.Chan,
		reflect.Func, reflect.Array, reflect.Complex64, reflect.Complex128, reflect.UnsafePointer:
		return fmt.Errorf("%w: %s", ErrUnsupportedTypeForDefault, field.Kind())
	}

	converted, err := cast.FromType(value, field.Type())
	if err != nil {
		return fmt.Errorf("cannot convert value to type %v: %w", field.Type(), err)
	}
	field.Set(reflect.ValueOf(converted).Convert(field.Type()))
	return nil
}

func setSlice(field reflect.Value, value string) error {
	var parts []string
	if strings.HasPrefix(strings.TrimSpace(value), "[") {
		if err := json.Unmarshal([]byte(value), &parts); err != nil {
			return fmt.Errorf("failed to unmarshal JSON array: %w", err)
		}
	} else {
		for _, p := range strings.Split(value, ",") {
			if p = strings.TrimSpace(p); p != "" {
				parts = append(parts, p)
			}
		}
	}

	elemType := field.Type().Elem()
	out := reflect.MakeSlice(field.Type(), len(parts), len(parts))
	for i, p := range parts {
		converted, err := cast.FromType(p, elemType)
		if err != nil {
			return fmt.Errorf("%w: %s element: %w", ErrUnsupportedTypeForEnv, elemType, err)
		}
		out.Index(i).Set(reflect.ValueOf(converted).Convert(elemType))
	}
	field.Set(out)
	return nil
}

// ValidateRequired checks every field tagged `required:"true"` is non-zero.
func ValidateRequired(cfg any) error {
	v, err := structValue(cfg)
	if err != nil {
		return err
	}
	var missing []string
	validateRequiredFields(v, "", &missing)
	if len(missing) > 0 {
		return fmt.Errorf("%w: %s", ErrRequiredFieldMissing, strings.Join(missing, ", "))
	}
	return nil
}

func validateRequiredFields(v reflect.Value, prefix string, missing *[]string) {
	t := v.Type()
	for i := 0; i < v.NumField(); i++ {
		field := v.Field(i)
		fieldType := t.Field(i)
		name := fieldType.Name
		if prefix != "" {
			name = prefix + "." + name
		}
		if !field.CanSet() {
			continue
		}
		if field.Kind() == reflect.Struct {
			validateRequiredFields(field, name, missing)
			continue
		}
		if required, ok := fieldType.Tag.Lookup(tagRequired); ok && required == "true" && isZeroValue(field) {
			*missing = append(*missing, name)
		}
	}
}

func structValue(cfg any) (reflect.Value, error) {
	if cfg == nil {
		return reflect.Value{}, ErrConfigNil
	}
	v := reflect.ValueOf(cfg)
	if v.Kind() != reflect.Ptr || v.IsNil() || v.Elem().Kind() != reflect.Struct {
		return reflect.Value{}, ErrConfigNotPointer
	}
	return v.Elem(), nil
}

func isZeroValue(v reflect.Value) bool {
	switch v.Kind() {
	case reflect.Array, reflect.Map, reflect.Slice, reflect.String:
		return v.Len() == 0
	case reflect.Interface, reflect.Ptr:
		return v.IsNil()
	default:
		return v.IsZero()
	}
}
