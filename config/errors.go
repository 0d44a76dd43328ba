package config

import "errors"

var (
	ErrConfigNil                 = errors.New("config cannot be nil")
	ErrConfigNotPointer          = errors.New("config must be a pointer to a struct")
	ErrUnsupportedFormat         = errors.New("unsupported config file format")
	ErrRequiredFieldMissing      = errors.New("required config fields missing")
	ErrInvalidConfig             = errors.New("invalid config")
	ErrUnsupportedTypeForDefault = errors.New("unsupported type for default value")
	ErrUnsupportedTypeForEnv     = errors.New("unsupported type for environment override")
)
