package config

import "errors"

// ErrLoadConfig wraps failures reading the YAML file or GAZEMAP_ environment.
var ErrLoadConfig = errors.New("gazemap config: cannot load")

// ErrInvalidConfig wraps values that loaded but fail validation, such as a
// non-positive worker count or an unknown storage driver.
var ErrInvalidConfig = errors.New("gazemap config: invalid value")
