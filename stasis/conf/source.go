package conf

import (
	"fmt"
	"time"

	"github.com/juju/errors"
	"github.com/pelletier/go-toml"
	"gopkg.in/ini.v1"
)

// source 两种配置格式共用的取值接口
type source interface {
	str(section, key, def string) string
	integer(section, key string, def int) int
	boolean(section, key string, def bool) bool
	duration(section, key string, def time.Duration) (time.Duration, error)
}

type iniSource struct {
	file *ini.File
}

func (s iniSource) key(section, key string) *ini.Key {
	sec, err := s.file.GetSection(section)
	if err != nil {
		return nil
	}
	k, err := sec.GetKey(key)
	if err != nil {
		return nil
	}
	return k
}

func (s iniSource) str(section, key, def string) string {
	if k := s.key(section, key); k != nil {
		return k.Value()
	}
	return def
}

func (s iniSource) integer(section, key string, def int) int {
	if k := s.key(section, key); k != nil {
		return k.MustInt(def)
	}
	return def
}

func (s iniSource) boolean(section, key string, def bool) bool {
	if k := s.key(section, key); k != nil {
		return k.MustBool(def)
	}
	return def
}

func (s iniSource) duration(section, key string, def time.Duration) (time.Duration, error) {
	k := s.key(section, key)
	if k == nil {
		return def, nil
	}
	d, err := time.ParseDuration(k.Value())
	if err != nil {
		return 0, errors.Annotatef(err, "%s.%s", section, key)
	}
	return d, nil
}

type tomlSource struct {
	tree *toml.Tree
}

func (s tomlSource) get(section, key string) interface{} {
	return s.tree.Get(section + "." + key)
}

func (s tomlSource) str(section, key, def string) string {
	switch v := s.get(section, key).(type) {
	case nil:
		return def
	case string:
		return v
	default:
		return fmt.Sprint(v)
	}
}

func (s tomlSource) integer(section, key string, def int) int {
	switch v := s.get(section, key).(type) {
	case int64:
		return int(v)
	case uint64:
		return int(v)
	case float64:
		return int(v)
	default:
		return def
	}
}

func (s tomlSource) boolean(section, key string, def bool) bool {
	if v, ok := s.get(section, key).(bool); ok {
		return v
	}
	return def
}

func (s tomlSource) duration(section, key string, def time.Duration) (time.Duration, error) {
	switch v := s.get(section, key).(type) {
	case nil:
		return def, nil
	case string:
		d, err := time.ParseDuration(v)
		if err != nil {
			return 0, errors.Annotatef(err, "%s.%s", section, key)
		}
		return d, nil
	case int64:
		// 整数按毫秒解释
		return time.Duration(v) * time.Millisecond, nil
	default:
		return 0, errors.NotValidf("%s.%s = %v", section, key, v)
	}
}
