package cfg

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/go-playground/validator/v10"
	"github.com/pkg/errors"
	"gopkg.in/ini.v1"
	"gopkg.in/yaml.v3"
)

var validate = validator.New()

// Validate 使用 validate tag 校验结构体
func Validate(object any) error {
	if err := validate.Struct(object); err != nil {
		var invalid *validator.InvalidValidationError
		if errors.As(err, &invalid) {
			return nil
		}
		return errors.Wrap(err, "validate failed")
	}
	return nil
}

// Load 从文件加载配置到 object
//
// 处理顺序：文件 -> 环境变量覆盖 -> def 默认值 -> validate 校验
// 文件格式按扩展名识别：.yaml/.yml, .json, .toml, .ini
func Load(filename string, object any) error {
	return LoadWithPrefix(filename, "", object)
}

// LoadWithPrefix 同 Load，envPrefix 非空时 PREFIX_A_B=x 会覆盖配置中的 a.b
func LoadWithPrefix(filename string, envPrefix string, object any) error {
	buf, err := os.ReadFile(filename)
	if err != nil {
		return errors.Wrapf(err, "read config file %s failed", filename)
	}

	data, err := DecodeBytes(buf, filepath.Ext(filename))
	if err != nil {
		return errors.WithMessagef(err, "decode config file %s failed", filename)
	}

	if envPrefix != "" {
		applyEnv(data, envPrefix, os.Environ())
	}

	return Node(data).ConvertTo(object)
}

// DecodeBytes 按格式解析原始数据
func DecodeBytes(buf []byte, ext string) (map[string]any, error) {
	data := map[string]any{}
	switch strings.ToLower(strings.TrimPrefix(ext, ".")) {
	case "yaml", "yml":
		if err := yaml.Unmarshal(buf, &data); err != nil {
			return nil, errors.Wrap(err, "yaml.Unmarshal failed")
		}
	case "json":
		decoder := json.NewDecoder(bytes.NewReader(buf))
		decoder.UseNumber()
		if err := decoder.Decode(&data); err != nil {
			return nil, errors.Wrap(err, "json.Decode failed")
		}
		normalizeJSONNumbers(data)
	case "toml":
		if _, err := toml.Decode(string(buf), &data); err != nil {
			return nil, errors.Wrap(err, "toml.Decode failed")
		}
	case "ini":
		file, err := ini.Load(buf)
		if err != nil {
			return nil, errors.Wrap(err, "ini.Load failed")
		}
		for _, section := range file.Sections() {
			target := data
			if section.Name() != ini.DefaultSection {
				target = ensureMap(data, strings.Split(section.Name(), "."))
			}
			for _, k := range section.Keys() {
				target[k.Name()] = k.Value()
			}
		}
	default:
		return nil, errors.Errorf("unsupported config format %q", ext)
	}
	return data, nil
}

func normalizeJSONNumbers(v any) any {
	switch val := v.(type) {
	case map[string]any:
		for k, item := range val {
			val[k] = normalizeJSONNumbers(item)
		}
	case []any:
		for i, item := range val {
			val[i] = normalizeJSONNumbers(item)
		}
	case json.Number:
		if i, err := val.Int64(); err == nil {
			return int(i)
		}
		f, _ := val.Float64()
		return f
	}
	return v
}

func ensureMap(data map[string]any, path []string) map[string]any {
	current := data
	for _, p := range path {
		next, ok := current[p].(map[string]any)
		if !ok {
			next = map[string]any{}
			current[p] = next
		}
		current = next
	}
	return current
}

// applyEnv 把 PREFIX_A_B=value 写到 data[a][b]，key 统一小写，查找时大小写不敏感
func applyEnv(data map[string]any, prefix string, environ []string) {
	for _, kv := range environ {
		idx := strings.Index(kv, "=")
		if idx <= 0 || !strings.HasPrefix(kv[:idx], prefix) {
			continue
		}
		name := strings.TrimPrefix(kv[:idx], prefix)
		name = strings.TrimPrefix(name, "_")
		if name == "" {
			continue
		}
		path := strings.Split(strings.ToLower(name), "_")
		parent := data
		for _, p := range path[:len(path)-1] {
			parent = ensureMapFold(parent, p)
		}
		last := path[len(path)-1]
		for k := range parent {
			if strings.EqualFold(k, last) {
				delete(parent, k)
			}
		}
		parent[last] = kv[idx+1:]
	}
}

func ensureMapFold(data map[string]any, key string) map[string]any {
	for k, v := range data {
		if strings.EqualFold(k, key) {
			if m, ok := v.(map[string]any); ok {
				return m
			}
			if n, ok := v.(Node); ok {
				return n
			}
		}
	}
	m := map[string]any{}
	data[key] = m
	return m
}
