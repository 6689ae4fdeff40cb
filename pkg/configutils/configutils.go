// Package configutils holds the viper plumbing shared by the command
// line entry points: loading a config file with its transitive imports
// and binding every mapstructure-tagged key to the environment.
package configutils

import (
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"

	"github.com/spf13/viper"
)

// ImportKey names the config list whose entries are files to merge in
// before the importing file itself.
const ImportKey = "imports"

// ResolveAndMergeFile loads filePath into v, merging any imported files
// first so the importing file's values win. Imports may nest; a file is
// merged at most once no matter how many import chains reach it.
func ResolveAndMergeFile(v *viper.Viper, filePath string) error {
	if _, err := os.Stat(filePath); err != nil {
		return err
	}
	format, err := configFormat(filePath)
	if err != nil {
		return err
	}
	v.SetConfigType(format)
	v.SetConfigFile(filePath)
	if err := v.ReadInConfig(); err != nil {
		return err
	}

	order, err := importOrder(filePath, v)
	if err != nil {
		return fmt.Errorf("could not resolve configuration imports: %v", err)
	}
	for _, path := range order {
		if err := mergeFile(v, path); err != nil {
			return fmt.Errorf("merging config %s: %w", path, err)
		}
	}
	return nil
}

// configFormat maps the file extension to a viper config type.
func configFormat(filePath string) (string, error) {
	ext := strings.ToLower(filepath.Ext(filePath))
	if ext == "" {
		return "", fmt.Errorf("configuration file %s has no extension", filePath)
	}
	format := ext[1:]
	for _, supported := range viper.SupportedExts {
		if format == supported {
			return format, nil
		}
	}
	return "", fmt.Errorf("unsupported configuration file extension: %s", ext)
}

// importOrder walks the import graph depth first and returns the merge
// order: deepest imports first, the root file last. The seen set breaks
// cycles.
func importOrder(rootPath string, root *viper.Viper) ([]string, error) {
	var order []string
	seen := map[string]struct{}{}

	var walk func(base string, imports []string) error
	walk = func(base string, imports []string) error {
		for _, imp := range imports {
			if imp == "" {
				continue
			}
			path := imp
			if !filepath.IsAbs(path) {
				path = filepath.Join(filepath.Dir(base), path)
			}
			path = filepath.Clean(path)
			if _, ok := seen[path]; ok {
				continue
			}
			seen[path] = struct{}{}

			child := viper.New()
			child.SetConfigFile(path)
			if err := child.ReadInConfig(); err != nil {
				return err
			}
			if err := walk(path, child.GetStringSlice(ImportKey)); err != nil {
				return err
			}
			order = append(order, path)
		}
		return nil
	}

	if err := walk(rootPath, root.GetStringSlice(ImportKey)); err != nil {
		return nil, err
	}
	return append(order, rootPath), nil
}

func mergeFile(v *viper.Viper, filePath string) error {
	f, err := os.Open(filePath)
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()
	return v.MergeConfig(f)
}

// BindEnvsRecursive binds every mapstructure-tagged field of the struct
// behind iface, recursing into nested and pointer-to-struct fields so
// keys like "backend.url" resolve through the environment. Nil struct
// pointers are allocated so their fields can be walked.
func BindEnvsRecursive(v *viper.Viper, iface interface{}, path string) error {
	val := reflect.ValueOf(iface).Elem()
	typ := val.Type()

	for i := 0; i < val.NumField(); i++ {
		tag := typ.Field(i).Tag.Get("mapstructure")
		if tag == "" {
			continue
		}
		key := tag
		if path != "" {
			key = path + "." + tag
		}

		field := val.Field(i)
		if field.Kind() == reflect.Ptr {
			if field.IsNil() && field.Type().Elem().Kind() == reflect.Struct {
				field.Set(reflect.New(field.Type().Elem()))
			}
			field = field.Elem()
		}
		if field.Kind() == reflect.Struct {
			if err := BindEnvsRecursive(v, field.Addr().Interface(), key); err != nil {
				return err
			}
		}
		if err := v.BindEnv(key); err != nil {
			return fmt.Errorf("failed to bind environment variable: %w", err)
		}
	}
	return nil
}
