package main

import (
	"bufio"
	"os"
	"reflect"

	"github.com/naoina/toml"
)

// tomlSettings mirrors the teacher's own cmd/geth settings: TOML keys
// use the same names as the Go struct fields, and an unrecognized field
// is an error rather than silently ignored.
var tomlSettings = toml.Config{
	NormFieldName: func(rt reflect.Type, key string) string { return key },
	FieldToKey:    func(rt reflect.Type, field string) string { return field },
}

// fileConfig is the [log] table of an optional TOML config file, laid
// underneath the CLI flags of the same name.
type fileConfig struct {
	Name             string
	Stride           uint32
	MaxRetainedFiles int
	ArchiveDir       string
}

type tomlDocument struct {
	Log fileConfig
}

func readTOMLConfig(path string) (fileConfig, error) {
	f, err := os.Open(path)
	if err != nil {
		return fileConfig{}, err
	}
	defer f.Close()

	var doc tomlDocument
	if err := tomlSettings.NewDecoder(bufio.NewReader(f)).Decode(&doc); err != nil {
		return fileConfig{}, err
	}
	return doc.Log, nil
}
