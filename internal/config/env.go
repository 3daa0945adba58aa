package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/joho/godotenv"
)

// Environment is an immutable snapshot of operator inputs. Resolution reads only
// from a snapshot and never writes back to the process environment.
type Environment struct {
	vars map[string]string
}

// NewEnvironment copies vars into a snapshot.
func NewEnvironment(vars map[string]string) Environment {
	out := make(map[string]string, len(vars))
	for k, v := range vars {
		out[k] = v
	}
	return Environment{vars: out}
}

// LoadEnvironment reads dotenvPath (if present) and overlays the process
// environment on top, so exported variables win over the file.
// A missing file is only an error when required is set.
func LoadEnvironment(dotenvPath string, required bool) (Environment, error) {
	vars := map[string]string{}
	if strings.TrimSpace(dotenvPath) != "" {
		fileVars, err := godotenv.Read(dotenvPath)
		switch {
		case err == nil:
			for k, v := range fileVars {
				vars[k] = v
			}
		case errors.Is(err, os.ErrNotExist) && !required:
		default:
			return Environment{}, fmt.Errorf("read env file %s: %w", dotenvPath, err)
		}
	}
	for _, kv := range os.Environ() {
		k, v, ok := strings.Cut(kv, "=")
		if !ok {
			continue
		}
		vars[k] = v
	}
	return Environment{vars: vars}, nil
}

// Lookup returns the trimmed value; empty values count as unset.
func (e Environment) Lookup(name string) (string, bool) {
	v, ok := e.vars[name]
	if !ok {
		return "", false
	}
	v = strings.TrimSpace(v)
	if v == "" {
		return "", false
	}
	return v, true
}

func (e Environment) Get(name string) string {
	v, _ := e.Lookup(name)
	return v
}

// First returns the first set variable among names, and which one supplied it.
func (e Environment) First(names ...string) (value, name string, ok bool) {
	for _, n := range names {
		if v, found := e.Lookup(n); found {
			return v, n, true
		}
	}
	return "", "", false
}
