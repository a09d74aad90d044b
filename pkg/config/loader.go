package config

import (
	"bufio"
	"bytes"
	"errors"
	"io"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/odvcencio/foreman/pkg/coordinator"
	ferrors "github.com/odvcencio/foreman/pkg/errors"
	"github.com/odvcencio/foreman/pkg/tool"
)

// loadAndMerge decodes path over cfg. Keys absent from the file keep their
// current values; maps merge and lists replace. A missing file is not an
// error.
func loadAndMerge(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return ferrors.Wrap(err, ferrors.ErrCodeConfigLoad, "failed to read config").
			WithContext("path", path)
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return nil
	}

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return ferrors.Wrap(err, ferrors.ErrCodeConfigParse, "failed to parse config").
			WithContext("path", path).
			WithRemediation("check the file for typos in section or key names")
	}
	if cfg.Profiles == nil {
		cfg.Profiles = map[string]coordinator.Profile{}
	}
	return nil
}

// loadEnvFile exports KEY=VALUE lines from path unless the variable is
// already set. It keeps secrets such as FOREMAN_JWT_SECRET out of YAML.
func loadEnvFile(path string) {
	f, err := os.Open(path)
	if err != nil {
		return
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		line = strings.TrimPrefix(line, "export ")
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		value = strings.Trim(strings.TrimSpace(value), `"'`)
		if key == "" {
			continue
		}
		if _, exists := os.LookupEnv(key); !exists {
			_ = os.Setenv(key, value)
		}
	}
}

// LoadCatalog reads a tool catalog file and rejects unnamed or duplicate
// tools.
func LoadCatalog(path string) ([]tool.Descriptor, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, ferrors.Wrap(err, ferrors.ErrCodeConfigLoad, "failed to read tool catalog").
			WithContext("path", path)
	}
	defer f.Close()

	tools, err := tool.LoadCatalog(f)
	if err != nil {
		if fe, ok := ferrors.As(err); ok {
			return nil, fe.WithContext("path", path)
		}
		return nil, err
	}
	seen := make(map[string]bool, len(tools))
	for i, d := range tools {
		if strings.TrimSpace(d.Name) == "" {
			return nil, ferrors.New(ferrors.ErrCodeConfigInvalid, "tool without a name").
				WithContext("path", path).
				WithContext("index", i)
		}
		if seen[d.Name] {
			return nil, ferrors.New(ferrors.ErrCodeConfigInvalid, "duplicate tool "+d.Name).
				WithContext("path", path)
		}
		seen[d.Name] = true
	}
	return tools, nil
}
