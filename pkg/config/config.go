// Package config parses the user's pane configuration: named storage
// locations (local directory, PVC reached through a helper pod, or S3
// bucket) that CLI arguments refer to as "pane:path".
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/ghodss/yaml"
	homedir "github.com/mitchellh/go-homedir"
	"github.com/spf13/afero"

	"github.com/abyss-io/abyss/pkg/errors"
)

const (
	// DefaultPath is the default location of the config file.
	DefaultPath = "~/.abyss.yaml"

	// SupportedVersion is the config schema version this binary reads.
	SupportedVersion = "v1"
)

// parseConfigErrTemplate is a template for when the CLI fails to parse yaml
// configuration files. This can happen for a multitude of reasons, including
// extraneous fields and incorrect field types. However, the yaml library
// constructs errors in a way that loses context, and so we can only pass the
// error message on.
const parseConfigErrTemplate = "Configuration file could not be parsed. " +
	"Please review %q.\n" +
	"Common pitfalls include:\n" +
	" - Using the wrong types for fields\n" +
	" - Having extra fields inside the config file\n\n" +
	"For reference, here is the error from the parser:\n" +
	"%s"

// Config is the top-level config file.
type Config struct {
	Version string          `json:"version"`
	Panes   map[string]Pane `json:"panes"`
}

// Pane is one named storage location. Exactly one of the backend blocks
// must be set.
type Pane struct {
	Local      *LocalPane      `json:"local,omitempty"`
	Kubernetes *KubernetesPane `json:"kubernetes,omitempty"`
	S3         *S3Pane         `json:"s3,omitempty"`
}

// LocalPane is a directory on the local filesystem.
type LocalPane struct {
	Root string `json:"root"`
}

// KubernetesPane is a PVC reached through a disposable helper pod.
type KubernetesPane struct {
	Namespace string `json:"namespace"`
	PVC       string `json:"pvc"`

	// Image overrides the helper pod image; empty means the default
	// busybox.
	Image string `json:"image,omitempty"`

	// Context selects a kubeconfig context; empty means the current one.
	Context string `json:"context,omitempty"`
}

// S3Pane is a bucket (or a prefix within one) on S3 or an S3-compatible
// store. Credentials are fully resolved here; there is no discovery.
type S3Pane struct {
	Bucket    string `json:"bucket"`
	Region    string `json:"region"`
	Endpoint  string `json:"endpoint,omitempty"`
	AccessKey string `json:"accessKey,omitempty"`
	SecretKey string `json:"secretKey,omitempty"`
	Prefix    string `json:"prefix,omitempty"`
}

type incompatibleVersionError struct {
	path, exp, actual string
}

func (err incompatibleVersionError) Error() string {
	return err.FriendlyMessage()
}

func (err incompatibleVersionError) FriendlyMessage() string {
	return fmt.Sprintf("The configuration file %q is incompatible "+
		"with this version of Abyss.\n"+
		"Expected version %q, but got %q.", err.path, err.exp, err.actual)
}

// homedirExpand will be overridden in mock tests
var homedirExpand = homedir.Expand

// Parse reads and validates the config at the given path ("" means the
// default location).
func Parse(path string) (Config, error) {
	config, err := parse(path)
	if err != nil {
		if notFound, ok := err.(errors.NotFound); ok {
			return Config{}, errors.NewFriendlyError("The Abyss config file "+
				"doesn't exist at %q.\nCreate it with a `panes:` map before "+
				"referring to panes by name.", notFound.Path)
		}
	}
	return config, err
}

// ParseOptional is Parse for commands that can run on plain local paths:
// a missing config file yields an empty config instead of an error.
func ParseOptional(path string) (Config, error) {
	config, err := parse(path)
	if _, ok := err.(errors.NotFound); ok {
		return Config{}, nil
	}
	return config, err
}

func parse(path string) (Config, error) {
	if path == "" {
		path = DefaultPath
	}
	path, err := homedirExpand(path)
	if err != nil {
		return Config{}, errors.WithContext(err, "expand config path")
	}

	var config Config
	if err := parseFile(path, &config); err != nil {
		if _, ok := err.(errors.NotFound); ok {
			return Config{}, errors.NotFound{Path: path}
		}
		return Config{}, errors.WithContext(err, "parse")
	}

	if err := config.validate(path); err != nil {
		return Config{}, err
	}
	return config, nil
}

func parseFile(path string, config *Config) error {
	configBytes, err := afero.ReadFile(fs, path)
	if err != nil {
		if isPathNotFoundError(err) {
			return errors.NotFound{Path: path}
		}
		return errors.WithContext(err, "read file")
	}

	if err := yaml.Unmarshal(configBytes, config); err != nil {
		return errors.NewFriendlyError(parseConfigErrTemplate, path, err)
	}

	if config.Version != SupportedVersion {
		return incompatibleVersionError{path, SupportedVersion, config.Version}
	}

	// Do a strict unmarshal to check for any extra fields. We do a non-strict
	// unmarshal first so that we can catch version errors before erroring on
	// extra fields.
	if err := yaml.UnmarshalStrict(configBytes, config, yaml.DisallowUnknownFields); err != nil {
		return errors.NewFriendlyError(parseConfigErrTemplate, path, err)
	}
	return nil
}

func (c *Config) validate(path string) error {
	for name, pane := range c.Panes {
		blocks := 0
		if pane.Local != nil {
			blocks++
			if pane.Local.Root == "" {
				return errors.MissingFieldError{Field: name + ".local.root"}
			}
			root, err := homedirExpand(pane.Local.Root)
			if err != nil {
				return errors.WithContext(err, "expand pane root")
			}
			if !filepath.IsAbs(root) {
				root = filepath.Join(filepath.Dir(path), root)
			}
			pane.Local.Root = root
			c.Panes[name] = pane
		}
		if pane.Kubernetes != nil {
			blocks++
			if pane.Kubernetes.Namespace == "" {
				return errors.MissingFieldError{Field: name + ".kubernetes.namespace"}
			}
			if pane.Kubernetes.PVC == "" {
				return errors.MissingFieldError{Field: name + ".kubernetes.pvc"}
			}
		}
		if pane.S3 != nil {
			blocks++
			if pane.S3.Bucket == "" {
				return errors.MissingFieldError{Field: name + ".s3.bucket"}
			}
			if pane.S3.Region == "" {
				return errors.MissingFieldError{Field: name + ".s3.region"}
			}
		}

		if blocks != 1 {
			return errors.NewFriendlyError("The pane %q in %q must have exactly "+
				"one of `local`, `kubernetes`, or `s3` set.", name, path)
		}
	}
	return nil
}

// Pane looks up a pane by name, listing the known names in the error so a
// typo is easy to spot.
func (c *Config) Pane(name string) (Pane, error) {
	pane, ok := c.Panes[name]
	if !ok {
		var names []string
		for n := range c.Panes {
			names = append(names, n)
		}
		sort.Strings(names)
		return Pane{}, errors.NewFriendlyError(
			"Unknown pane %q. Configured panes: %v.", name, names)
	}
	return pane, nil
}

func isPathNotFoundError(err error) bool {
	if os.IsNotExist(err) {
		return true
	}
	if fileErr, ok := err.(*os.PathError); ok &&
		fileErr.Op == "open" && fileErr.Err.Error() == "no such file or directory" {
		return true
	}
	return false
}
