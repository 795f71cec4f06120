package config

import (
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/abyss-io/abyss/pkg/errors"
)

func writeConfig(t *testing.T, contents string) {
	t.Helper()
	fs = afero.NewMemMapFs()
	homedirExpand = func(path string) (string, error) { return path, nil }
	require.NoError(t, afero.WriteFile(fs, "/abyss.yaml", []byte(contents), 0644))
}

func TestParse(t *testing.T) {
	writeConfig(t, `
version: v1
panes:
  workspace:
    local:
      root: /home/dev/project
  cluster:
    kubernetes:
      namespace: dev
      pvc: data-pvc
      image: busybox:stable
  bucket:
    s3:
      bucket: my-bucket
      region: us-east-1
      endpoint: http://minio:9000
      accessKey: minio
      secretKey: sekrit
`)

	cfg, err := Parse("/abyss.yaml")
	require.NoError(t, err)
	assert.Len(t, cfg.Panes, 3)

	workspace, err := cfg.Pane("workspace")
	require.NoError(t, err)
	require.NotNil(t, workspace.Local)
	assert.Equal(t, "/home/dev/project", workspace.Local.Root)

	cluster, err := cfg.Pane("cluster")
	require.NoError(t, err)
	require.NotNil(t, cluster.Kubernetes)
	assert.Equal(t, "data-pvc", cluster.Kubernetes.PVC)

	bucket, err := cfg.Pane("bucket")
	require.NoError(t, err)
	require.NotNil(t, bucket.S3)
	assert.Equal(t, "http://minio:9000", bucket.S3.Endpoint)

	_, err = cfg.Pane("typo")
	assert.Error(t, err)
}

func TestParseRelativeLocalRoot(t *testing.T) {
	writeConfig(t, `
version: v1
panes:
  here:
    local:
      root: project
`)

	cfg, err := Parse("/abyss.yaml")
	require.NoError(t, err)

	pane, err := cfg.Pane("here")
	require.NoError(t, err)
	// Relative roots resolve against the config file's directory.
	assert.Equal(t, "/project", pane.Local.Root)
}

func TestParseVersionMismatch(t *testing.T) {
	writeConfig(t, `
version: v0
panes: {}
`)

	_, err := Parse("/abyss.yaml")
	require.Error(t, err)
	assert.Contains(t, errors.GetPrintableMessage(err), "incompatible")
}

func TestParseUnknownField(t *testing.T) {
	writeConfig(t, `
version: v1
panes:
  workspace:
    local:
      root: /p
      shiny: true
`)

	_, err := Parse("/abyss.yaml")
	assert.Error(t, err)
}

func TestParseMissingFields(t *testing.T) {
	tests := []struct {
		name   string
		yaml   string
		substr string
	}{
		{
			name: "local without root",
			yaml: `
version: v1
panes:
  p:
    local: {}
`,
			substr: "p.local.root",
		},
		{
			name: "kubernetes without pvc",
			yaml: `
version: v1
panes:
  p:
    kubernetes:
      namespace: dev
`,
			substr: "p.kubernetes.pvc",
		},
		{
			name: "s3 without region",
			yaml: `
version: v1
panes:
  p:
    s3:
      bucket: b
`,
			substr: "p.s3.region",
		},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			writeConfig(t, test.yaml)
			_, err := Parse("/abyss.yaml")
			require.Error(t, err)
			assert.Contains(t, err.Error(), test.substr)
		})
	}
}

func TestParseMultipleBackends(t *testing.T) {
	writeConfig(t, `
version: v1
panes:
  p:
    local:
      root: /p
    s3:
      bucket: b
      region: r
`)

	_, err := Parse("/abyss.yaml")
	assert.Error(t, err)
}

func TestParseMissingFile(t *testing.T) {
	fs = afero.NewMemMapFs()
	homedirExpand = func(path string) (string, error) { return path, nil }

	_, err := Parse("/nope.yaml")
	require.Error(t, err)
	assert.Contains(t, errors.GetPrintableMessage(err), "doesn't exist")
}

func TestParseOptionalMissingFile(t *testing.T) {
	fs = afero.NewMemMapFs()
	homedirExpand = func(path string) (string, error) { return path, nil }

	cfg, err := ParseOptional("/nope.yaml")
	require.NoError(t, err)
	assert.Empty(t, cfg.Panes)
}

func TestParseOptionalBadFile(t *testing.T) {
	writeConfig(t, `{{nope`)

	_, err := ParseOptional("/abyss.yaml")
	require.Error(t, err)
}
