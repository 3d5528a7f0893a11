package registry

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/drblury/unitkernel/internal/runtime/bus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadReplacesWholesale(t *testing.T) {
	r := New()
	r.Load(Manifest{
		Units:     []Unit{{ID: "a"}, {ID: "b"}},
		BootOrder: []string{"a", "b"},
	})
	r.Load(Manifest{
		Units:     []Unit{{ID: "c"}},
		BootOrder: []string{"c", "ghost"},
	})

	_, ok := r.Get("a")
	assert.False(t, ok)
	assert.Equal(t, []string{"c"}, r.List())
	assert.Equal(t, []string{"c", "ghost"}, r.BootOrder(), "boot order is not validated")
}

func TestLoadKeepsManifestOrderAndLastDuplicate(t *testing.T) {
	r := New()
	r.Load(Manifest{Units: []Unit{{ID: "b", Name: "first"}, {ID: "a"}, {ID: "b", Name: "second"}}})

	assert.Equal(t, []string{"b", "a"}, r.List())
	u, ok := r.Get("b")
	require.True(t, ok)
	assert.Equal(t, "second", u.Name)
}

func TestAccessorsReturnCopies(t *testing.T) {
	r := New()
	r.Load(Manifest{
		Units:     []Unit{{ID: "a"}},
		BootOrder: []string{"a"},
		Routes:    map[string][]string{"x.*": {"a"}},
	})

	order := r.BootOrder()
	order[0] = "mutated"
	r.Routes()["y"] = []string{"b"}

	assert.Equal(t, []string{"a"}, r.BootOrder())
	assert.NotContains(t, r.Routes(), "y")
}

const yamlManifest = `
units:
  - id: hc.u
    name: Homeostasis
    metadata:
      tier: core
  - id: as.u
    dependsOn: [hc.u]
bootOrder: [hc.u, as.u]
routes:
  "storage.*": [hc.u]
schemas:
  memory.store:
    required: [key, value]
`

const tomlManifest = `
bootOrder = ["hc.u", "as.u"]

[[units]]
id = "hc.u"
name = "Homeostasis"
[units.metadata]
tier = "core"

[[units]]
id = "as.u"
dependsOn = ["hc.u"]

[routes]
"storage.*" = ["hc.u"]

[schemas."memory.store"]
required = ["key", "value"]
`

const jsonManifest = `{
  "units": [
    {"id": "hc.u", "name": "Homeostasis", "metadata": {"tier": "core"}},
    {"id": "as.u", "dependsOn": ["hc.u"]}
  ],
  "bootOrder": ["hc.u", "as.u"],
  "routes": {"storage.*": ["hc.u"]},
  "schemas": {"memory.store": {"required": ["key", "value"]}}
}`

func TestLoadFileAcrossFormats(t *testing.T) {
	cases := map[string]string{
		"units.yaml": yamlManifest,
		"units.yml":  yamlManifest,
		"units.toml": tomlManifest,
		"units.json": jsonManifest,
	}
	for name, content := range cases {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), name)
			require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

			r := New()
			require.NoError(t, r.LoadFile(path))

			assert.Equal(t, []string{"hc.u", "as.u"}, r.BootOrder())
			assert.Equal(t, []string{"hc.u", "as.u"}, r.List())
			hc, ok := r.Get("hc.u")
			require.True(t, ok)
			assert.Equal(t, "Homeostasis", hc.Name)
			assert.Equal(t, "core", hc.Metadata["tier"])
			as, _ := r.Get("as.u")
			assert.Equal(t, []string{"hc.u"}, as.DependsOn)
			assert.Equal(t, map[string][]string{"storage.*": {"hc.u"}}, r.Routes())
			assert.Equal(t, bus.Schema{Required: []string{"key", "value"}}, r.Schemas()["memory.store"])
		})
	}
}

func TestReadManifestErrors(t *testing.T) {
	dir := t.TempDir()

	_, err := ReadManifest(filepath.Join(dir, "units.ini"))
	assert.ErrorContains(t, err, "unsupported manifest extension")

	_, err = ReadManifest(filepath.Join(dir, "missing.yaml"))
	assert.ErrorContains(t, err, "read manifest")

	bad := filepath.Join(dir, "bad.toml")
	require.NoError(t, os.WriteFile(bad, []byte("bogus = 1\n"), 0o600))
	_, err = ReadManifest(bad)
	assert.ErrorContains(t, err, "unknown manifest keys")

	badYAML := filepath.Join(dir, "bad.yaml")
	require.NoError(t, os.WriteFile(badYAML, []byte("unitz: []\n"), 0o600))
	_, err = ReadManifest(badYAML)
	assert.ErrorContains(t, err, "decode manifest")
}

func TestParseRejectsUnknownFormat(t *testing.T) {
	_, err := Parse([]byte("{}"), "xml")
	assert.Error(t, err)
}
