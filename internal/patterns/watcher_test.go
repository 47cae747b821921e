package patterns

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const gardenCatalog = `
templates:
  - name: garden
    trigger_keywords: [garden]
    domains_involved: [home]
    base_confidence: 0.9
`

const workshopCatalog = `
templates:
  - name: workshop
    trigger_keywords: [workshop]
    domains_involved: [home, professional]
    base_confidence: 0.9
`

func TestCatalogWatcher_ReloadsOnWrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "patterns.yaml")
	require.NoError(t, os.WriteFile(path, []byte(gardenCatalog), 0o600))

	catalog, err := LoadCatalogFile(path)
	require.NoError(t, err)
	e := NewEngine(catalog)

	w := NewCatalogWatcher(path, e, nil)
	require.NoError(t, w.Start())
	defer w.Stop()

	require.NoError(t, os.WriteFile(path, []byte(workshopCatalog), 0o600))

	require.Eventually(t, func() bool {
		names := e.Catalog().Names()
		return len(names) == 1 && names[0] == "workshop"
	}, 2*time.Second, 20*time.Millisecond)
}

func TestCatalogWatcher_KeepsCatalogOnInvalidFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "patterns.yaml")
	require.NoError(t, os.WriteFile(path, []byte(gardenCatalog), 0o600))

	catalog, err := LoadCatalogFile(path)
	require.NoError(t, err)
	e := NewEngine(catalog)
	w := NewCatalogWatcher(path, e, nil)

	require.NoError(t, os.WriteFile(path, []byte("templates: []\n"), 0o600))
	err = w.reload()
	require.ErrorIs(t, err, ErrInvalidTemplateCatalog)
	assert.Equal(t, []string{"garden"}, e.Catalog().Names())

	require.NoError(t, os.WriteFile(path, []byte(workshopCatalog), 0o600))
	require.NoError(t, w.reload())
	assert.Equal(t, []string{"workshop"}, e.Catalog().Names())
}

func TestCatalogWatcher_StopWithoutStart(t *testing.T) {
	w := NewCatalogWatcher(filepath.Join(t.TempDir(), "x.yaml"), NewEngine(DefaultCatalog()), nil)
	w.Stop()
}
