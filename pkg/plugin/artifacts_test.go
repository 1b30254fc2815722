package plugin

import (
	"archive/tar"
	"compress/gzip"
	"io"
	"io/ioutil"
	"os"
	"path/filepath"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTree(t *testing.T, root string, files map[string]string) {
	for name, data := range files {
		p := filepath.Join(root, filepath.FromSlash(name))
		require.NoError(t, os.MkdirAll(filepath.Dir(p), 0755))
		require.NoError(t, ioutil.WriteFile(p, []byte(data), 0644))
	}
}

func keys(pairs []FilePair) []string {
	out := make([]string, len(pairs))
	for i, p := range pairs {
		out[i] = p.DestinationKey
	}
	sort.Strings(out)
	return out
}

func TestListSingleFiles(t *testing.T) {
	wd := t.TempDir()
	writeTree(t, wd, map[string]string{"build/app.jar": "jar", "README": "r"})

	set := &ArtifactSet{
		WorkingDir: wd,
		Prefix:     "releases/1.2",
		Artifacts: []Artifact{
			{Source: "build/app.jar", Destination: "bin/"},
			{Source: filepath.Join(wd, "README"), Destination: "docs/README.txt"},
			{Source: "README"},
		},
	}
	pairs, err := set.List()
	require.NoError(t, err)
	require.Len(t, pairs, 3)
	assert.Equal(t, filepath.Join(wd, "build", "app.jar"), pairs[0].LocalPath)
	assert.Equal(t, "releases/1.2/bin/app.jar", pairs[0].DestinationKey)
	assert.Equal(t, "releases/1.2/docs/README.txt", pairs[1].DestinationKey)
	assert.Equal(t, "releases/1.2/README", pairs[2].DestinationKey)
}

func TestListDirectory(t *testing.T) {
	wd := t.TempDir()
	writeTree(t, wd, map[string]string{"dist/a.txt": "a", "dist/sub/b.txt": "b"})

	set := &ArtifactSet{WorkingDir: wd, Artifacts: []Artifact{{Source: "dist", Destination: "site"}}}
	pairs, err := set.List()
	require.NoError(t, err)
	assert.Equal(t, []string{"site/a.txt", "site/sub/b.txt"}, keys(pairs))
}

func TestListArchive(t *testing.T) {
	wd := t.TempDir()
	writeTree(t, wd, map[string]string{"dist/a.txt": "a", "dist/sub/b.txt": "bb"})

	set := &ArtifactSet{WorkingDir: wd, Artifacts: []Artifact{{Source: "dist", Destination: "bundles/", Archive: true}}}
	pairs, err := set.List()
	require.NoError(t, err)
	require.Len(t, pairs, 1)
	assert.Equal(t, "bundles/dist.tar.gz", pairs[0].DestinationKey)

	f, err := os.Open(pairs[0].LocalPath)
	require.NoError(t, err)
	gzr, err := gzip.NewReader(f)
	require.NoError(t, err)
	tr := tar.NewReader(gzr)
	var names []string
	for {
		h, err := tr.Next()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		names = append(names, h.Name)
	}
	f.Close()
	assert.ElementsMatch(t, []string{"a.txt", "sub", "sub/b.txt"}, names)

	require.NoError(t, set.Close())
	_, err = os.Stat(pairs[0].LocalPath)
	assert.True(t, os.IsNotExist(err))
}

func TestListMissingSource(t *testing.T) {
	set := &ArtifactSet{WorkingDir: t.TempDir(), Artifacts: []Artifact{{Source: "nope"}}}
	_, err := set.List()
	assert.Error(t, err)

	set = &ArtifactSet{Artifacts: []Artifact{{Source: " "}}}
	_, err = set.List()
	assert.Error(t, err)
}

func TestSchemaRequiredKeys(t *testing.T) {
	assert.Equal(t, []string{"account_id", "application_key", "bucket_id", "source"}, Required(DefaultSchema))

	s := StaticSchema{{Key: "b", DisplayOrder: 2}, {Key: "a", DisplayOrder: 1}}
	assert.Equal(t, "a", s.Fields()[0].Key)
}
