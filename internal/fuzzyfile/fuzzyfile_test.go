package fuzzyfile

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, root, rel string) {
	t.Helper()
	full := filepath.Join(root, rel)
	require.NoError(t, os.MkdirAll(filepath.Dir(full), 0o755))
	require.NoError(t, os.WriteFile(full, []byte("x"), 0o644))
}

func TestSuggest_EmptyQueryIncludesEverythingAtScoreOne(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "a.go")
	writeFile(t, root, "b/c.go")

	got, err := Suggest(root, "", 10)
	require.NoError(t, err)
	require.Len(t, got, 2)
	for _, s := range got {
		require.Equal(t, 1, s.Score)
	}
}

func TestSuggest_ExactBasenameOrStemScoresHighest(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "main.go")
	writeFile(t, root, "domain.go")

	got, err := Suggest(root, "main", 10)
	require.NoError(t, err)
	require.NotEmpty(t, got)
	require.Equal(t, "main.go", got[0].Path)
	require.Equal(t, 1000, got[0].Score)
}

func TestSuggest_PrefixScoresNineHundred(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "mainline.go")

	got, err := Suggest(root, "main", 10)
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, 900, got[0].Score)
}

func TestSuggest_SubstringInBasenameScoresSevenHundred(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "x_main_y.go")

	got, err := Suggest(root, "main", 10)
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, 700, got[0].Score)
}

func TestSuggest_SubstringInPathOnlyScoresFiveHundred(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "main/handler.go")

	got, err := Suggest(root, "main", 10)
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, 500, got[0].Score)
}

func TestSuggest_SubsequenceScoring(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "handler.go")

	got, err := Suggest(root, "hlr", 10)
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, 300, got[0].Score)
}

func TestSuggest_NoMatchIsExcluded(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "zzz.go")

	got, err := Suggest(root, "qqq", 10)
	require.NoError(t, err)
	require.Empty(t, got)
}

func TestSuggest_PrunesBlacklistedDirectoriesAndDotfiles(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "node_modules/leftpad/index.go")
	writeFile(t, root, ".git/config")
	writeFile(t, root, ".hidden")
	writeFile(t, root, "src/real.go")

	got, err := Suggest(root, "", 100)
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, "src/real.go", got[0].Path)
}

func TestSuggest_SortsByScoreDescThenPathAsc(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "b_main.go")
	writeFile(t, root, "a_main.go")
	writeFile(t, root, "main.go")

	got, err := Suggest(root, "main", 10)
	require.NoError(t, err)
	require.Len(t, got, 3)
	require.Equal(t, "main.go", got[0].Path)
	require.Equal(t, "a_main.go", got[1].Path)
	require.Equal(t, "b_main.go", got[2].Path)
}

func TestSuggest_RespectsLimit(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "one.go")
	writeFile(t, root, "two.go")
	writeFile(t, root, "three.go")

	got, err := Suggest(root, "", 2)
	require.NoError(t, err)
	require.Len(t, got, 2)
}
