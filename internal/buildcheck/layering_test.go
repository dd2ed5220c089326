package buildcheck

import (
	"encoding/json"
	"io"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

const modulePath = "github.com/josealfredo79/20250829StellarSummerFriday"

func TestGoVetProducesNoWarnings(t *testing.T) {
	t.Parallel()
	root := repoRoot(t)

	cmd := exec.Command("go", "vet", "./...")
	cmd.Dir = root
	output, err := cmd.CombinedOutput()
	require.NoErrorf(t, err, "go vet failed:\n%s", string(output))
}

// The record store depends only on the kv and auth contracts, never on a
// concrete backend or the audit log.
func TestRecordsDependsOnlyOnContracts(t *testing.T) {
	t.Parallel()
	root := repoRoot(t)

	for pkg, imports := range listDirectImports(t, root, "./internal/records") {
		for _, imp := range imports {
			if !strings.HasPrefix(imp, modulePath+"/") {
				continue
			}
			require.Containsf(t, []string{modulePath + "/internal/kv", modulePath + "/internal/auth"}, imp,
				"package %s imports %s", pkg, imp)
		}
	}
}

func TestKVImportsNothingInternal(t *testing.T) {
	t.Parallel()
	root := repoRoot(t)

	for pkg, imports := range listDirectImports(t, root, "./internal/kv") {
		for _, imp := range imports {
			require.Falsef(t, strings.HasPrefix(imp, modulePath+"/"), "package %s imports %s", pkg, imp)
		}
	}
}

func TestStorageDoesNotImportCLI(t *testing.T) {
	t.Parallel()
	root := repoRoot(t)

	for _, pattern := range []string{"./internal/storage", "./internal/storage/dynamostore", "./internal/audit"} {
		for _, imp := range listDependencies(t, root, pattern) {
			require.NotEqual(t, modulePath+"/internal/cli", imp)
		}
	}
}

func TestAuthKeepsKeyMaterialInMemguard(t *testing.T) {
	t.Parallel()
	root := repoRoot(t)

	imports := listDirectImports(t, root, "./internal/auth")[modulePath+"/internal/auth"]
	require.Contains(t, imports, "github.com/awnumar/memguard")
	require.Contains(t, imports, "golang.org/x/crypto/ssh")
}

func listDependencies(t *testing.T, root string, target string) []string {
	t.Helper()
	cmd := exec.Command("go", "list", "-deps", target)
	cmd.Dir = root
	output, err := cmd.CombinedOutput()
	require.NoErrorf(t, err, "go list failed:\n%s", string(output))

	lines := strings.Split(strings.TrimSpace(string(output)), "\n")
	deps := make([]string, 0, len(lines))
	for _, line := range lines {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		deps = append(deps, line)
	}
	return deps
}

func listDirectImports(t *testing.T, root, pattern string) map[string][]string {
	t.Helper()
	cmd := exec.Command("go", "list", "-json", pattern)
	cmd.Dir = root
	output, err := cmd.CombinedOutput()
	require.NoErrorf(t, err, "go list -json failed:\n%s", string(output))

	dec := json.NewDecoder(strings.NewReader(string(output)))
	importsByPkg := map[string][]string{}
	for {
		var p struct {
			ImportPath string
			Imports    []string
		}
		err := dec.Decode(&p)
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		importsByPkg[p.ImportPath] = append([]string(nil), p.Imports...)
	}
	return importsByPkg
}

func repoRoot(t *testing.T) string {
	t.Helper()
	_, file, _, ok := runtime.Caller(0)
	require.True(t, ok)
	return filepath.Clean(filepath.Join(filepath.Dir(file), "..", ".."))
}
