package graphmodel

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/brandlab/orchestrator/pkg/apperror"
)

const hashSidecarName = "git_hash.o"

// ReadHashSidecar reads the compiled git_hash.o file a build places next
// to a node binary or derivative script. ok is false, with a nil error,
// when the sidecar simply doesn't exist.
func ReadHashSidecar(dir string) (hash string, ok bool, err error) {
	data, err := os.ReadFile(filepath.Join(dir, hashSidecarName))
	if err != nil {
		if os.IsNotExist(err) {
			return "", false, nil
		}
		return "", false, err
	}
	line, _, _ := strings.Cut(string(data), "\n")
	return strings.TrimSpace(line), true, nil
}

// VCSHead returns the HEAD commit hash of the git repository rooted at
// or above dir.
func VCSHead(dir string) (string, error) {
	cmd := exec.Command("git", "-C", dir, "rev-parse", "HEAD")
	out, err := cmd.Output()
	if err != nil {
		return "", err
	}
	line, _, _ := strings.Cut(string(out), "\n")
	return strings.TrimSpace(line), nil
}

// ReconcileHash resolves the hash to record for a node or derivative at
// dir, comparing three sources: the compiled git_hash.o sidecar (the
// value actually baked into the binary), the live git HEAD at dir (if
// dir sits inside a repository), and recordedHash (the value already
// present in a loaded supergraph, if any).
//
// The sidecar is authoritative when present. A live repo whose HEAD
// differs from the sidecar produces a warning, not an error, since the
// binary may simply be stale relative to a later checkout. A dir that
// is not a git repository falls back to the sidecar silently. A missing
// sidecar yields an empty hash plus a warning. A recordedHash that
// disagrees with the sidecar also produces a warning.
func ReconcileHash(dir, recordedHash string) (string, []*apperror.Error) {
	var warnings []*apperror.Error

	sidecarHash, ok, err := ReadHashSidecar(dir)
	if err != nil || !ok {
		warnings = append(warnings, apperror.NewNodeError("", "",
			fmt.Sprintf("could not find compiled %s in %s", hashSidecarName, dir)).WithSeverity(apperror.SeverityWarning))
		sidecarHash = ""
	}

	if vcsHash, vcsErr := VCSHead(dir); vcsErr == nil && sidecarHash != "" && vcsHash != sidecarHash {
		warnings = append(warnings, apperror.NewNodeError("", "",
			fmt.Sprintf("git HEAD %s in %s differs from compiled hash %s", vcsHash, dir, sidecarHash)).WithSeverity(apperror.SeverityWarning))
	}

	if recordedHash != "" && sidecarHash != "" && recordedHash != sidecarHash {
		warnings = append(warnings, apperror.NewNodeError("", "",
			fmt.Sprintf("supergraph-recorded hash %s differs from on-disk hash %s in %s", recordedHash, sidecarHash, dir)).WithSeverity(apperror.SeverityWarning))
	}

	return sidecarHash, warnings
}
