package internal

import (
	"context"
	"errors"
	"fmt"

	"github.com/kvesta/quietpatch/internal/policy"
	"github.com/kvesta/quietpatch/pkg/inventory"
	"github.com/kvesta/quietpatch/pkg/snapshot"
	"github.com/kvesta/quietpatch/pkg/vulnlib"
)

// Exit codes.
const (
	ExitOK       = 0
	ExitGeneric  = 1
	ExitPolicy   = 3
	ExitStore    = 4
	ExitSnapshot = 5
)

// Describe turns an error into the line shown to the user and the process
// exit code.
func Describe(err error) (string, int) {
	if err == nil {
		return "", ExitOK
	}

	var sigErr *snapshot.SignatureError
	switch {
	case errors.As(err, &sigErr):
		return fmt.Sprintf("%v\n\tTips: check the pubkeys setting or download the signature again", err), ExitSnapshot
	case errors.Is(err, snapshot.ErrSignatureInvalid):
		return fmt.Sprintf("%v\n\tTips: the snapshot needs a .minisig signature from a trusted key", err), ExitSnapshot
	case errors.Is(err, snapshot.ErrRollbackRejected):
		return fmt.Sprintf("%v\n\tTips: use --allow-downgrade to install an older snapshot on purpose", err), ExitSnapshot
	case errors.Is(err, snapshot.ErrUnsafeArchiveEntry), errors.Is(err, snapshot.ErrManifestInvalid):
		return fmt.Sprintf("%v\n\tTips: the archive is damaged or tampered, nothing was installed", err), ExitSnapshot
	case errors.Is(err, snapshot.ErrLocked):
		return fmt.Sprintf("%v\n\tTips: another install is running, or remove a stale lock file", err), ExitSnapshot
	case errors.Is(err, vulnlib.ErrStoreLoadFailure):
		return fmt.Sprintf("%v\n\tTips: the snapshot is missing or damaged, reinstall it with `quietpatch db install`", err), ExitStore
	case errors.Is(err, policy.ErrPolicyViolation):
		return fmt.Sprintf("%v\n\tTips: set unknown_strategy to infer or drop in the policy file", err), ExitPolicy
	case errors.Is(err, inventory.ErrInventoryFormat):
		return fmt.Sprintf("%v\n\tTips: expected a JSON list of {name, version} or a CycloneDX SBOM", err), ExitGeneric
	case errors.Is(err, context.Canceled):
		return "interrupted", ExitGeneric
	}
	return err.Error(), ExitGeneric
}
