package engine

import (
	"context"
	"database/sql"
	"errors"

	"go.uber.org/zap"

	"fixline/internal/audit"
	"fixline/internal/schema"
)

// AllowlistSwap reports a registry replacement.
type AllowlistSwap struct {
	OldVersion string   `json:"old_version"`
	NewVersion string   `json:"new_version"`
	Tools      []string `json:"tools"`
	Changed    bool     `json:"changed"`
}

// SwapAllowlist installs next as the current tool registry. The swap is
// recorded on the shared audit chain before readers can observe it; plans
// validated under the old version are checked again at execution.
func (e *Engine) SwapAllowlist(ctx context.Context, next *schema.Registry, actor string) (AllowlistSwap, error) {
	if next == nil {
		return AllowlistSwap{}, errors.New("nil tool registry")
	}
	e.swapMu.Lock()
	defer e.swapMu.Unlock()

	cur := e.Schemas.Current()
	out := AllowlistSwap{OldVersion: cur.Version(), NewVersion: next.Version()}
	for _, d := range next.Definitions() {
		out.Tools = append(out.Tools, d.Name)
	}
	if out.OldVersion == out.NewVersion {
		return out, nil
	}
	err := e.withTx(ctx, func(tx *sql.Tx) error {
		_, err := e.Audit.Append(ctx, tx, audit.Entry{
			Type: audit.AllowlistSwapped, ActorID: actor, AllowlistVersion: out.NewVersion,
			Payload: audit.Payload{"old_version": out.OldVersion, "new_version": out.NewVersion, "tools": out.Tools},
		})
		return err
	})
	if err != nil {
		return AllowlistSwap{}, err
	}
	e.Schemas.Swap(next)
	out.Changed = true
	e.logger().Info(ctx, "tool allowlist swapped",
		zap.String("old_version", out.OldVersion), zap.String("new_version", out.NewVersion), zap.Strings("tools", out.Tools))
	return out, nil
}
