package audit

import (
	"fmt"

	"fixline/internal/domain"
)

type VerifyResult struct {
	OK       bool   `json:"ok"`
	Records  int    `json:"records"`
	BrokenAt int64  `json:"broken_at,omitempty"`
	Reason   string `json:"reason,omitempty"`
	Head     string `json:"head,omitempty"`
}

// Verify checks a single transaction's records, given in seq order.
func Verify(records []domain.AuditRecord) VerifyResult {
	res := VerifyResult{OK: true, Records: len(records)}
	prev := ""
	for i, rec := range records {
		want := int64(i + 1)
		switch {
		case rec.Seq != want:
			return broken(res, rec.Seq, fmt.Sprintf("expected seq %d, got %d", want, rec.Seq))
		case rec.PrevHash != prev:
			return broken(res, rec.Seq, "prev_hash does not match predecessor")
		case Hash(rec) != rec.Hash:
			return broken(res, rec.Seq, "record hash mismatch")
		}
		prev = rec.Hash
	}
	res.Head = prev
	return res
}

func broken(res VerifyResult, seq int64, reason string) VerifyResult {
	res.OK = false
	res.BrokenAt = seq
	res.Reason = reason
	return res
}
