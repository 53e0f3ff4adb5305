package common

import (
	"math"
	"math/big"

	coreerrors "bittrust/core/errors"
	"bittrust/core/ledger"
)

var (
	ErrQuotaRequestsExceeded = coreerrors.Wrap(coreerrors.ErrQuotaExceeded, "requests per epoch")
	ErrQuotaVolumeExceeded   = coreerrors.Wrap(coreerrors.ErrQuotaExceeded, "volume per epoch")
	ErrQuotaCounterOverflow  = coreerrors.Wrap(coreerrors.ErrQuotaExceeded, "counter overflow")
)

// QuotaNow captures the current quota usage counters for an account.
type QuotaNow struct {
	ReqCount uint32
	Volume   uint64
	EpochID  uint64
}

// Quota defines the limits enforced for a module interaction per account.
// Zero limits are unbounded.
type Quota struct {
	MaxRequestsPerEpoch uint32
	MaxVolumePerEpoch   uint64
	EpochBlocks         uint64
}

// Epoch returns the epoch containing height. A zero epoch length places every
// height in epoch zero.
func (q Quota) Epoch(height ledger.Height) uint64 {
	if q.EpochBlocks == 0 {
		return 0
	}
	return uint64(height) / q.EpochBlocks
}

// Unbounded reports whether the quota never rejects.
func (q Quota) Unbounded() bool {
	return q.MaxRequestsPerEpoch == 0 && q.MaxVolumePerEpoch == 0
}

// VolumeOf converts an amount into quota units, saturating at MaxUint64.
func VolumeOf(amount *big.Int) uint64 {
	if amount == nil || amount.Sign() <= 0 {
		return 0
	}
	if !amount.IsUint64() {
		return math.MaxUint64
	}
	return amount.Uint64()
}

// CheckQuota verifies whether the additional request and volume fit within
// the configured quota. The returned QuotaNow reflects the updated counters
// when the quota is not exceeded.
func CheckQuota(q Quota, nowEpoch uint64, prev QuotaNow, addReq uint32, addVolume uint64) (QuotaNow, error) {
	next := prev
	if prev.EpochID != nowEpoch {
		next = QuotaNow{EpochID: nowEpoch}
	}

	if addReq > 0 {
		if next.ReqCount > math.MaxUint32-addReq {
			return prev, ErrQuotaCounterOverflow
		}
		next.ReqCount += addReq
	}
	if q.MaxRequestsPerEpoch > 0 && next.ReqCount > q.MaxRequestsPerEpoch {
		return prev, ErrQuotaRequestsExceeded
	}

	if addVolume > 0 {
		if next.Volume > math.MaxUint64-addVolume {
			return prev, ErrQuotaCounterOverflow
		}
		next.Volume += addVolume
	}
	if q.MaxVolumePerEpoch > 0 && next.Volume > q.MaxVolumePerEpoch {
		return prev, ErrQuotaVolumeExceeded
	}

	return next, nil
}
