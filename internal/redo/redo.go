// Package redo implements crash recovery: replaying unapplied log
// packs from the ring buffer onto the data device at engine startup.
package redo

import (
	"fmt"
	"time"

	"github.com/walbfs/walb/internal/interfaces"
	"github.com/walbfs/walb/internal/logpack"
	"github.com/walbfs/walb/internal/ondisk"
	"github.com/walbfs/walb/internal/sectorio"
)

// Config carries the redo engine's collaborators.
type Config struct {
	LogDev  interfaces.BlockDevice
	DataDev interfaces.BlockDevice
	Ring    *logpack.Ring
	Salt    uint32

	SectorSize        int
	LogicalSectorSize int

	Logger   interfaces.Logger
	Observer interfaces.Observer
}

// Result reports what a redo pass did.
type Result struct {
	// EndLSID is the cursor where the log ended; the caller seeds
	// every LSID counter except oldest to it.
	EndLSID uint64
	// PacksApplied counts fully or partially applied packs.
	PacksApplied int
	// Truncated reports whether the tail pack was partially valid and
	// its header was rewritten with fewer records.
	Truncated bool
}

// Run replays the log from startLSID until the log ends: a header that
// fails validation, or whose logpack_lsid does not match the cursor,
// marks the tail. A pack whose payload is partially corrupt is applied
// up to the first bad record and its header is rewritten to cover only
// the applied records ("rewrite latest logpack").
//
// Run is idempotent: a second pass from the returned EndLSID finds no
// valid pack there and applies nothing.
func Run(cfg Config, startLSID uint64) (Result, error) {
	res := Result{EndLSID: startLSID}
	cursor := startLSID

	hdrBuf := make([]byte, cfg.SectorSize)
	for {
		if err := sectorio.ReadLSIDRange(cfg.LogDev, cfg.Ring, cursor, 1, hdrBuf); err != nil {
			return res, fmt.Errorf("redo: read header at lsid %d: %w", cursor, err)
		}
		if !ondisk.ValidateHeaderSalted(hdrBuf, cfg.Salt) {
			// Expected end of log.
			break
		}
		h := ondisk.DecodeHeader(hdrBuf)
		if h.LogpackLSID != cursor {
			// Stale pack from an earlier lap of the ring.
			break
		}

		applied, truncated, err := applyPack(cfg, h, cursor)
		if err != nil {
			return res, err
		}
		if truncated {
			// Rewrite the header to cover only the applied records,
			// then stop: everything past this point is garbage.
			h.Records = h.Records[:applied]
			h.PackFlags |= ondisk.PackFlagTruncated
			total := uint32(1)
			for i := range h.Records {
				total += h.Records[i].Space()
			}
			h.TotalIOSize = total
			rewritten := h.EncodeSalted(cfg.SectorSize, cfg.Salt)
			if err := sectorio.WriteLSIDRange(cfg.LogDev, cfg.Ring, cursor, rewritten); err != nil {
				return res, fmt.Errorf("redo: rewrite truncated header at lsid %d: %w", cursor, err)
			}
			if err := cfg.LogDev.Flush(); err != nil {
				return res, fmt.Errorf("redo: flush after header rewrite: %w", err)
			}
			cursor += uint64(total)
			res.PacksApplied++
			res.Truncated = true
			break
		}

		cursor += uint64(h.TotalIOSize)
		res.PacksApplied++
	}

	if res.PacksApplied > 0 {
		if err := cfg.DataDev.Flush(); err != nil {
			return res, fmt.Errorf("redo: data device flush: %w", err)
		}
	}
	res.EndLSID = cursor
	return res, nil
}

// applyPack applies h's records to the data device. It returns how
// many leading records were applied and whether the pack was truncated
// at a corrupt payload.
func applyPack(cfg Config, h *ondisk.Header, packLSID uint64) (applied int, truncated bool, err error) {
	start := time.Now()
	for i := range h.Records {
		rec := &h.Records[i]
		if rec.IsPadding {
			applied++
			continue
		}
		if rec.IsDiscard {
			if dd, ok := cfg.DataDev.(interfaces.DiscardDevice); ok {
				off := int64(rec.Offset) * int64(cfg.LogicalSectorSize)
				length := int64(rec.IOSectors) * int64(cfg.LogicalSectorSize)
				if derr := dd.Discard(off, length); derr != nil {
					return applied, false, fmt.Errorf("redo: discard at sector %d: %w", rec.Offset, derr)
				}
			}
			applied++
			continue
		}

		blocks := uint64(rec.IOSize)
		buf := make([]byte, blocks*uint64(cfg.SectorSize))
		if rerr := sectorio.ReadLSIDRange(cfg.LogDev, cfg.Ring, packLSID+uint64(rec.LSIDLocal), blocks, buf); rerr != nil {
			return applied, false, fmt.Errorf("redo: read payload at lsid %d: %w", packLSID+uint64(rec.LSIDLocal), rerr)
		}
		payload := buf[:int(rec.IOSectors)*cfg.LogicalSectorSize]
		if ondisk.Checksum(payload) != rec.Checksum {
			// Partially valid pack: records before this one survive,
			// this one and everything after it are lost.
			if cfg.Observer != nil {
				cfg.Observer.ObserveRedoApply(uint64(applied), uint64(time.Since(start).Nanoseconds()), false)
			}
			return applied, true, nil
		}
		if _, werr := cfg.DataDev.WriteAt(payload, int64(rec.Offset)*int64(cfg.LogicalSectorSize)); werr != nil {
			return applied, false, fmt.Errorf("redo: apply at sector %d: %w", rec.Offset, werr)
		}
		applied++
	}
	if cfg.Observer != nil {
		cfg.Observer.ObserveRedoApply(uint64(applied), uint64(time.Since(start).Nanoseconds()), true)
	}
	return applied, false, nil
}
