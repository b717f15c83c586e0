// Package window maps block heights to master windows.
//
// The coordinator rotates the right to work between whitelisted networks in
// fixed-length windows of blocks. Network i owns every window starting at a block
// congruent to i*windowLength modulo windowLength*whitelistSize.
package window

import (
	"errors"
	"fmt"
	"math/bits"
	"time"
)

var (
	ErrInvalidWindowLength  = errors.New("invalid window length: must be greater than 0")
	ErrInvalidWhitelistSize = errors.New("invalid whitelist size: must be greater than 0")
	ErrInvalidPosition      = errors.New("invalid position: must be in [0, whitelist size)")
	ErrOverflow             = errors.New("window boundary overflows uint64")
)

// Params are the protocol parameters a window is derived from.
type Params struct {
	WindowLength  uint64
	WhitelistSize uint64
	SelfPosition  int64
}

func (p Params) validate() error {
	if p.WindowLength == 0 {
		return ErrInvalidWindowLength
	}
	if p.WhitelistSize == 0 {
		return ErrInvalidWhitelistSize
	}
	if p.SelfPosition < 0 || uint64(p.SelfPosition) >= p.WhitelistSize {
		return fmt.Errorf("%w: position %d, whitelist size %d", ErrInvalidPosition, p.SelfPosition, p.WhitelistSize)
	}
	return nil
}

// NextMasterWindowStart returns the smallest block >= currentBlock at which the
// network at selfPosition becomes master. If currentBlock itself starts a window
// it is returned unchanged.
func NextMasterWindowStart(currentBlock, windowLength, whitelistSize uint64, selfPosition int64) (uint64, error) {
	p := Params{WindowLength: windowLength, WhitelistSize: whitelistSize, SelfPosition: selfPosition}
	if err := p.validate(); err != nil {
		return 0, err
	}

	hi, fullCycle := bits.Mul64(windowLength, whitelistSize)
	if hi != 0 {
		return 0, fmt.Errorf("%w: cycle of %d windows of %d blocks", ErrOverflow, whitelistSize, windowLength)
	}
	// offset < fullCycle, so it cannot overflow once fullCycle fits.
	offset := uint64(selfPosition) * windowLength
	if currentBlock <= offset {
		return offset, nil
	}
	elapsed := currentBlock - offset
	cycles := elapsed / fullCycle
	if elapsed%fullCycle != 0 {
		cycles++
	}
	hi, lo := bits.Mul64(fullCycle, cycles)
	start, carry := bits.Add64(lo, offset, 0)
	if hi != 0 || carry != 0 {
		return 0, fmt.Errorf("%w: next window after block %d", ErrOverflow, currentBlock)
	}
	return start, nil
}

// Schedule is the block range [Start, End) of one master window.
type Schedule struct {
	Start uint64
	End   uint64
}

// NewSchedule computes the next window for p as seen from currentBlock.
func NewSchedule(currentBlock uint64, p Params) (Schedule, error) {
	start, err := NextMasterWindowStart(currentBlock, p.WindowLength, p.WhitelistSize, p.SelfPosition)
	if err != nil {
		return Schedule{}, err
	}
	end, carry := bits.Add64(start, p.WindowLength, 0)
	if carry != 0 {
		return Schedule{}, fmt.Errorf("%w: window starting at block %d", ErrOverflow, start)
	}
	return Schedule{Start: start, End: end}, nil
}

// Before reports whether block precedes the window.
func (s Schedule) Before(block uint64) bool { return block < s.Start }

// Contains reports whether block lies inside the window.
func (s Schedule) Contains(block uint64) bool { return block >= s.Start && block < s.End }

// Closed reports whether the window is over at block.
func (s Schedule) Closed(block uint64) bool { return block >= s.End }

// WaitDuration returns how long to sleep at currentBlock so that block
// observation starts tolerance ahead of the window. It never returns a negative value.
func (s Schedule) WaitDuration(currentBlock uint64, averageBlockTime, tolerance time.Duration) time.Duration {
	if currentBlock >= s.Start {
		return 0
	}
	d := time.Duration(s.Start-currentBlock)*averageBlockTime - tolerance
	if d < 0 {
		return 0
	}
	return d
}
