// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

// Package device defines the physical address space the store writes
// extents to. Anything implementing Device can be used as a backend: memory
// for tests, s3 for object storage and null for benchmarking the core.
package device

import (
	"context"

	"github.com/zeebo/errs"

	"github.com/asch/cowstore/internal/store/types"
)

// Error wraps all failures reported by device implementations.
var Error = errs.Class("device")

// Interface for the physical storage. Reads and writes are always block
// aligned and never cross the device size.
type Device interface {
	// Reads len(buf) bytes starting at paddr.
	Read(ctx context.Context, paddr types.Paddr, buf []byte) error

	// Writes data at paddr. The data are durable once Write returns.
	Write(ctx context.Context, paddr types.Paddr, data []byte) error

	// Block size all addresses and lengths respect.
	BlockSize() uint64

	// Size of the address space in bytes.
	Size() uint64

	Close() error
}

type backgroundKey struct{}

// WithBackground marks I/O done under ctx as low priority. Devices which
// prioritize requests serve such requests after the foreground ones.
func WithBackground(ctx context.Context) context.Context {
	return context.WithValue(ctx, backgroundKey{}, true)
}

// IsBackground reports whether ctx was marked by WithBackground.
func IsBackground(ctx context.Context) bool {
	b, _ := ctx.Value(backgroundKey{}).(bool)
	return b
}

// CheckRange verifies that the request is aligned and inside the device.
func CheckRange(d Device, paddr types.Paddr, length int) error {
	bs := d.BlockSize()
	if !paddr.IsReal() {
		return Error.New("%s is not a device address", paddr)
	}
	if !types.Aligned(uint64(paddr), bs) || !types.Aligned(uint64(length), bs) {
		return Error.New("request %s+%d not aligned to %d", paddr, length, bs)
	}
	if uint64(paddr)+uint64(length) > d.Size() {
		return Error.New("request %s+%d beyond device size %d", paddr, length, d.Size())
	}

	return nil
}
