// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

// Package proxy is a proxy for Device which performs prioritization of
// various requests.
package proxy

import (
	"context"

	"github.com/asch/cowstore/internal/store/device"
	"github.com/asch/cowstore/internal/store/types"
)

// Proxy for the device which prioritizes requests. Requests coming to the
// priority channels are handled first. Like this requests from low priority
// operations like cleaning do not slow down transactions.
type Proxy struct {
	Instance device.Device

	// Number of go routines to spawn for handling write requests and read
	// requests.
	writers int
	readers int

	// Internal channels.
	writes     chan request
	reads      chan request
	writesPrio chan request
	readsPrio  chan request

	quit chan struct{}
}

// Request is internal structure for wrapping the communication into channels.
type request struct {
	ctx   context.Context
	paddr types.Paddr
	data  []byte
	done  chan error
}

// Return new instance of the proxy which can be directly used. It immediately
// spawns go routines for write and read workers.
func New(instance device.Device, writers, readers int) *Proxy {
	p := Proxy{
		Instance:   instance,
		writers:    writers,
		readers:    readers,
		writes:     make(chan request),
		reads:      make(chan request),
		writesPrio: make(chan request),
		readsPrio:  make(chan request),
		quit:       make(chan struct{}),
	}

	for i := 0; i < p.writers; i++ {
		go p.writeWorker()
	}

	for i := 0; i < p.readers; i++ {
		go p.readWorker()
	}

	return &p
}

// Proxy function for writing data at paddr. It selects the right channel
// according to the context priority and waits for reply.
func (p *Proxy) Write(ctx context.Context, paddr types.Paddr, data []byte) error {
	c := p.writesPrio
	if device.IsBackground(ctx) {
		c = p.writes
	}

	return p.submit(ctx, c, paddr, data)
}

// Proxy function for reading into buf from paddr. It selects the right
// channel according to the context priority and waits for reply.
func (p *Proxy) Read(ctx context.Context, paddr types.Paddr, buf []byte) error {
	c := p.readsPrio
	if device.IsBackground(ctx) {
		c = p.reads
	}

	return p.submit(ctx, c, paddr, buf)
}

func (p *Proxy) submit(ctx context.Context, c chan request, paddr types.Paddr, data []byte) error {
	done := make(chan error, 1)

	select {
	case c <- request{ctx: ctx, paddr: paddr, data: data, done: done}:
	case <-ctx.Done():
		return types.Interrupted.Wrap(ctx.Err())
	case <-p.quit:
		return device.Error.New("device closed")
	}

	return <-done
}

func (p *Proxy) BlockSize() uint64 {
	return p.Instance.BlockSize()
}

func (p *Proxy) Size() uint64 {
	return p.Instance.Size()
}

// Stops all workers and closes the underlying device.
func (p *Proxy) Close() error {
	close(p.quit)
	return p.Instance.Close()
}

// Generic function for prioritization used by both, writer and reader
// workers. Returns false when the proxy is closed.
func (p *Proxy) receiveRequest(prio chan request, normal chan request) (request, bool) {
	var r request

	select {
	case r = <-prio:
	case <-p.quit:
		return r, false
	default:
		select {
		case r = <-prio:
		case r = <-normal:
		case <-p.quit:
			return r, false
		}
	}

	return r, true
}

// Write worker just calls Write() on the instance provided in New().
func (p *Proxy) writeWorker() {
	for {
		r, ok := p.receiveRequest(p.writesPrio, p.writes)
		if !ok {
			return
		}
		r.done <- p.Instance.Write(r.ctx, r.paddr, r.data)
	}
}

// Read worker just calls Read() on the instance provided in New().
func (p *Proxy) readWorker() {
	for {
		r, ok := p.receiveRequest(p.readsPrio, p.reads)
		if !ok {
			return
		}
		r.done <- p.Instance.Read(r.ctx, r.paddr, r.data)
	}
}
