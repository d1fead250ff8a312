// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

// Package placement decides where new extents are written. The device is
// split into segments of fixed size. Each stream, given by placement hint and
// generation, appends into its own open segment. Segments are reused only
// after all extents in them died and no open transaction can still read them.
package placement

import (
	"sort"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/log"

	"github.com/asch/cowstore/internal/store/types"
)

type segState uint8

const (
	segEmpty segState = iota
	segOpen
	segClosed
)

func (s segState) String() string {
	switch s {
	case segOpen:
		return "open"
	case segClosed:
		return "closed"
	}

	return "empty"
}

type segment struct {
	state   segState
	written uint64
	used    uint64
	stream  int

	// Commit which made the segment dead. The segment can be released
	// once no transaction older than this commit is open.
	freedAt types.JournalSeq
}

// Options to use in New() function due to high number of parameters.
type Options struct {
	Size            uint64
	BlockSize       uint64
	SegmentSize     uint64
	InlineThreshold uint64
}

// Manager is the segmented space allocator. It is safe for concurrent use.
type Manager struct {
	mu sync.Mutex

	blockSize       uint64
	segmentSize     uint64
	inlineThreshold uint64

	segments []segment

	// Open segment of every stream, -1 if none.
	open []int

	metrics metrics
}

type metrics struct {
	used      prometheus.Gauge
	available prometheus.Gauge
	released  prometheus.Counter
}

// Stat summarizes the space usage.
type Stat struct {
	Total       uint64
	Used        uint64
	Available   uint64
	Reclaimable uint64

	Segments       int
	OpenSegments   int
	ClosedSegments int
	EmptySegments  int
}

// SegmentInfo describes one closed segment for the cleaner.
type SegmentInfo struct {
	ID    int
	Start types.Paddr
	End   types.Paddr
	Used  uint64
	Ratio float64
}

func New(o Options, reg prometheus.Registerer) *Manager {
	types.Assertf(o.SegmentSize > 0 && types.Aligned(o.SegmentSize, o.BlockSize),
		"segment size %d not aligned to block size %d", o.SegmentSize, o.BlockSize)

	m := &Manager{
		blockSize:       o.BlockSize,
		segmentSize:     o.SegmentSize,
		inlineThreshold: o.InlineThreshold,
		segments:        make([]segment, o.Size/o.SegmentSize),
		open:            make([]int, int(types.NumHints)*int(types.NumGenerations)),
		metrics: metrics{
			used: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "cowstore", Subsystem: "placement", Name: "used_bytes",
				Help: "Bytes occupied by live extents.",
			}),
			available: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "cowstore", Subsystem: "placement", Name: "available_bytes",
				Help: "Bytes available for new extents without cleaning.",
			}),
			released: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "cowstore", Subsystem: "placement", Name: "released_segments_total",
				Help: "Segments returned to the free pool.",
			}),
		},
	}

	for i := range m.open {
		m.open[i] = -1
	}

	if reg != nil {
		reg.MustRegister(m.metrics.used, m.metrics.available, m.metrics.released)
	}

	m.metrics.available.Set(float64(uint64(len(m.segments)) * m.segmentSize))

	return m
}

func (m *Manager) BlockSize() uint64 {
	return m.blockSize
}

func (m *Manager) SegmentSize() uint64 {
	return m.segmentSize
}

func stream(hint types.PlacementHint, gen types.Generation) int {
	return int(hint)*int(types.NumGenerations) + int(gen)
}

// Alloc reserves length bytes in the stream given by hint and gen. The
// returned inline flag tells whether the extent travels with the journal
// record. The space counts as used only after MarkUsed.
func (m *Manager) Alloc(length uint64, hint types.PlacementHint, gen types.Generation) (types.Paddr, bool, error) {
	types.Assertf(types.Aligned(length, m.blockSize), "allocation of %d bytes not block aligned", length)

	if length > m.segmentSize {
		return types.PaddrNull, false, types.NoSpace.New("extent of %d bytes exceeds segment size %d", length, m.segmentSize)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	st := stream(hint, gen)
	id := m.open[st]

	if id < 0 || m.segments[id].written+length > m.segmentSize {
		if id >= 0 {
			m.close(id)
		}

		id = m.openSegment(st)
		if id < 0 {
			return types.PaddrNull, false, types.NoSpace.New("no empty segment for %d bytes", length)
		}
	}

	seg := &m.segments[id]
	paddr := m.segmentStart(id).Add(seg.written)
	seg.written += length

	inline := gen == types.InlineGeneration && length <= m.inlineThreshold

	m.updateMetrics()

	return paddr, inline, nil
}

func (m *Manager) openSegment(st int) int {
	for i := range m.segments {
		if m.segments[i].state == segEmpty {
			m.segments[i] = segment{state: segOpen, stream: st}
			m.open[st] = i
			log.Debug().Int("segment", i).Int("stream", st).Msg("Segment opened.")
			return i
		}
	}

	m.open[st] = -1

	return -1
}

func (m *Manager) close(id int) {
	seg := &m.segments[id]
	seg.state = segClosed
	if m.open[seg.stream] == id {
		m.open[seg.stream] = -1
	}
}

func (m *Manager) segmentStart(id int) types.Paddr {
	return types.Paddr(uint64(id) * m.segmentSize)
}

// SegmentOf returns segment containing paddr.
func (m *Manager) SegmentOf(paddr types.Paddr) int {
	return int(uint64(paddr) / m.segmentSize)
}

// MarkUsed accounts a live extent.
func (m *Manager) MarkUsed(paddr types.Paddr, length uint64) {
	if !paddr.IsReal() {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	seg := &m.segments[m.SegmentOf(paddr)]
	seg.used += length
	seg.freedAt = types.SeqNull

	m.updateMetrics()
}

// MarkFree accounts death of an extent retired by the commit seq.
func (m *Manager) MarkFree(paddr types.Paddr, length uint64, seq types.JournalSeq) {
	if !paddr.IsReal() {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	seg := &m.segments[m.SegmentOf(paddr)]
	types.Assertf(seg.used >= length, "segment %d frees %d bytes but uses %d", m.SegmentOf(paddr), length, seg.used)

	seg.used -= length
	if seg.used == 0 && seq > seg.freedAt {
		seg.freedAt = seq
	}

	m.updateMetrics()
}

// ReleaseBefore returns closed dead segments to the free pool if they died
// no later than horizon, the base of the oldest open transaction.
func (m *Manager) ReleaseBefore(horizon types.JournalSeq) []int {
	m.mu.Lock()
	defer m.mu.Unlock()

	var released []int
	for i := range m.segments {
		seg := &m.segments[i]
		if seg.state != segClosed || seg.used != 0 || seg.freedAt > horizon {
			continue
		}

		*seg = segment{}
		released = append(released, i)
	}

	if len(released) > 0 {
		m.metrics.released.Add(float64(len(released)))
		m.updateMetrics()
		log.Debug().Ints("segments", released).Msg("Segments released.")
	}

	return released
}

// Rebuild resets the allocator after the usage was recomputed by MarkUsed
// calls during mount. Segments with live data are closed, all others empty.
func (m *Manager) Rebuild() {
	m.mu.Lock()
	defer m.mu.Unlock()

	for i := range m.open {
		m.open[i] = -1
	}

	for i := range m.segments {
		seg := &m.segments[i]
		seg.freedAt = types.SeqNull
		if seg.used > 0 {
			seg.state = segClosed
			seg.written = m.segmentSize
		} else {
			*seg = segment{}
		}
	}

	m.updateMetrics()
}

// Reset forgets all usage. Used by mkfs and before mount.
func (m *Manager) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()

	for i := range m.segments {
		m.segments[i] = segment{}
	}
	for i := range m.open {
		m.open[i] = -1
	}

	m.updateMetrics()
}

// Candidates returns closed segments with live ratio under threshold, the
// least utilized first.
func (m *Manager) Candidates(threshold float64) []SegmentInfo {
	m.mu.Lock()
	defer m.mu.Unlock()

	var infos []SegmentInfo
	for i := range m.segments {
		seg := &m.segments[i]
		if seg.state != segClosed || seg.used == 0 {
			continue
		}

		r := float64(seg.used) / float64(m.segmentSize)
		if r < threshold {
			infos = append(infos, SegmentInfo{
				ID:    i,
				Start: m.segmentStart(i),
				End:   m.segmentStart(i + 1),
				Used:  seg.used,
				Ratio: r,
			})
		}
	}

	sort.Slice(infos, func(i, j int) bool {
		return infos[i].Ratio < infos[j].Ratio
	})

	return infos
}

// Used returns live bytes in the segment.
func (m *Manager) Used(id int) uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.segments[id].used
}

func (m *Manager) Stat() Stat {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.stat()
}

func (m *Manager) stat() Stat {
	s := Stat{
		Total:    uint64(len(m.segments)) * m.segmentSize,
		Segments: len(m.segments),
	}

	for i := range m.segments {
		seg := &m.segments[i]
		s.Used += seg.used

		switch seg.state {
		case segEmpty:
			s.EmptySegments++
			s.Available += m.segmentSize
		case segOpen:
			s.OpenSegments++
			s.Available += m.segmentSize - seg.written
			s.Reclaimable += seg.written - seg.used
		case segClosed:
			s.ClosedSegments++
			s.Reclaimable += seg.written - seg.used
		}
	}

	return s
}

func (m *Manager) updateMetrics() {
	s := m.stat()
	m.metrics.used.Set(float64(s.Used))
	m.metrics.available.Set(float64(s.Available))
}
