package util

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/pterm/pterm"
)

// ──────────────────────────────────────────────────────────────────────────────
// Global stats singleton
// ──────────────────────────────────────────────────────────────────────────────

// Stats is the process-wide signaling/message counter.
var Stats = &stats{}

type stats struct {
	SignalsSent  atomic.Int64 // envelopes accepted by the signaling endpoint
	SignalsRecv  atomic.Int64 // envelopes delivered after deduplication
	SignalsDup   atomic.Int64 // envelopes dropped as stale or repeated
	MessagesSent atomic.Int64 // chat messages written to a DataChannel
	MessagesRecv atomic.Int64 // chat messages delivered to the application
	DecodeErrors atomic.Int64 // frames that failed to decode or decrypt
	BytesSent    atomic.Int64 // cumulative bytes written to DataChannels
	BytesRecv    atomic.Int64 // cumulative bytes read from DataChannels
}

func (s *stats) AddSignalSent()  { s.SignalsSent.Add(1) }
func (s *stats) AddSignalRecv()  { s.SignalsRecv.Add(1) }
func (s *stats) AddSignalDup()   { s.SignalsDup.Add(1) }
func (s *stats) AddMessageSent() { s.MessagesSent.Add(1) }
func (s *stats) AddMessageRecv() { s.MessagesRecv.Add(1) }
func (s *stats) AddDecodeError() { s.DecodeErrors.Add(1) }
func (s *stats) AddSent(n int)   { s.BytesSent.Add(int64(n)) }
func (s *stats) AddRecv(n int)   { s.BytesRecv.Add(int64(n)) }

// snapshot is a point-in-time copy of the counters.
type snapshot struct {
	signalsSent, signalsRecv, signalsDup int64
	msgSent, msgRecv, decodeErrors       int64
	bytesSent, bytesRecv                 int64
}

func (s *stats) snapshot() snapshot {
	return snapshot{
		signalsSent:  s.SignalsSent.Load(),
		signalsRecv:  s.SignalsRecv.Load(),
		signalsDup:   s.SignalsDup.Load(),
		msgSent:      s.MessagesSent.Load(),
		msgRecv:      s.MessagesRecv.Load(),
		decodeErrors: s.DecodeErrors.Load(),
		bytesSent:    s.BytesSent.Load(),
		bytesRecv:    s.BytesRecv.Load(),
	}
}

// ──────────────────────────────────────────────────────────────────────────────
// Periodic reporter
// ──────────────────────────────────────────────────────────────────────────────

// StartStatsReporter launches a goroutine that logs activity every interval
// when anything changed. It stops when ctx is cancelled.
func StartStatsReporter(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		prev := Stats.snapshot()
		for {
			select {
			case <-ticker.C:
				cur := Stats.snapshot()
				if cur != prev {
					pterm.DefaultLogger.Info(formatStats(prev, cur, interval))
				}
				prev = cur

			case <-ctx.Done():
				return
			}
		}
	}()
}

// byteUnits defines the units for formatting byte counts in a human-readable way.
var byteUnits = []string{"B", "KiB", "MiB", "GiB", "TiB", "PiB"}

// formatBytes formats a byte count into a human-readable string with fixed width (exactly 8 chars)
// for example: "99.0   B", " 1.5 KiB", " 0.1 MiB", "98.9 GiB", etc.
func formatBytes(b float64) string {
	unitIdx := 0

	// to prevent "100.0 KiB", which is 9 chars
	for b > 99 && unitIdx < 5 {
		b /= 1024
		unitIdx++
	}

	return fmt.Sprintf("%4.1f %3s", b, byteUnits[unitIdx])
}

// formatStats describes the change between two snapshots.
func formatStats(prev, cur snapshot, interval time.Duration) string {
	secs := interval.Seconds()
	return fmt.Sprintf("Signals: %2d↑ %2d↓ %2d dup | Msgs: %2d↑ %2d↓ %d bad | In: %s/s | Out: %s/s",
		cur.signalsSent-prev.signalsSent,
		cur.signalsRecv-prev.signalsRecv,
		cur.signalsDup-prev.signalsDup,
		cur.msgSent-prev.msgSent,
		cur.msgRecv-prev.msgRecv,
		cur.decodeErrors-prev.decodeErrors,
		formatBytes(float64(cur.bytesRecv-prev.bytesRecv)/secs),
		formatBytes(float64(cur.bytesSent-prev.bytesSent)/secs),
	)
}
