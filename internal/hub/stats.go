package hub

import (
	"math"
	"sort"
	"time"
)

// add records a message of size bytes sent now
func (f *Frames) add(size int, connectedAt time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()

	t := time.Now()

	if f.ns.Count() > 0 {
		f.ns.Add(float64(t.UnixNano() - f.last.UnixNano()))
	} else {
		f.ns.Add(float64(t.UnixNano() - connectedAt.UnixNano()))
	}

	f.last = t
	f.size.Add(float64(size))
}

func (f *Frames) report() ReportStats {
	f.mu.RLock()
	defer f.mu.RUnlock()

	r := ReportStats{
		Count: f.size.Count(),
		Last:  "never",
	}

	if r.Count == 0 {
		return r
	}

	r.Last = time.Since(f.last).Round(time.Millisecond).String()
	r.Size = math.Round(f.size.Mean())
	r.SizeStdDev = math.Round(f.size.Stddev())

	if mean := f.ns.Mean(); mean > 0 {
		r.Rate = 1e9 / mean
	}

	return r
}

// Report returns statistics for every registered client, oldest first
func (h *Hub) Report() []*ClientReport {

	clients := h.snapshot()

	sort.Slice(clients, func(i, j int) bool {
		return clients[i].stats.connectedAt.Before(clients[j].stats.connectedAt)
	})

	reports := make([]*ClientReport, 0, len(clients))

	for _, c := range clients {
		reports = append(reports, &ClientReport{
			Name:       c.name,
			Connected:  c.stats.connectedAt.String(),
			RemoteAddr: c.remoteAddr,
			UserAgent:  c.userAgent,
			Tx:         c.stats.tx.report(),
		})
	}

	return reports
}
