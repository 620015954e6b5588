package memcache

import (
	"sync"
	"time"

	"github.com/golang/glog"
	"go.uber.org/atomic"
)

// pressure levels, mirroring the teacher's memsys.MemPressure tiers
// (OOM / extreme / high / normal) used to pick housekeeping intervals.
type pressureLevel int

const (
	pressureNormal pressureLevel = iota
	pressureHigh
	pressureExtreme
	pressureOOM
)

const (
	oomCheckInterval      = 5 * time.Second
	extremeCheckInterval  = 15 * time.Second
	highCheckInterval     = 30 * time.Second
	normalCheckInterval   = 2 * time.Minute
)

// readPressure is platform-specific; see pressure_linux.go. Platforms
// without a wired-up signal keep this default, which never reports worse
// than normal.
var readPressure func() pressureLevel = func() pressureLevel { return pressureNormal }

// Monitor polls the platform's memory-pressure signal on a self-adjusting
// ticker (tighter interval the worse the pressure gets, exactly as
// lchk.mp() re-schedules lom-cache.gc) and calls Cache.DropAll when a poll
// reports OOM pressure. Extreme and high pressure only shorten the polling
// interval; they never drop entries.
type Monitor struct {
	cache   *Cache
	running atomic.Bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

func NewMonitor(c *Cache) *Monitor {
	return &Monitor{cache: c, stopCh: make(chan struct{})}
}

// Start begins polling in the background. Calling Start twice is a no-op.
func (m *Monitor) Start() {
	if !m.running.CAS(false, true) {
		return
	}
	m.wg.Add(1)
	go m.loop()
}

func (m *Monitor) Stop() {
	if !m.running.CAS(true, false) {
		return
	}
	close(m.stopCh)
	m.wg.Wait()
}

func (m *Monitor) loop() {
	defer m.wg.Done()
	interval := normalCheckInterval
	timer := time.NewTimer(interval)
	defer timer.Stop()
	for {
		select {
		case <-m.stopCh:
			return
		case <-timer.C:
			lvl := readPressure()
			switch lvl {
			case pressureOOM:
				glog.Warningf("memcache: OOM pressure detected, dropping all entries")
				m.cache.DropAll()
				interval = oomCheckInterval
			case pressureExtreme:
				interval = extremeCheckInterval
			case pressureHigh:
				interval = highCheckInterval
			default:
				interval = normalCheckInterval
			}
			timer.Reset(interval)
		}
	}
}
