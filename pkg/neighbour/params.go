package neighbour

import (
	"math/rand"
	"sync/atomic"
	"time"
)

// Parameters holds the tunables attached to a (Table, Interface) pair.
// Entries hold a shared, refcounted reference to the Parameters of the
// interface they were created on, so distinct interfaces on the same table
// may run distinct timeouts.
type Parameters struct {
	BaseReachableTime time.Duration
	ReachableTime     time.Duration // resampled every 300s from BaseReachableTime
	RetransTime       time.Duration
	GCStaleTime       time.Duration
	DelayProbeTime    time.Duration
	QueueLen          int
	UcastProbes       int
	McastProbes       int
	AppProbes         int
	ProxyDelay        time.Duration
	ProxyQLen         int
	Locktime          time.Duration

	refcount int32
	dead     atomic.Bool
}

// DefaultParameters returns a Parameters populated with the spec's default
// values.
func DefaultParameters() *Parameters {
	p := &Parameters{
		BaseReachableTime: 30 * time.Second,
		RetransTime:       1 * time.Second,
		GCStaleTime:       60 * time.Second,
		DelayProbeTime:    5 * time.Second,
		QueueLen:          3,
		UcastProbes:       3,
		McastProbes:       3,
		AppProbes:         0,
		ProxyDelay:        800 * time.Millisecond,
		ProxyQLen:         64,
		Locktime:          1 * time.Second,
		refcount:          1,
	}
	p.ReachableTime = p.randomizedReachableTime()
	return p
}

// randomizedReachableTime resamples ReachableTime to a value uniformly
// distributed in [½·base, 3⁄2·base], the classic RFC 4861-derived jitter so
// that many hosts sharing a base don't all expire entries in lockstep.
func (p *Parameters) randomizedReachableTime() time.Duration {
	base := p.BaseReachableTime
	lo := base / 2
	span := base // 3/2*base - 1/2*base = base
	return lo + time.Duration(rand.Int63n(int64(span)+1))
}

// resample refreshes ReachableTime in place. Safe to call concurrently with
// readers of ReachableTime only under the table's write lock, mirroring
// gc.go's periodic-sweep call site.
func (p *Parameters) resample() {
	p.ReachableTime = p.randomizedReachableTime()
}

func (p *Parameters) hold() {
	atomic.AddInt32(&p.refcount, 1)
}

func (p *Parameters) release() {
	atomic.AddInt32(&p.refcount, -1)
}

func (p *Parameters) isDead() bool {
	return p.dead.Load()
}

// kill prevents further entry creation against this Parameters set; it does
// not affect entries already holding a reference to it.
func (p *Parameters) kill() {
	p.dead.Store(true)
}

// Clone returns an independent copy so a caller may adjust one interface's
// parameters without affecting another's default.
func (p *Parameters) Clone() *Parameters {
	c := *p
	c.refcount = 1
	c.dead.Store(false)
	return &c
}
