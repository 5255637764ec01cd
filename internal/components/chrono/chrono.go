package chrono

import (
	"sync"
	"time"
)

// API is the interface that anything depending on the system clock should use.
type API interface {
	Now() time.Time
}

// StandardImpl is the standard implementation of API using the standard library.
type StandardImpl struct{}

func NewStandardImpl() StandardImpl {
	return StandardImpl{}
}

func (StandardImpl) Now() time.Time {
	return time.Now()
}

// FakeImpl is a manually advanced clock for tests.
type FakeImpl struct {
	mutex   sync.Mutex
	current time.Time
}

func NewFakeImpl(start time.Time) *FakeImpl {
	return &FakeImpl{current: start}
}

func (f *FakeImpl) Now() time.Time {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	return f.current
}

// Advance moves the clock forward by d.
func (f *FakeImpl) Advance(d time.Duration) {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	f.current = f.current.Add(d)
}
