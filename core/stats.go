package core

import (
	"sync/atomic"
	"time"
)

type CrawlStats struct {
	pagesRendered    int64
	requestsCaptured int64
	eventsDispatched int64
	navigations      int64
	urlsFound        int64
	errors           int64
}

func NewCrawlStats() *CrawlStats {
	return &CrawlStats{}
}

func (s *CrawlStats) IncrementPagesRendered() {
	atomic.AddInt64(&s.pagesRendered, 1)
}

func (s *CrawlStats) IncrementRequestsCaptured() {
	atomic.AddInt64(&s.requestsCaptured, 1)
}

func (s *CrawlStats) AddEventsDispatched(count int) {
	if count > 0 {
		atomic.AddInt64(&s.eventsDispatched, int64(count))
	}
}

func (s *CrawlStats) IncrementNavigations() {
	atomic.AddInt64(&s.navigations, 1)
}

func (s *CrawlStats) AddURLsFound(count int) {
	if count > 0 {
		atomic.AddInt64(&s.urlsFound, int64(count))
	}
}

func (s *CrawlStats) IncrementErrors() {
	atomic.AddInt64(&s.errors, 1)
}

func (s *CrawlStats) GetPagesRendered() int64 {
	return atomic.LoadInt64(&s.pagesRendered)
}

func (s *CrawlStats) GetRequestsCaptured() int64 {
	return atomic.LoadInt64(&s.requestsCaptured)
}

func (s *CrawlStats) GetEventsDispatched() int64 {
	return atomic.LoadInt64(&s.eventsDispatched)
}

func (s *CrawlStats) GetNavigations() int64 {
	return atomic.LoadInt64(&s.navigations)
}

func (s *CrawlStats) GetURLsFound() int64 {
	return atomic.LoadInt64(&s.urlsFound)
}

func (s *CrawlStats) GetErrors() int64 {
	return atomic.LoadInt64(&s.errors)
}

// GetRPS is captured requests per second.
func (s *CrawlStats) GetRPS(elapsed time.Duration) float64 {
	seconds := elapsed.Seconds()
	if seconds <= 0 {
		return 0
	}
	return float64(s.GetRequestsCaptured()) / seconds
}
