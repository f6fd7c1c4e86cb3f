package stats

import (
	"log"
	"sync/atomic"
	"time"
)

// Stats counts received documents and rate-limit violations for the test
// receiver.
type Stats struct {
	total            uint32
	intervalBucket   uint32
	violations       uint32
	lastReport       int64
	lastDocument     int64
	reportEvery      time.Duration
	finalReportAfter time.Duration
	finalReportSent  bool
	prefix           string
	finalCallback    func()
}

func (s *Stats) finalReportTime() time.Duration {
	lastDocument := atomic.LoadInt64(&s.lastDocument)
	secondsSinceLastDocument := time.Second * time.Duration(time.Now().Unix()-lastDocument)
	finalReport := s.finalReportAfter - secondsSinceLastDocument
	if lastDocument == 0 || s.finalReportSent {
		finalReport = s.finalReportAfter
	}
	return finalReport
}

func (s *Stats) finalReporter() {
	for {
		finalReport := s.finalReportTime()
		<-time.After(finalReport)
		if s.finalReportTime() < 0 {
			s.Report(true)
		}
	}
}

func (s *Stats) periodicReporter() {
	for {
		<-time.After(s.reportEvery)
		s.Report(false)
	}
}

// NewStats constructs new statistics. The final report fires after
// finalReportAfter of silence; 0 disables it.
func NewStats(reportEvery time.Duration, finalReportAfter time.Duration,
	prefix string, finalCallback func()) *Stats {
	ret := &Stats{
		reportEvery:      reportEvery,
		finalReportAfter: finalReportAfter,
		prefix:           prefix,
		finalCallback:    finalCallback,
	}

	go ret.periodicReporter()
	if finalReportAfter != 0 {
		go ret.finalReporter()
	}

	return ret
}

// Inc records one received document.
func (s *Stats) Inc() {
	now := time.Now().Unix()
	atomic.StoreInt64(&s.lastDocument, now)
	atomic.AddUint32(&s.intervalBucket, 1)
	atomic.AddUint32(&s.total, 1)
}

// IncViolation records a document that arrived above the agreed quota.
func (s *Stats) IncViolation() {
	atomic.AddUint32(&s.violations, 1)
}

// Violations returns the number of quota violations seen so far.
func (s *Stats) Violations() uint32 {
	return atomic.LoadUint32(&s.violations)
}

// Report prints a report to stdout.
func (s *Stats) Report(final bool) {
	addr := &s.intervalBucket
	if final {
		addr = &s.total
		s.finalReportSent = true
	}
	docs := atomic.LoadUint32(addr)
	atomic.AddUint32(addr, -docs)
	if docs != 0 && !final {
		s.finalReportSent = false
	}
	lastReportDuration := time.Now().Unix() - s.lastReport
	if lastReportDuration == 0 {
		return
	}
	rate := float64(docs) / float64(lastReportDuration)
	if final {
		log.Printf("%s -- Final report -- Documents: %d -- Violations: %d",
			s.prefix, docs, s.Violations())
		s.finalCallback()
	}

	log.Printf("%s -- Documents: %d -- Rate: %g -- Violations: %d",
		s.prefix, docs, rate, s.Violations())
	s.lastReport = time.Now().Unix()
}
