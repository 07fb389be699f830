package database

import (
	"time"

	log "github.com/sirupsen/logrus"
)

// SessionStarted and SessionEnded implement the capture service's
// history hooks. Storage errors are logged and swallowed: history must
// never fail a capture.

func (d *DB) SessionStarted(pid uint32, processName, optionsJSON string) int64 {
	id, err := d.InsertSession(pid, processName, optionsJSON, time.Now())
	if err != nil {
		log.Errorf("failed to record session start: %v", err)
		return 0
	}
	return id
}

func (d *DB) SessionEnded(id int64, reason, errorDetail string, eventsSent, eventsDropped uint64) {
	if id == 0 {
		return
	}
	if err := d.FinishSession(id, time.Now(), reason, errorDetail, eventsSent, eventsDropped); err != nil {
		log.Errorf("failed to record session end: %v", err)
	}
}
